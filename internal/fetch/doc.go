// Package fetch retrieves single document fragments and persists them.
//
// A [Descriptor] names a fragment: its document, kind (text, image or page) and
// its path relative to the document's base locator. The request is built by
// substituting that path for the last segment of the base locator, which travels
// in the section_source query parameter.
//
// Per kind:
//   - text: the markup is stored as-is and its plain text appended to the
//     document's running text entry
//   - image: the bytes are stored verbatim
//   - page: in markup mode the page's HTML is stored; in image mode the HTML
//     wrapper is parsed for its image link and the picture is stored instead
//
// Every fetch first checks the store and performs no request for a fragment that
// is already there, so interrupted jobs resume where they stopped.
//
// # Errors
//
// Transport failures, including every status >= 400, are [Transient]. A payload
// missing its expected structure is [Fatal] and wraps [ErrFatal].
package fetch
