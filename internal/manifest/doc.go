// Package manifest produces fragment lists for the two document formats.
//
// An EPUB is described by its OPF package document: every manifest item becomes
// a text fragment (chapters, stylesheets, NCX) or an image fragment. A paged
// document is described by its viewer configuration script, config.js, which
// gives the page count, the producing tool and an optional bookmark tree.
package manifest
