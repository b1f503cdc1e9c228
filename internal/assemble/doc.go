// Package assemble turns a document's stored fragments into the final artifact.
//
// Paged documents become a PDF in two passes. Pass 1 renders every page to a
// one-page PDF on a worker pool of render engines, in batches with retries, and
// keeps the results as temporary entries so an interrupted build resumes where
// it stopped. Pass 2 merges the pages in segments, then the segments, and
// attaches the bookmark tree as outline.
//
// EPUB documents are normalised into a fixed OEBPS layout (Text, Images, Styles)
// with every internal reference rewritten, then packaged with the mimetype
// entry first and uncompressed.
package assemble
