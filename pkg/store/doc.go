// Package store provides the content store for fetched fragments and assembled
// artifacts in cloud storage.
//
// Entries are addressed by a [Key] of document, kind and name and live at
// "{document}/{kind}/{name}" in any gocloud.dev bucket (file://, mem://, s3://,
// gs://). Fragment entries are written once: [Store.Write] refuses to replace an
// existing entry, which makes repeated runs of the same job resumable. Derived
// artifacts use [Store.Put].
//
// Every write records a blake2b-256 digest in the blob metadata, checked later by
// [Store.Validate]. Writes are atomic: a failed upload is aborted and leaves no
// entry behind.
//
// # Usage
//
//	s, err := store.Open(ctx, "file:///var/lib/libryay")
//	defer s.Close()
//
//	k := store.Key{Document: "book", Kind: store.KindText, Name: "ch1.xhtml"}
//	if err := s.Write(ctx, k, data); errors.Is(err, store.ErrExists) {
//	    // already fetched by an earlier run
//	}
//
// # Storage Layout
//
//	{bucket}/{document}/text/ch1.xhtml
//	{bucket}/{document}/image/cover.jpg
//	{bucket}/{document}/page/12.html
//	{bucket}/{document}/txt/{document}.txt
//	{bucket}/{document}/meta/content.opf
//	{bucket}/{document}/tmp/page-000012.pdf
//	{bucket}/{document}/pdf/{document}.pdf
//	{bucket}/{document}/epub/{document}.epub
package store
