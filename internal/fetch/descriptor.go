package fetch

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/mjbazhu/Libryay/pkg/store"
)

// SourceParam is the query parameter holding the fragment locator.
const SourceParam = "section_source"

// Kind is the kind of a fragment.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindPage  Kind = "page"
)

// PageMode selects how a page fragment is retrieved.
type PageMode int

const (
	// ModeMarkup stores the page's HTML as {n}.html.
	ModeMarkup PageMode = iota
	// ModeImage follows the image link in the page's HTML and stores {n}.jpg.
	ModeImage
)

func (m PageMode) String() string {
	if m == ModeImage {
		return "image"
	}
	return "markup"
}

// Locator is the shared request template of a document. Params carries the
// base locator in SourceParam.
type Locator struct {
	Endpoint string
	Params   url.Values
}

// Base returns the base locator.
func (l Locator) Base() string {
	return l.Params.Get(SourceParam)
}

// With returns a copy of l whose locator is resolved against name.
func (l Locator) With(name string) Locator {
	return l.WithBase(ResolveSource(l.Base(), name))
}

// WithBase returns a copy of l with base as its locator.
func (l Locator) WithBase(base string) Locator {
	params := make(url.Values, len(l.Params)+1)
	for k, vs := range l.Params {
		params[k] = append([]string(nil), vs...)
	}
	params.Set(SourceParam, base)
	return Locator{Endpoint: l.Endpoint, Params: params}
}

// ResolveSource replaces the final path segment of base (everything after the
// last '/') with name.
func ResolveSource(base, name string) string {
	return base[:strings.LastIndex(base, "/")+1] + name
}

// Descriptor identifies one fragment to fetch. It is immutable once built.
type Descriptor struct {
	Document string
	Kind     Kind
	// Name is the fragment's path relative to the base locator for text and
	// image fragments.
	Name string
	// Page is the 1-based page number of a page fragment.
	Page int
	// Mode applies to page fragments.
	Mode   PageMode
	Source Locator
}

// TextDescriptor builds a text fragment descriptor.
func TextDescriptor(document, name string, src Locator) Descriptor {
	return Descriptor{Document: document, Kind: KindText, Name: name, Source: src}
}

// ImageDescriptor builds an image fragment descriptor.
func ImageDescriptor(document, name string, src Locator) Descriptor {
	return Descriptor{Document: document, Kind: KindImage, Name: name, Source: src}
}

// PageDescriptor builds a page fragment descriptor.
func PageDescriptor(document string, page int, mode PageMode, src Locator) Descriptor {
	return Descriptor{
		Document: document,
		Kind:     KindPage,
		Name:     strconv.Itoa(page) + ".html",
		Page:     page,
		Mode:     mode,
		Source:   src,
	}
}

// Key returns the content-store key the fragment is persisted under.
func (d Descriptor) Key() store.Key {
	switch d.Kind {
	case KindPage:
		name := strconv.Itoa(d.Page) + ".html"
		if d.Mode == ModeImage {
			name = strconv.Itoa(d.Page) + ".jpg"
		}
		return store.Key{Document: d.Document, Kind: store.KindPage, Name: name}
	case KindImage:
		return store.Key{Document: d.Document, Kind: store.KindImage, Name: path.Base(d.Name)}
	default:
		return store.Key{Document: d.Document, Kind: store.KindText, Name: path.Base(d.Name)}
	}
}

// Request returns the locator of this fragment.
func (d Descriptor) Request() Locator {
	return d.Source.With(d.Name)
}

func (d Descriptor) String() string {
	if d.Kind == KindPage {
		return fmt.Sprintf("%s/page/%d", d.Document, d.Page)
	}
	return fmt.Sprintf("%s/%s/%s", d.Document, d.Kind, d.Name)
}

// IsMarkup reports whether name is an (X)HTML document.
func IsMarkup(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".xhtml", ".html", ".htm":
		return true
	}
	return false
}
