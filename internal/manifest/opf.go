package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/beevik/etree"

	"github.com/mjbazhu/Libryay/internal/fetch"
	"github.com/mjbazhu/Libryay/pkg/store"
)

// ErrInvalid is returned for manifest data that cannot be parsed.
var ErrInvalid = errors.New("manifest: invalid manifest")

// Media types listed in an OPF manifest.
const (
	MediaXHTML = "application/xhtml+xml"
	MediaJPEG  = "image/jpeg"
	MediaPNG   = "image/png"
	MediaGIF   = "image/gif"
	MediaCSS   = "text/css"
	MediaNCX   = "application/x-dtbncx+xml"
)

// Names of the metadata entries saved next to the fragments.
const (
	OPFName       = "content.opf"
	ManifestName  = "manifest.json"
	ConfigName    = "config.json"
	BookmarksName = "bookmarks.json"
)

// Saver persists manifest metadata.
type Saver interface {
	Put(ctx context.Context, k store.Key, data []byte) error
}

// Package is the fragment list of an EPUB package document.
type Package struct {
	Text   []string `json:"text"`
	Images []string `json:"images"`
	CSS    []string `json:"css"`
	NCX    []string `json:"ncx"`

	OPF []byte `json:"-"`
}

// ParseOPF reads the manifest items of an OPF package document.
func ParseOPF(data []byte) (*Package, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.Permissive = true
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc.FindElement("//manifest") == nil {
		return nil, fmt.Errorf("%w: no manifest element", ErrInvalid)
	}

	pkg := &Package{OPF: data}
	for _, item := range doc.FindElements("//manifest/item") {
		href := item.SelectAttrValue("href", "")
		if href == "" {
			continue
		}
		switch item.SelectAttrValue("media-type", "") {
		case MediaXHTML:
			pkg.Text = append(pkg.Text, href)
		case MediaJPEG, MediaPNG, MediaGIF:
			pkg.Images = append(pkg.Images, href)
		case MediaCSS:
			pkg.CSS = append(pkg.CSS, href)
		case MediaNCX:
			pkg.NCX = append(pkg.NCX, href)
		}
	}
	return pkg, nil
}

// FetchOPF retrieves and parses the package document at src.
func FetchOPF(ctx context.Context, t fetch.Transport, src fetch.Locator) (*Package, error) {
	body, err := t.GetWithParams(ctx, src.Endpoint, src.Params)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch package document: %w", err)
	}
	return ParseOPF(body)
}

// Len returns the number of fragments.
func (p *Package) Len() int {
	return len(p.Text) + len(p.CSS) + len(p.NCX) + len(p.Images)
}

// Descriptors lists the text fragments (chapters, stylesheets, NCX) followed by
// the images. Fragments that would share a store key are listed once.
func (p *Package) Descriptors(document string, src fetch.Locator) []fetch.Descriptor {
	var out []fetch.Descriptor
	seen := make(map[store.Key]bool, p.Len())
	add := func(d fetch.Descriptor) {
		if k := d.Key(); !seen[k] {
			seen[k] = true
			out = append(out, d)
		}
	}
	for _, group := range [][]string{p.Text, p.CSS, p.NCX} {
		for _, href := range group {
			add(fetch.TextDescriptor(document, href, src))
		}
	}
	for _, href := range p.Images {
		add(fetch.ImageDescriptor(document, href, src))
	}
	return out
}

// Save stores the package document and the fragment list as metadata entries.
func (p *Package) Save(ctx context.Context, s Saver, document string) error {
	if err := s.Put(ctx, store.Key{Document: document, Kind: store.KindMeta, Name: OPFName}, p.OPF); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	return s.Put(ctx, store.Key{Document: document, Kind: store.KindMeta, Name: ManifestName}, data)
}
