package assemble

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/beevik/etree"

	"github.com/mjbazhu/Libryay/internal/manifest"
	"github.com/mjbazhu/Libryay/pkg/store"
)

// Resource directories of a normalised EPUB, relative to OEBPS.
const (
	DirText   = "Text"
	DirImages = "Images"
	DirStyles = "Styles"
)

// MimeType is the content of the mimetype entry.
const MimeType = "application/epub+zip"

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

var mediaDir = map[string]string{
	manifest.MediaXHTML: DirText,
	manifest.MediaJPEG:  DirImages,
	manifest.MediaPNG:   DirImages,
	manifest.MediaGIF:   DirImages,
	manifest.MediaCSS:   DirStyles,
}

var guideDir = map[string]string{
	"cover":           DirImages,
	"other.titlepage": DirText,
	"toc":             DirText,
}

// File is one entry of an EPUB container.
type File struct {
	Path string // slash separated, from the container root
	Data []byte
}

// Category returns the OEBPS directory a resource belongs in, by extension.
// Resources without a category stay at the OEBPS root.
func Category(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".xhtml", ".html":
		return DirText
	case ".jpg", ".jpeg", ".png", ".gif":
		return DirImages
	case ".css":
		return DirStyles
	}
	return ""
}

// Relocate returns the container path of a resource.
func Relocate(name string) string {
	if dir := Category(name); dir != "" {
		return "OEBPS/" + dir + "/" + name
	}
	return "OEBPS/" + name
}

// rewritePath keeps the last path element of raw (anchor included) under dir.
func rewritePath(raw, dir, prefix string) string {
	clean := strings.ReplaceAll(raw, `\`, "/")
	return prefix + dir + "/" + path.Base(clean)
}

// fileName is the resource name an href points to.
func fileName(href string) string {
	name := path.Base(strings.ReplaceAll(href, `\`, "/"))
	if i := strings.IndexByte(name, '#'); i >= 0 {
		name = name[:i]
	}
	return name
}

func external(v string) bool {
	return v == "" || strings.HasPrefix(v, "#") || strings.HasPrefix(v, "data:") || strings.Contains(v, "://")
}

func readXML(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.Permissive = true
	doc.ReadSettings.Entity = xml.HTMLEntity
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	return doc, nil
}

// RewriteOPF points manifest items and guide references of resources in names
// to their relocated paths. Items are placed by media type, guide references
// by reference type; anything else is left alone.
func RewriteOPF(data []byte, names map[string]bool) ([]byte, error) {
	doc, err := readXML(data)
	if err != nil {
		return nil, fmt.Errorf("assemble: parse package document: %w", err)
	}
	fix := func(el *etree.Element, dir string) {
		attr := el.SelectAttr("href")
		if attr == nil || dir == "" || !names[fileName(attr.Value)] {
			return
		}
		attr.Value = rewritePath(attr.Value, dir, "")
	}
	for _, item := range doc.FindElements("//manifest/item") {
		fix(item, mediaDir[item.SelectAttrValue("media-type", "")])
	}
	for _, ref := range doc.FindElements("//guide/reference") {
		fix(ref, guideDir[ref.SelectAttrValue("type", "")])
	}
	return doc.WriteToBytes()
}

// RewriteNCX points every navigation entry into the text directory.
func RewriteNCX(data []byte) ([]byte, error) {
	doc, err := readXML(data)
	if err != nil {
		return nil, fmt.Errorf("assemble: parse ncx: %w", err)
	}
	for _, c := range doc.FindElements("//navPoint/content") {
		if attr := c.SelectAttr("src"); attr != nil && !external(attr.Value) {
			attr.Value = rewritePath(attr.Value, DirText, "")
		}
	}
	return doc.WriteToBytes()
}

// RewriteXHTML points stylesheet links and image sources of a chapter to the
// relocated resources. Other href attributes (chapter links) are left alone.
func RewriteXHTML(data []byte) ([]byte, error) {
	doc, err := readXML(data)
	if err != nil {
		return nil, fmt.Errorf("assemble: parse chapter: %w", err)
	}
	for _, el := range doc.FindElements("//*") {
		for i := range el.Attr {
			a := &el.Attr[i]
			isHref := a.Space == "" && a.Key == "href"
			isSrc := (a.Space == "" && a.Key == "src") || (a.Space == "xlink" && a.Key == "href")
			if (!isHref && !isSrc) || external(a.Value) {
				continue
			}
			switch {
			case strings.HasSuffix(a.Value, ".css"):
				a.Value = rewritePath(a.Value, DirStyles, "../")
			case isSrc:
				a.Value = rewritePath(a.Value, DirImages, "../")
			}
		}
	}
	return doc.WriteToBytes()
}

// NormalizeEPUB lays out a document's stored resources in the fixed OEBPS
// structure and rewrites every internal reference. The package document comes
// first in the result; the other files follow in path order.
func NormalizeEPUB(ctx context.Context, s Store, document string) ([]File, error) {
	opf, err := s.Read(ctx, store.Key{Document: document, Kind: store.KindMeta, Name: manifest.OPFName})
	if err != nil {
		return nil, err
	}

	var keys []store.Key
	for _, kind := range []string{store.KindText, store.KindImage} {
		ks, err := s.List(ctx, document, kind)
		if err != nil {
			return nil, err
		}
		keys = append(keys, ks...)
	}
	names := make(map[string]bool, len(keys))
	for _, k := range keys {
		names[k.Name] = true
	}

	opf, err = RewriteOPF(opf, names)
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		p := Relocate(k.Name)
		if seen[p] {
			continue
		}
		seen[p] = true

		data, err := s.Read(ctx, k)
		if err != nil {
			return nil, err
		}
		if k.Kind == store.KindText {
			switch strings.ToLower(path.Ext(k.Name)) {
			case ".ncx":
				data, err = RewriteNCX(data)
			case ".xhtml", ".html":
				data, err = RewriteXHTML(data)
			}
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
		}
		files = append(files, File{Path: p, Data: data})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return append([]File{{Path: "OEBPS/" + manifest.OPFName, Data: opf}}, files...), nil
}

// PackageEPUB writes files as an EPUB container: the mimetype entry first and
// stored uncompressed, then META-INF/container.xml, then files in order.
func PackageEPUB(w io.Writer, files []File) error {
	zw := zip.NewWriter(w)

	mt, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return fmt.Errorf("assemble: write mimetype: %w", err)
	}
	if _, err := io.WriteString(mt, MimeType); err != nil {
		return fmt.Errorf("assemble: write mimetype: %w", err)
	}

	entries := append([]File{{Path: "META-INF/container.xml", Data: []byte(containerXML)}}, files...)
	for _, f := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: f.Path, Method: zip.Deflate})
		if err != nil {
			return fmt.Errorf("assemble: write %s: %w", f.Path, err)
		}
		if _, err := fw.Write(f.Data); err != nil {
			return fmt.Errorf("assemble: write %s: %w", f.Path, err)
		}
	}
	return zw.Close()
}

// BuildEPUB normalises and packages a document into {name}.epub.
func BuildEPUB(ctx context.Context, s Store, document, name string) (store.Key, error) {
	if name == "" {
		name = document
	}
	files, err := NormalizeEPUB(ctx, s, document)
	if err != nil {
		return store.Key{}, err
	}
	var buf bytes.Buffer
	if err := PackageEPUB(&buf, files); err != nil {
		return store.Key{}, err
	}
	key := store.Key{Document: document, Kind: store.KindEPUB, Name: store.SanitizeName(name) + ".epub"}
	if err := s.Put(ctx, key, buf.Bytes()); err != nil {
		return store.Key{}, err
	}
	return key, nil
}
