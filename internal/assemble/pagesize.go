package assemble

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"regexp"
	"strconv"

	// Page pictures are JPEG; PNG and GIF show up in some scans.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/mjbazhu/Libryay/internal/render"
)

// ErrBadPage marks a page that cannot be rendered whatever the retries.
var ErrBadPage = errors.New("assemble: bad page")

var pageContainer = regexp.MustCompile(`<div id="p\d+"[^>]*width\s*:\s*(\d+)px;\s*height\s*:\s*(\d+)px`)

// ParsePageSize reads the size of the page container (`<div id="pN"` with a
// width and height in px) of a converted page.
func ParsePageSize(markup []byte) (render.PageSize, error) {
	m := pageContainer.FindSubmatch(markup)
	if m == nil {
		return render.PageSize{}, fmt.Errorf("%w: no page container", ErrBadPage)
	}
	w, _ := strconv.Atoi(string(m[1]))
	h, _ := strconv.Atoi(string(m[2]))
	size := render.PageSize{Width: w, Height: h}
	if !size.Valid() {
		return render.PageSize{}, fmt.Errorf("%w: page size %s", ErrBadPage, size)
	}
	return size, nil
}

// ImageMarkup wraps a page picture into a page of its own size.
func ImageMarkup(page int, data []byte) ([]byte, render.PageSize, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, render.PageSize{}, fmt.Errorf("%w: page %d picture: %v", ErrBadPage, page, err)
	}
	size := render.PageSize{Width: cfg.Width, Height: cfg.Height}
	if !size.Valid() {
		return nil, render.PageSize{}, fmt.Errorf("%w: page %d picture size %s", ErrBadPage, page, size)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, `<html><head><style>html,body{margin:0;padding:0}img{display:block;width:100%%;height:100%%}</style></head><body>`)
	fmt.Fprintf(&b, `<div id="p%d" style="width:%dpx; height:%dpx;"><img src="data:image/%s;base64,`, page, size.Width, size.Height, format)
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	b.WriteString(`"/></div></body></html>`)
	return b.Bytes(), size, nil
}
