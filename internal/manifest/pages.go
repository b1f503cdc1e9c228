package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mjbazhu/Libryay/internal/fetch"
	"github.com/mjbazhu/Libryay/pkg/store"
)

// ConfigFile is the viewer configuration script of a paged document.
const ConfigFile = "config.js"

var viewerConfig = regexp.MustCompile(`(?s)IDRViewer\.config\s*=\s*(\{.*?\});`)

// PageConfig is the viewer configuration of a paged document.
type PageConfig struct {
	PageCount int             `json:"pagecount"`
	Creator   string          `json:"creator"`
	Producer  string          `json:"producer"`
	Bookmarks json.RawMessage `json:"bookmarks,omitempty"`
}

// ParsePageConfig extracts the configuration object from config.js.
func ParsePageConfig(data []byte) (*PageConfig, error) {
	m := viewerConfig.FindSubmatch(data)
	if m == nil {
		return nil, fmt.Errorf("%w: no viewer configuration", ErrInvalid)
	}
	var cfg PageConfig
	if err := json.Unmarshal(m[1], &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.PageCount <= 0 {
		return nil, fmt.Errorf("%w: page count %d", ErrInvalid, cfg.PageCount)
	}
	return &cfg, nil
}

// ConfigLocator turns the locator of a paged document's directory into the
// locator of its config.js, against which page names resolve.
func ConfigLocator(dir fetch.Locator) fetch.Locator {
	return dir.WithBase(strings.TrimSuffix(dir.Base(), "/") + "/" + ConfigFile)
}

// FetchPageConfig retrieves and parses config.js. src must come from ConfigLocator.
func FetchPageConfig(ctx context.Context, t fetch.Transport, src fetch.Locator) (*PageConfig, error) {
	body, err := t.GetWithParams(ctx, src.Endpoint, src.Params)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch page config: %w", err)
	}
	return ParsePageConfig(body)
}

// Mode picks how pages are fetched from the producing tool. Scanned documents
// (Pdg2Pic, or a PDF producer) are fetched as images and Office exports as
// markup. known is false when neither matched; markup is used then.
func (c *PageConfig) Mode() (mode fetch.PageMode, known bool) {
	switch {
	case strings.Contains(c.Creator, "Pdg2Pic"), strings.Contains(c.Producer, "Pdf"):
		return fetch.ModeImage, true
	case strings.Contains(c.Creator, "Microsoft"):
		return fetch.ModeMarkup, true
	default:
		return fetch.ModeMarkup, false
	}
}

// Descriptors lists pages 1..PageCount.
func (c *PageConfig) Descriptors(document string, src fetch.Locator) []fetch.Descriptor {
	mode, _ := c.Mode()
	out := make([]fetch.Descriptor, 0, c.PageCount)
	for n := 1; n <= c.PageCount; n++ {
		out = append(out, fetch.PageDescriptor(document, n, mode, src))
	}
	return out
}

// Save stores the configuration and, when present, the bookmark tree.
func (c *PageConfig) Save(ctx context.Context, s Saver, document string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if err := s.Put(ctx, store.Key{Document: document, Kind: store.KindMeta, Name: ConfigName}, data); err != nil {
		return err
	}
	if len(c.Bookmarks) == 0 || string(c.Bookmarks) == "null" {
		return nil
	}
	return s.Put(ctx, store.Key{Document: document, Kind: store.KindMeta, Name: BookmarksName}, c.Bookmarks)
}
