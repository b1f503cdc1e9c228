package manifest

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/mjbazhu/Libryay/internal/fetch"
	libhttp "github.com/mjbazhu/Libryay/internal/http"
	"github.com/mjbazhu/Libryay/internal/testutils"
	"github.com/mjbazhu/Libryay/pkg/store"
)

const opf = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
<manifest>
  <item id="c1" href="Text/ch1.xhtml" media-type="application/xhtml+xml"/>
  <item id="c2" href="Text/ch2.xhtml" media-type="application/xhtml+xml"/>
  <item id="i1" href="Images/a.jpg" media-type="image/jpeg"/>
  <item id="i2" href="Images/b.gif" media-type="image/gif"/>
  <item id="s" href="Styles/main.css" media-type="text/css"/>
  <item id="n" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
  <item id="f" href="Fonts/x.ttf" media-type="application/x-font-ttf"/>
</manifest>
</package>`

func TestParseOPF(t *testing.T) {
	pkg, err := ParseOPF([]byte(opf))
	require.NoError(t, err)

	assert.Equal(t, []string{"Text/ch1.xhtml", "Text/ch2.xhtml"}, pkg.Text)
	assert.Equal(t, []string{"Images/a.jpg", "Images/b.gif"}, pkg.Images)
	assert.Equal(t, []string{"Styles/main.css"}, pkg.CSS)
	assert.Equal(t, []string{"toc.ncx"}, pkg.NCX)
	assert.Equal(t, 6, pkg.Len())
}

func TestParseOPFInvalid(t *testing.T) {
	_, err := ParseOPF([]byte(`<html><body>login required</body></html>`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPackageDescriptors(t *testing.T) {
	pkg, err := ParseOPF([]byte(opf))
	require.NoError(t, err)
	pkg.Text = append(pkg.Text, "Other/ch1.xhtml") // same basename as Text/ch1.xhtml

	src := fetch.Locator{Endpoint: "https://api/read", Params: url.Values{fetch.SourceParam: {"https://cdn/b/OEBPS/content.opf"}}}
	ds := pkg.Descriptors("book", src)

	require.Len(t, ds, 6)
	assert.Equal(t, fetch.KindText, ds[0].Kind)
	assert.Equal(t, "Styles/main.css", ds[2].Name)
	assert.Equal(t, "toc.ncx", ds[3].Name)
	assert.Equal(t, fetch.KindImage, ds[4].Kind)
	assert.Equal(t, "https://cdn/b/OEBPS/Images/a.jpg", ds[4].Request().Params.Get(fetch.SourceParam))
}

func TestPackageSave(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	defer bucket.Close()
	s := store.New(bucket)

	pkg, err := ParseOPF([]byte(opf))
	require.NoError(t, err)
	require.NoError(t, pkg.Save(ctx, s, "book"))

	got, err := s.Read(ctx, store.Key{Document: "book", Kind: store.KindMeta, Name: OPFName})
	require.NoError(t, err)
	assert.Equal(t, opf, string(got))

	data, err := s.Read(ctx, store.Key{Document: "book", Kind: store.KindMeta, Name: ManifestName})
	require.NoError(t, err)
	var back Package
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, pkg.Text, back.Text)
	assert.Nil(t, back.OPF)
}

const configJS = `var x = 1;
IDRViewer.config = {"pagecount":3,"title":"T","creator":"Pdg2Pic","producer":"x","bookmarks":[{"title":"A","page":1,"children":[{"title":"A.1","page":2}]}]};
IDRViewer.start();`

func TestParsePageConfig(t *testing.T) {
	cfg, err := ParsePageConfig([]byte(configJS))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.PageCount)
	assert.Equal(t, "Pdg2Pic", cfg.Creator)
	assert.JSONEq(t, `[{"title":"A","page":1,"children":[{"title":"A.1","page":2}]}]`, string(cfg.Bookmarks))

	mode, known := cfg.Mode()
	assert.True(t, known)
	assert.Equal(t, fetch.ModeImage, mode)
}

func TestParsePageConfigInvalid(t *testing.T) {
	_, err := ParsePageConfig([]byte(`console.log("nothing")`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = ParsePageConfig([]byte(`IDRViewer.config = {"pagecount":0};`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPageMode(t *testing.T) {
	tests := []struct {
		creator, producer string
		mode              fetch.PageMode
		known             bool
	}{
		{"Pdg2Pic 3.0", "", fetch.ModeImage, true},
		{"", "Pdf Tools", fetch.ModeImage, true},
		{"Microsoft Word", "", fetch.ModeMarkup, true},
		{"Unknown", "", fetch.ModeMarkup, false},
	}
	for _, tt := range tests {
		mode, known := (&PageConfig{Creator: tt.creator, Producer: tt.producer}).Mode()
		assert.Equal(t, tt.mode, mode, tt.creator)
		assert.Equal(t, tt.known, known, tt.creator)
	}
}

func TestPageDescriptorsAndFetch(t *testing.T) {
	ctx := context.Background()
	srv := testutils.NewFragmentServer(t, map[string][]byte{
		"/doc/config.js": []byte(`IDRViewer.config = {"pagecount":2,"creator":"Microsoft Word","producer":""};`),
	})
	dir := fetch.Locator{Endpoint: srv.Endpoint(), Params: url.Values{fetch.SourceParam: {srv.Source("/doc")}}}
	src := ConfigLocator(dir)
	assert.Equal(t, srv.Source("/doc/config.js"), src.Base())

	cfg, err := FetchPageConfig(ctx, libhttp.NewClient(libhttp.DefaultOptions()), src)
	require.NoError(t, err)

	ds := cfg.Descriptors("doc", src)
	require.Len(t, ds, 2)
	assert.Equal(t, 2, ds[1].Page)
	assert.Equal(t, fetch.ModeMarkup, ds[1].Mode)
	assert.Equal(t, srv.Source("/doc/2.html"), ds[1].Request().Params.Get(fetch.SourceParam))
}

func TestPageConfigSave(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	defer bucket.Close()
	s := store.New(bucket)

	cfg, err := ParsePageConfig([]byte(configJS))
	require.NoError(t, err)
	require.NoError(t, cfg.Save(ctx, s, "doc"))

	ok, err := s.Exists(ctx, store.Key{Document: "doc", Kind: store.KindMeta, Name: BookmarksName})
	require.NoError(t, err)
	assert.True(t, ok)

	cfg.Bookmarks = nil
	require.NoError(t, cfg.Save(ctx, s, "other"))
	ok, err = s.Exists(ctx, store.Key{Document: "other", Kind: store.KindMeta, Name: BookmarksName})
	require.NoError(t, err)
	assert.False(t, ok)
}
