// Package testutils provides shared test infrastructure: an in-process content
// endpoint serving document fragments, synthetic documents, and (behind the
// integration build tag) a Minio-backed store.
package testutils

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// SourceParam is the query parameter carrying the fragment locator.
const SourceParam = "section_source"

// FragmentServer imitates the content endpoint: GET /content?section_source=URL
// returns the file stored under URL's path. Any other path is served directly,
// which is how image-mode pages fetch their picture.
type FragmentServer struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	hits     map[string]int
	failures map[string]int

	delay    atomic.Int64
	total    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewFragmentServer starts a server with files keyed by URL path ("/book/Text/ch1.xhtml").
func NewFragmentServer(t testing.TB, files map[string][]byte) *FragmentServer {
	t.Helper()
	s := &FragmentServer{
		files:    make(map[string][]byte, len(files)),
		hits:     make(map[string]int),
		failures: make(map[string]int),
	}
	for k, v := range files {
		s.files[k] = v
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Endpoint returns the content endpoint URL.
func (s *FragmentServer) Endpoint() string {
	return s.URL + "/content"
}

// Source returns a locator URL for path on a fictitious CDN host. Only its path is
// looked up by the server.
func (s *FragmentServer) Source(path string) string {
	return "https://cdn.test" + path
}

// SetFile adds or replaces a file.
func (s *FragmentServer) SetFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
}

// FailNext makes the next n requests for path answer 503.
func (s *FragmentServer) FailNext(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = n
}

// SetDelay makes every response wait d.
func (s *FragmentServer) SetDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

// Hits returns the number of requests for path.
func (s *FragmentServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// TotalHits returns the number of requests served.
func (s *FragmentServer) TotalHits() int {
	return int(s.total.Load())
}

// Peak returns the highest number of concurrent requests observed.
func (s *FragmentServer) Peak() int {
	return int(s.peak.Load())
}

func (s *FragmentServer) serve(w http.ResponseWriter, r *http.Request) {
	s.total.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if d := time.Duration(s.delay.Load()); d > 0 {
		time.Sleep(d)
	}

	path := r.URL.Path
	if path == "/content" {
		u, err := url.Parse(r.URL.Query().Get(SourceParam))
		if err != nil || u.Path == "" {
			http.Error(w, "missing "+SourceParam, http.StatusBadRequest)
			return
		}
		path = u.Path
	}

	s.mu.Lock()
	s.hits[path]++
	fail := s.failures[path] > 0
	if fail {
		s.failures[path]--
	}
	data, ok := s.files[path]
	s.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

// Book is a synthetic EPUB: an OPF package document plus its fragments.
type Book struct {
	Base   string            // path of the OPF ("/book/OEBPS/content.opf")
	OPF    []byte            // package document
	Text   []string          // hrefs of xhtml items
	Images []string          // hrefs of image items
	Files  map[string][]byte // every fragment keyed by URL path
}

// NewBook builds a book with the given numbers of chapters and images, plus one
// stylesheet and one NCX.
func NewBook(chapters, images int) *Book {
	b := &Book{
		Base:  "/book/OEBPS/content.opf",
		Files: make(map[string][]byte),
	}

	var items strings.Builder
	for i := 1; i <= chapters; i++ {
		href := fmt.Sprintf("Text/ch%03d.xhtml", i)
		b.Text = append(b.Text, href)
		fmt.Fprintf(&items, `<item id="ch%d" href="%s" media-type="application/xhtml+xml"/>`+"\n", i, href)
		b.Files["/book/OEBPS/"+href] = Chapter(fmt.Sprintf("Chapter %d", i), fmt.Sprintf("Body of chapter %d.", i))
	}
	for i := 1; i <= images; i++ {
		href := fmt.Sprintf("Images/img%03d.jpg", i)
		b.Images = append(b.Images, href)
		fmt.Fprintf(&items, `<item id="img%d" href="%s" media-type="image/jpeg"/>`+"\n", i, href)
		b.Files["/book/OEBPS/"+href] = []byte(fmt.Sprintf("\xff\xd8jpeg-%d\xff\xd9", i))
	}
	items.WriteString(`<item id="css" href="Styles/style.css" media-type="text/css"/>` + "\n")
	items.WriteString(`<item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>` + "\n")
	b.Files["/book/OEBPS/Styles/style.css"] = []byte("p { margin: 0; }")
	b.Files["/book/OEBPS/toc.ncx"] = []byte(`<?xml version="1.0"?><ncx><navMap><navPoint id="n1"><content src="Text/ch001.xhtml"/></navPoint></navMap></ncx>`)

	b.OPF = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
<manifest>
` + items.String() + `</manifest>
<guide><reference type="cover" href="Images/img001.jpg"/></guide>
</package>`)
	b.Files[b.Base] = b.OPF
	return b
}

// Chapter renders a minimal XHTML chapter.
func Chapter(title, body string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml"><head><title>` + title + `</title>
<link href="../Styles/style.css" rel="stylesheet" type="text/css"/></head>
<body><h1 class="kindle-cn-toc-level">` + title + `</h1><p>` + body + `</p></body></html>`)
}

// PageMarkup renders one page of a paged document with its fixed-size container.
func PageMarkup(n, width, height int) []byte {
	return []byte(fmt.Sprintf(`<html><head><style>body{margin:0}</style></head><body>`+
		`<div id="p%d" class="page" style="width: %dpx; height: %dpx;">page %d</div></body></html>`,
		n, width, height, n))
}
