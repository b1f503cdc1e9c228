package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/mjbazhu/Libryay/pkg/store"
)

// ErrFatal marks a fragment whose payload is malformed. Retrying cannot help.
var ErrFatal = errors.New("fetch: fatal fragment")

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Transport performs the network requests of a fetch.
type Transport interface {
	// GetWithParams fetches endpoint with params as the query string.
	GetWithParams(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
	// Get fetches an absolute URL.
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// Store persists fetched fragments.
type Store interface {
	Exists(ctx context.Context, k store.Key) (bool, error)
	// Write stores data once; it returns store.ErrExists if the key is taken.
	Write(ctx context.Context, k store.Key, data []byte) error
	Append(ctx context.Context, k store.Key, data []byte) error
}

// Outcome classifies a fetch.
type Outcome int

const (
	Success   Outcome = iota // fetched and persisted
	Skipped                  // already persisted by an earlier run
	Transient                // network or status failure; may be retried
	Fatal                    // malformed payload; must not be retried
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the outcome of fetching one fragment.
type Result struct {
	Descriptor Descriptor
	Outcome    Outcome
	Bytes      int
	Err        error
}

// OK reports whether the fragment is persisted.
func (r Result) OK() bool {
	return r.Outcome == Success || r.Outcome == Skipped
}

// Options configures a Fetcher.
type Options struct {
	// Timeout bounds one fetch, including every request and write it makes.
	// Default: 60s. Negative disables it.
	Timeout time.Duration

	// Logger receives per-fragment debug lines and page-mode warnings.
	Logger *zap.Logger
}

// Fetcher retrieves fragments and persists them in a Store.
type Fetcher struct {
	transport Transport
	store     Store
	timeout   time.Duration
	log       *zap.Logger
}

// New creates a Fetcher using t by default.
func New(t Transport, s Store, opts Options) *Fetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Fetcher{
		transport: t,
		store:     s,
		timeout:   opts.Timeout,
		log:       opts.Logger,
	}
}

// Fetch retrieves d with the default transport.
func (f *Fetcher) Fetch(ctx context.Context, d Descriptor) Result {
	return f.FetchWith(ctx, f.transport, d)
}

// FetchWith retrieves d with t and persists it. A fragment already in the store
// is skipped without any request.
func (f *Fetcher) FetchWith(ctx context.Context, t Transport, d Descriptor) Result {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	key := d.Key()
	exists, err := f.store.Exists(ctx, key)
	if err != nil {
		return f.fail(d, err)
	}
	if exists {
		return Result{Descriptor: d, Outcome: Skipped}
	}

	var n int
	switch d.Kind {
	case KindText:
		n, err = f.fetchText(ctx, t, d, key)
	case KindImage:
		n, err = f.fetchRaw(ctx, t, d, key)
	case KindPage:
		if d.Mode == ModeImage {
			n, err = f.fetchPageImage(ctx, t, d, key)
		} else {
			n, err = f.fetchRaw(ctx, t, d, key)
		}
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrFatal, d.Kind)
	}

	if errors.Is(err, store.ErrExists) {
		return Result{Descriptor: d, Outcome: Skipped}
	}
	if err != nil {
		return f.fail(d, err)
	}
	f.log.Debug("fetched fragment", zap.Stringer("fragment", d), zap.Int("bytes", n))
	return Result{Descriptor: d, Outcome: Success, Bytes: n}
}

func (f *Fetcher) fail(d Descriptor, err error) Result {
	outcome := Transient
	if IsFatal(err) {
		outcome = Fatal
	}
	return Result{
		Descriptor: d,
		Outcome:    outcome,
		Err:        fmt.Errorf("fetch %s: %w", d, err),
	}
}

func (f *Fetcher) fetchRaw(ctx context.Context, t Transport, d Descriptor, key store.Key) (int, error) {
	req := d.Request()
	body, err := t.GetWithParams(ctx, req.Endpoint, req.Params)
	if err != nil {
		return 0, err
	}
	return len(body), f.store.Write(ctx, key, body)
}

// fetchText appends the chapter's plain text to the document's running text
// entry, then writes the markup. The markup entry is written last because its
// presence marks the fragment as done.
func (f *Fetcher) fetchText(ctx context.Context, t Transport, d Descriptor, key store.Key) (int, error) {
	req := d.Request()
	body, err := t.GetWithParams(ctx, req.Endpoint, req.Params)
	if err != nil {
		return 0, err
	}

	if IsMarkup(d.Name) {
		text, err := NormalizeText(body)
		if err != nil {
			return 0, err
		}
		txt := store.Key{Document: d.Document, Kind: store.KindTxt, Name: d.Document + ".txt"}
		if err := f.store.Append(ctx, txt, []byte(text)); err != nil {
			return 0, err
		}
	}
	return len(body), f.store.Write(ctx, key, body)
}

var imageLink = regexp.MustCompile(`xlink:href="([^"]+)"`)

// fetchPageImage reads the page's HTML wrapper, follows its image link and
// stores the picture.
func (f *Fetcher) fetchPageImage(ctx context.Context, t Transport, d Descriptor, key store.Key) (int, error) {
	req := d.Request()
	body, err := t.GetWithParams(ctx, req.Endpoint, req.Params)
	if err != nil {
		return 0, err
	}
	m := imageLink.FindSubmatch(body)
	if m == nil {
		return 0, fmt.Errorf("%w: page %d has no image link", ErrFatal, d.Page)
	}

	link, err := resolveLink(req.Params.Get(SourceParam), html.UnescapeString(string(m[1])))
	if err != nil {
		return 0, fmt.Errorf("%w: page %d image link: %v", ErrFatal, d.Page, err)
	}
	img, err := t.Get(ctx, link)
	if err != nil {
		return 0, err
	}
	return len(img), f.store.Write(ctx, key, img)
}

// resolveLink resolves a possibly relative link against the page's locator.
func resolveLink(base, link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}
