package assemble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mjbazhu/Libryay/internal/batch"
	"github.com/mjbazhu/Libryay/internal/manifest"
	"github.com/mjbazhu/Libryay/internal/render"
	"github.com/mjbazhu/Libryay/internal/workerpool"
	"github.com/mjbazhu/Libryay/pkg/store"
)

// ErrNoPages is returned when a document has no stored pages.
var ErrNoPages = errors.New("assemble: no pages")

// Store is the content store used by assembly.
type Store interface {
	Exists(ctx context.Context, k store.Key) (bool, error)
	Read(ctx context.Context, k store.Key) ([]byte, error)
	Put(ctx context.Context, k store.Key, data []byte) error
	List(ctx context.Context, document, kind string) ([]store.Key, error)
	DeleteKind(ctx context.Context, document, kind string) (int, error)
}

// PDFOptions configures BuildPDF.
type PDFOptions struct {
	// Name is the output base name. Default: the document name.
	Name string

	// Workers is the number of render units. Default: 4.
	Workers int

	// NewEngine creates the render engine of a unit. Required.
	NewEngine func() render.Engine

	// RecycleAfter is the number of pages after which a unit restarts its
	// engine. Default: workerpool.DefaultRecycleAfter().
	RecycleAfter int

	// BatchSize is the number of pages rendered per batch. Default: 100.
	BatchSize int

	// Cooldown is the pause between render batches.
	Cooldown time.Duration

	// MaxRetry is the number of retry rounds per batch. Default: 2.
	MaxRetry int

	// SegmentSize is the number of pages merged per segment. Default: 50.
	SegmentSize int

	// Merger concatenates the pages. Default: pdfcpu.
	Merger Merger

	// KeepTemp keeps the rendered pages and segments after a successful build.
	KeepTemp bool

	// OnBatch is called before each render batch.
	OnBatch func(index, batches, size int)

	// Logger receives progress and warnings.
	Logger *zap.Logger
}

// PDFResult describes a finished build.
type PDFResult struct {
	Key      store.Key
	Pages    int
	Rendered int // pages rendered by this build
	Reused   int // pages rendered by an earlier, interrupted build
	Segments int
	Outline  *Outline
}

// Page is a stored page of a paged document.
type Page struct {
	Number int
	Source store.Key // {n}.html or {n}.jpg
}

// Image reports whether the page is a picture.
func (p Page) Image() bool {
	return path.Ext(p.Source.Name) == ".jpg"
}

// TempKey is where the page's one-page PDF is kept between the passes.
func (p Page) TempKey() store.Key {
	return store.Key{Document: p.Source.Document, Kind: store.KindTmp, Name: fmt.Sprintf("page-%06d.pdf", p.Number)}
}

func (p Page) String() string {
	return p.Source.String()
}

// Pages lists a document's stored pages in page order. A page stored both as
// markup and as a picture is taken as the picture.
func Pages(ctx context.Context, s Store, document string) ([]Page, error) {
	keys, err := s.List(ctx, document, store.KindPage)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]Page, len(keys))
	for _, k := range keys {
		ext := path.Ext(k.Name)
		if ext != ".html" && ext != ".jpg" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(k.Name, ext))
		if err != nil || n < 1 {
			continue
		}
		if prev, ok := byNumber[n]; ok && prev.Image() {
			continue
		}
		byNumber[n] = Page{Number: n, Source: k}
	}
	if len(byNumber) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPages, document)
	}

	pages := make([]Page, 0, len(byNumber))
	for _, p := range byNumber {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })
	return pages, nil
}

// BuildPDF renders every stored page of document to a one-page PDF, merges
// them into {name}.pdf and attaches the stored bookmarks as outline.
//
// Pass 1 renders pages in batches on a pool of render units, retrying failed
// pages. Pages already rendered by an interrupted build are reused. Pass 2
// merges the pages in segments of SegmentSize, then merges the segments.
func BuildPDF(ctx context.Context, s Store, document string, opts PDFOptions) (*PDFResult, error) {
	if opts.NewEngine == nil {
		return nil, errors.New("assemble: no render engine")
	}
	if opts.Name == "" {
		opts.Name = document
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RecycleAfter <= 0 {
		opts.RecycleAfter = workerpool.DefaultRecycleAfter()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetry == 0 {
		opts.MaxRetry = 2
	} else if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 50
	}
	if opts.Merger == nil {
		opts.Merger = NewPDFCPU()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.String("document", document))

	pages, err := Pages(ctx, s, document)
	if err != nil {
		return nil, err
	}
	res := &PDFResult{Pages: len(pages)}

	log.Info("rendering pages", zap.Int("pages", len(pages)), zap.Int("workers", opts.Workers))
	if err := renderPages(ctx, s, pages, opts, res, log); err != nil {
		return res, err
	}

	log.Info("merging pages", zap.Int("segment_size", opts.SegmentSize))
	merged, segments, err := mergePages(ctx, s, document, pages, opts)
	if err != nil {
		return res, err
	}
	res.Segments = segments

	count, err := opts.Merger.PageCount(merged)
	if err != nil {
		return res, err
	}
	marks, err := loadBookmarks(ctx, s, document)
	if err != nil {
		return res, err
	}
	res.Outline = BuildOutline(marks, count)
	for _, w := range res.Outline.Warnings {
		log.Warn("outline entry skipped", zap.String("reason", w))
	}

	out := merged
	if !res.Outline.Empty() {
		var buf bytes.Buffer
		if err := opts.Merger.AddOutline(merged, res.Outline, &buf); err != nil {
			return res, err
		}
		out = buf.Bytes()
	}

	res.Key = store.Key{Document: document, Kind: store.KindPDF, Name: store.SanitizeName(opts.Name) + ".pdf"}
	if err := s.Put(ctx, res.Key, out); err != nil {
		return res, err
	}

	if !opts.KeepTemp {
		n, err := s.DeleteKind(context.WithoutCancel(ctx), document, store.KindTmp)
		if err != nil {
			log.Warn("temporary pages not removed", zap.Error(err))
		} else {
			log.Debug("removed temporary pages", zap.Int("entries", n))
		}
	}
	log.Info("pdf written", zap.Stringer("key", res.Key), zap.Int("pages", count))
	return res, nil
}

func renderPages(ctx context.Context, s Store, pages []Page, opts PDFOptions, res *PDFResult, log *zap.Logger) error {
	var rendered, reused atomic.Int32
	defer func() {
		res.Rendered = int(rendered.Load())
		res.Reused = int(reused.Load())
	}()

	factory := func(ctx context.Context) (render.Engine, error) {
		return render.Start(ctx, opts.NewEngine)
	}
	handler := func(ctx context.Context, e render.Engine, p Page) (store.Key, error) {
		out := p.TempKey()
		if ok, err := s.Exists(ctx, out); err == nil && ok {
			reused.Add(1)
			return out, nil
		}
		pdf, err := renderPage(ctx, s, e, p)
		if err != nil {
			return store.Key{}, err
		}
		if err := s.Put(ctx, out, pdf); err != nil {
			return store.Key{}, err
		}
		rendered.Add(1)
		return out, nil
	}

	pool := workerpool.New(ctx, opts.Workers, factory, handler,
		workerpool.WithRecycleAfter(opts.RecycleAfter),
		workerpool.WithLogger(log),
	)
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := pool.Shutdown(sctx); err != nil {
			log.Debug("render pool shutdown", zap.Error(err))
		}
	}()

	batches := batch.Count(len(pages), opts.BatchSize)
	return batch.Run(ctx, pages, opts.BatchSize, opts.Cooldown, func(ctx context.Context, items []Page, index int) error {
		if opts.OnBatch != nil {
			opts.OnBatch(index, batches, len(items))
		}
		out, err := batch.Retry(ctx, items, opts.MaxRetry, pool.Do,
			batch.WithPermanent(func(err error) bool { return errors.Is(err, ErrBadPage) }),
			batch.WithOnRound(func(round, remaining int) {
				if round > 0 {
					log.Info("retrying failed pages", zap.Int("batch", index+1), zap.Int("round", round), zap.Int("remaining", remaining))
				}
			}),
		)
		if err != nil {
			return err
		}
		if len(out.Permanent) > 0 {
			failed := make([]string, len(out.Permanent))
			for i, f := range out.Permanent {
				failed[i] = f.Task.String()
			}
			return fmt.Errorf("%w: %s: %v", ErrBadPage, strings.Join(failed, ", "), out.Permanent[0].Err)
		}
		return nil
	})
}

func renderPage(ctx context.Context, s Store, e render.Engine, p Page) ([]byte, error) {
	data, err := s.Read(ctx, p.Source)
	if err != nil {
		return nil, err
	}

	var size render.PageSize
	if p.Image() {
		data, size, err = ImageMarkup(p.Number, data)
	} else {
		size, err = ParsePageSize(data)
	}
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", p.Number, err)
	}

	pdf, err := e.Render(ctx, data, size)
	if errors.Is(err, render.ErrEngineDead) {
		return nil, fmt.Errorf("%w: %w", workerpool.ErrUnitDead, err)
	}
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", p.Number, err)
	}
	return pdf, nil
}

// mergePages merges the rendered pages segment by segment, keeping each
// segment in the store, then merges the segments.
func mergePages(ctx context.Context, s Store, document string, pages []Page, opts PDFOptions) ([]byte, int, error) {
	var segments []store.Key
	for start := 0; start < len(pages); start += opts.SegmentSize {
		end := min(start+opts.SegmentSize, len(pages))
		inputs := make([][]byte, 0, end-start)
		for _, p := range pages[start:end] {
			data, err := s.Read(ctx, p.TempKey())
			if err != nil {
				return nil, 0, err
			}
			inputs = append(inputs, data)
		}

		var buf bytes.Buffer
		if err := opts.Merger.Merge(ctx, inputs, &buf); err != nil {
			return nil, 0, err
		}
		key := store.Key{Document: document, Kind: store.KindTmp, Name: fmt.Sprintf("segment-%04d.pdf", len(segments)+1)}
		if err := s.Put(ctx, key, buf.Bytes()); err != nil {
			return nil, 0, err
		}
		segments = append(segments, key)
	}

	if len(segments) == 1 {
		data, err := s.Read(ctx, segments[0])
		return data, 1, err
	}
	inputs := make([][]byte, 0, len(segments))
	for _, k := range segments {
		data, err := s.Read(ctx, k)
		if err != nil {
			return nil, 0, err
		}
		inputs = append(inputs, data)
	}
	var buf bytes.Buffer
	if err := opts.Merger.Merge(ctx, inputs, &buf); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), len(segments), nil
}

func loadBookmarks(ctx context.Context, s Store, document string) ([]Bookmark, error) {
	data, err := s.Read(ctx, store.Key{Document: document, Kind: store.KindMeta, Name: manifest.BookmarksName})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var marks []Bookmark
	if err := json.Unmarshal(data, &marks); err != nil {
		return nil, fmt.Errorf("assemble: bookmarks: %w", err)
	}
	return marks, nil
}
