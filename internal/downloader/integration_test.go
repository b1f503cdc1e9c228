//go:build integration

package downloader_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/mjbazhu/Libryay/internal/downloader"
	"github.com/mjbazhu/Libryay/internal/fetch"
	libhttp "github.com/mjbazhu/Libryay/internal/http"
	"github.com/mjbazhu/Libryay/internal/manifest"
	"github.com/mjbazhu/Libryay/internal/testutils"
	"github.com/mjbazhu/Libryay/pkg/store"
)

// TestIntegrationDownloadToMinio fetches a synthetic book into an S3 bucket,
// validates every entry, then reruns the job to check that nothing is refetched.
func TestIntegrationDownloadToMinio(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	t.Log("Starting Minio container...")
	s := testutils.StartMinio(t, ctx, "libryay-test").Store(t, ctx)

	book := testutils.NewBook(60, 20)
	srv := testutils.NewFragmentServer(t, book.Files)

	pkg, err := manifest.ParseOPF(book.OPF)
	if err != nil {
		t.Fatalf("ParseOPF: %v", err)
	}
	src := fetch.Locator{Endpoint: srv.Endpoint(), Params: url.Values{fetch.SourceParam: {srv.Source(book.Base)}}}
	ds := pkg.Descriptors("book", src)
	if err := pkg.Save(ctx, s, "book"); err != nil {
		t.Fatalf("save manifest: %v", err)
	}

	fetcher := fetch.New(libhttp.NewClient(libhttp.DefaultOptions()), s, fetch.Options{})

	startTime := time.Now()
	report, err := downloader.Download(ctx, fetcher, ds, downloader.Options{
		Concurrency: 8,
		BatchSize:   25,
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	t.Logf("Fetched %d fragments in %v", report.Fetched, time.Since(startTime))

	if report.Fetched != len(ds) {
		t.Fatalf("fetched %d of %d fragments", report.Fetched, len(ds))
	}

	res, err := s.Validate(ctx, "book", store.KindText, store.KindImage, store.KindMeta, store.KindTxt)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("invalid store: %+v", res)
	}
	if res.ByKind[store.KindText] != 62 || res.ByKind[store.KindImage] != 20 {
		t.Errorf("unexpected entry counts: %v", res.ByKind)
	}

	hits := srv.TotalHits()
	report, err = downloader.Download(ctx, fetcher, ds, downloader.Options{Concurrency: 8})
	if err != nil {
		t.Fatalf("resume Download: %v", err)
	}
	if report.Skipped != len(ds) || srv.TotalHits() != hits {
		t.Errorf("resume refetched fragments: %+v, %d new requests", report, srv.TotalHits()-hits)
	}
}
