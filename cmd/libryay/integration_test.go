//go:build integration

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjbazhu/Libryay/internal/testutils"
	"github.com/mjbazhu/Libryay/pkg/store"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	t.Log("Starting Minio container...")
	minio := testutils.StartMinio(t, ctx, "cli-test-bucket")

	book := testutils.NewBook(30, 6)
	srv := testutils.NewFragmentServer(t, book.Files)
	common := []string{"-store", minio.BucketURL, "-document", "novel", "-log-level", "error"}

	t.Run("epub", func(t *testing.T) {
		exitCode := run(append([]string{"epub",
			"-endpoint", srv.Endpoint(),
			"-source", srv.Source(book.Base),
			"-cookie-file", filepath.Join(t.TempDir(), "cookie.json"),
			"-mode", "workers",
			"-workers", "4",
			"-batch-size", "10",
			"-cooldown", "0s",
		}, common...))
		if exitCode != ExitSuccess {
			t.Fatalf("epub failed with exit code %d", exitCode)
		}

		ok, err := minio.Store(t, ctx).Exists(ctx, store.Key{Document: "novel", Kind: store.KindEPUB, Name: "novel.epub"})
		if err != nil || !ok {
			t.Fatalf("novel.epub not stored: %v", err)
		}
	})

	t.Run("status", func(t *testing.T) {
		if exitCode := run(append([]string{"status", "-verify"}, common...)); exitCode != ExitSuccess {
			t.Fatalf("status failed with exit code %d", exitCode)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if exitCode := run(append([]string{"delete", "-force"}, common...)); exitCode != ExitSuccess {
			t.Fatalf("delete failed with exit code %d", exitCode)
		}
		if exitCode := run(append([]string{"status"}, common...)); exitCode == ExitSuccess {
			t.Fatal("status should fail after delete")
		}
	})
}
