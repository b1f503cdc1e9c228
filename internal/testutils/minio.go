//go:build integration

package testutils

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mjbazhu/Libryay/pkg/store"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

// Minio is a throwaway S3 server holding one bucket, for running the content
// store against a real object store.
type Minio struct {
	Container testcontainers.Container
	// BucketURL opens the bucket through gocloud's s3blob driver.
	BucketURL string
}

// StartMinio starts a Minio container and creates bucket in it. The container
// is terminated when the test ends. AWS credentials are set in the test's
// environment for the s3blob driver.
func StartMinio(t *testing.T, ctx context.Context, bucket string) *Minio {
	t.Helper()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("terminate minio container: %v", err)
		}
	})

	// The server image ships the mc client.
	mc := fmt.Sprintf("mc alias set local http://127.0.0.1:9000 %s %s && mc mb local/%s", minioUser, minioPassword, bucket)
	code, out, err := c.Exec(ctx, []string{"/bin/sh", "-c", mc})
	if err != nil || code != 0 {
		msg, _ := io.ReadAll(out)
		t.Fatalf("create bucket %s: exit %d: %v: %s", bucket, code, err, msg)
	}

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("minio host: %v", err)
	}
	port, err := c.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("minio port: %v", err)
	}

	t.Setenv("AWS_ACCESS_KEY_ID", minioUser)
	t.Setenv("AWS_SECRET_ACCESS_KEY", minioPassword)

	return &Minio{
		Container: c,
		BucketURL: fmt.Sprintf("s3://%s?endpoint=http://%s:%s&use_path_style=true&disable_https=true&region=us-east-1",
			bucket, host, port.Port()),
	}
}

// Store opens the content store on the bucket, closed when the test ends.
func (m *Minio) Store(t *testing.T, ctx context.Context) *store.Store {
	t.Helper()
	s, err := store.Open(ctx, m.BucketURL)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
