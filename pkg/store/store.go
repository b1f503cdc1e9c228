package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/crypto/blake2b"

	// Bucket drivers selectable through Open URLs.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Common errors.
var (
	ErrExists   = errors.New("store: entry already exists")
	ErrNotFound = errors.New("store: entry not found")
	ErrBadKey   = errors.New("store: invalid key")
)

// ChecksumKey is the blob metadata key holding the hex blake2b-256 digest of an entry.
const ChecksumKey = "blake2b"

// Entry kinds used by the fetch and assembly stages.
const (
	KindText  = "text"
	KindImage = "image"
	KindPage  = "page"
	KindTxt   = "txt"
	KindMeta  = "meta"
	KindTmp   = "tmp"
	KindPDF   = "pdf"
	KindEPUB  = "epub"
)

// Key addresses one entry of a document.
type Key struct {
	Document string
	Kind     string
	Name     string
}

// Path returns the object path "{document}/{kind}/{name}".
func (k Key) Path() string {
	return k.Document + "/" + k.Kind + "/" + k.Name
}

func (k Key) String() string {
	return k.Path()
}

func (k Key) validate() error {
	if k.Document == "" || k.Kind == "" || k.Name == "" {
		return fmt.Errorf("%w: %q", ErrBadKey, k.Path())
	}
	if strings.Contains(k.Kind, "/") || strings.Contains(k.Name, "/") {
		return fmt.Errorf("%w: %q", ErrBadKey, k.Path())
	}
	return nil
}

// ParseKey splits an object path produced by Key.Path.
func ParseKey(p string) (Key, bool) {
	parts := strings.SplitN(p, "/", 3)
	if len(parts) != 3 {
		return Key{}, false
	}
	k := Key{Document: parts[0], Kind: parts[1], Name: parts[2]}
	if k.validate() != nil {
		return Key{}, false
	}
	return k, true
}

// Store is a content store of fetched fragments and derived artifacts backed by a
// gocloud.dev bucket. It is safe for concurrent use.
type Store struct {
	bucket *blob.Bucket
	owned  bool
	log    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for best-effort cleanup failures.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New wraps an already opened bucket. Close does not close the bucket.
func New(bucket *blob.Bucket, opts ...Option) *Store {
	s := &Store{
		bucket: bucket,
		log:    zap.NewNop(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the bucket at url (file://, mem://, s3://, gs://) and wraps it.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: open bucket: %w", err)
	}
	s := New(bucket, opts...)
	s.owned = true
	return s, nil
}

// Bucket returns the underlying bucket.
func (s *Store) Bucket() *blob.Bucket {
	return s.bucket
}

// Close releases the bucket if the store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}

// Exists reports whether the entry is present.
func (s *Store) Exists(ctx context.Context, k Key) (bool, error) {
	if err := k.validate(); err != nil {
		return false, err
	}
	ok, err := s.bucket.Exists(ctx, k.Path())
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", k, err)
	}
	return ok, nil
}

// Write stores data under k only if no entry is present yet. It returns ErrExists
// when the entry is already there. The write is atomic: a failed write leaves no
// entry behind.
func (s *Store) Write(ctx context.Context, k Key, data []byte) error {
	if err := k.validate(); err != nil {
		return err
	}
	lock := s.lock(k)
	lock.Lock()
	defer lock.Unlock()

	ok, err := s.bucket.Exists(ctx, k.Path())
	if err != nil {
		return fmt.Errorf("store: exists %s: %w", k, err)
	}
	if ok {
		return ErrExists
	}
	return s.put(ctx, k, bytes.NewReader(data))
}

// Put stores data under k, replacing any previous entry. Used for derived artifacts.
func (s *Store) Put(ctx context.Context, k Key, data []byte) error {
	if err := k.validate(); err != nil {
		return err
	}
	lock := s.lock(k)
	lock.Lock()
	defer lock.Unlock()
	return s.put(ctx, k, bytes.NewReader(data))
}

// PutFrom streams r into k, replacing any previous entry.
func (s *Store) PutFrom(ctx context.Context, k Key, r io.Reader) error {
	if err := k.validate(); err != nil {
		return err
	}
	lock := s.lock(k)
	lock.Lock()
	defer lock.Unlock()
	return s.put(ctx, k, r)
}

// Append adds data to the end of k, creating it if needed. Appends to the same key
// are serialised.
func (s *Store) Append(ctx context.Context, k Key, data []byte) error {
	if err := k.validate(); err != nil {
		return err
	}
	lock := s.lock(k)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.bucket.ReadAll(ctx, k.Path())
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("store: read %s: %w", k, err)
	}
	buf := make([]byte, 0, len(existing)+len(data))
	buf = append(buf, existing...)
	buf = append(buf, data...)
	return s.put(ctx, k, bytes.NewReader(buf))
}

// Read returns the content of k. A missing entry yields an error wrapping ErrNotFound.
func (s *Store) Read(ctx context.Context, k Key) ([]byte, error) {
	if err := k.validate(); err != nil {
		return nil, err
	}
	data, err := s.bucket.ReadAll(ctx, k.Path())
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, fmt.Errorf("store: read %s: %w", k, err)
	}
	return data, nil
}

// NewReader opens k for streaming.
func (s *Store) NewReader(ctx context.Context, k Key) (io.ReadCloser, error) {
	if err := k.validate(); err != nil {
		return nil, err
	}
	r, err := s.bucket.NewReader(ctx, k.Path(), nil)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, fmt.Errorf("store: open %s: %w", k, err)
	}
	return r, nil
}

// List returns the keys of a document's entries of one kind, sorted by name.
func (s *Store) List(ctx context.Context, document, kind string) ([]Key, error) {
	prefix := document + "/" + kind + "/"
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	var keys []Key
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		k, ok := ParseKey(obj.Key)
		if !ok {
			continue
		}
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys, nil
}

// Delete removes k. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, k Key) error {
	if err := k.validate(); err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, k.Path()); err != nil && !isNotExist(err) {
		return fmt.Errorf("store: delete %s: %w", k, err)
	}
	return nil
}

// Checksum returns the digest recorded when k was written.
func (s *Store) Checksum(ctx context.Context, k Key) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}
	attrs, err := s.bucket.Attributes(ctx, k.Path())
	if err != nil {
		if isNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return "", fmt.Errorf("store: attributes %s: %w", k, err)
	}
	return attrs.Metadata[ChecksumKey], nil
}

func (s *Store) put(ctx context.Context, k Key, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("store: read input for %s: %w", k, err)
	}

	// Cancelling the writer context before Close aborts the upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, k.Path(), &blob.WriterOptions{
		Metadata: map[string]string{ChecksumKey: Sum(data)},
	})
	if err != nil {
		return fmt.Errorf("store: create writer %s: %w", k, err)
	}
	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("store: write %s: %w", k, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("store: close writer %s: %w", k, err)
	}
	return nil
}

func (s *Store) lock(k Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := k.Path()
	l, ok := s.locks[p]
	if !ok {
		l = &sync.Mutex{}
		s.locks[p] = l
	}
	return l
}

// Sum returns the hex blake2b-256 digest of data.
func Sum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
