package store

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"gocloud.dev/blob"
)

// DeleteKind removes every entry of one kind of a document, such as the temporary
// render output once assembly succeeded. Failures are logged and counted but do not
// stop the sweep; the first one is returned.
//
// Returns an error if:
//   - The listing fails (network/permission error)
//   - An entry cannot be deleted
//   - The context is cancelled (context.Canceled or context.DeadlineExceeded)
func (s *Store) DeleteKind(ctx context.Context, document, kind string) (int, error) {
	keys, err := s.List(ctx, document, kind)
	if err != nil {
		return 0, err
	}

	var first error
	deleted := 0
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			s.log.Debug("delete entry", zap.String("key", k.Path()), zap.Error(err))
			if first == nil {
				first = err
			}
			continue
		}
		deleted++
	}
	return deleted, first
}

// DeleteDocument removes every entry stored for a document.
func (s *Store) DeleteDocument(ctx context.Context, document string) (int, error) {
	prefix := document + "/"
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	deleted := 0
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return deleted, nil
		}
		if err != nil {
			return deleted, fmt.Errorf("store: list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && !isNotExist(err) {
			return deleted, fmt.Errorf("store: delete %s: %w", obj.Key, err)
		}
		deleted++
	}
}
