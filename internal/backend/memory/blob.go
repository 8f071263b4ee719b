package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

type blob struct {
	data []byte
	etag string
}

// BlobStore is an in-memory configuration location
type BlobStore struct {
	name string

	mu    sync.Mutex
	blobs map[string]blob
	seq   uint64
	down  atomic.Bool
}

// NewBlobStore creates an empty location
func NewBlobStore(name string) *BlobStore {
	return &BlobStore{name: name, blobs: make(map[string]blob)}
}

// Name returns the location name
func (s *BlobStore) Name() string {
	return s.name
}

// SetDown makes every call fail with ServiceUnavailable while set.
func (s *BlobStore) SetDown(down bool) {
	s.down.Store(down)
}

// Ping fails when the location is down
func (s *BlobStore) Ping(ctx context.Context) error {
	if s.down.Load() {
		return tableerrors.Unavailable("location "+s.name+" is unreachable", nil)
	}
	return nil
}

// Read returns a copy of the blob and its etag
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, string, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, "", tableerrors.New(tableerrors.ErrCodeNotFound, "blob not found: "+key, nil)
	}
	return append([]byte(nil), b.data...), b.etag, nil
}

// Write stores the blob if etag matches the stored one
func (s *BlobStore) Write(ctx context.Context, key string, data []byte, etag string) (string, error) {
	if err := s.Ping(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.blobs[key]
	switch {
	case etag == backend.AnyETag:
	case etag == "":
		if exists {
			return "", tableerrors.PreconditionFailed("", current.etag)
		}
	case !exists || current.etag != etag:
		return "", tableerrors.PreconditionFailed(etag, current.etag)
	}

	s.seq++
	next := blob{data: append([]byte(nil), data...), etag: strconv.FormatUint(s.seq, 10)}
	s.blobs[key] = next
	return next.etag, nil
}
