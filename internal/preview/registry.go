package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bdougie/uicollage/internal/models"
)

// URLPrefix is where previews are served
const URLPrefix = "/api/previews/"

// Handle is an acquired preview. It stays servable until released.
type Handle struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Registry hands out preview handles and guarantees each one is released
// exactly once.
type Registry struct {
	mu     sync.Mutex
	blobs  Blobs
	live   map[string]struct{}
	logger *slog.Logger
}

func NewRegistry(blobs Blobs, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{blobs: blobs, live: make(map[string]struct{}), logger: logger}
}

// Acquire stores data and returns a handle for it.
func (r *Registry) Acquire(ctx context.Context, data []byte, contentType string) (Handle, error) {
	key := "previews/" + uuid.NewString()
	if err := r.blobs.Put(ctx, key, data, contentType); err != nil {
		return Handle{}, fmt.Errorf("acquire preview: %w", err)
	}

	r.mu.Lock()
	r.live[key] = struct{}{}
	r.mu.Unlock()
	return Handle{Key: key, URL: URLPrefix + key}, nil
}

// Release frees a handle. A second release of the same handle fails with
// ErrReleased.
func (r *Registry) Release(ctx context.Context, h Handle) error {
	r.mu.Lock()
	if _, ok := r.live[h.Key]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("preview %s: %w", h.Key, models.ErrReleased)
	}
	delete(r.live, h.Key)
	r.mu.Unlock()

	if err := r.blobs.Delete(ctx, h.Key); err != nil {
		r.logger.Warn("failed to delete released preview", "key", h.Key, "error", err)
	}
	return nil
}

// ReleaseAll frees every handle in hs, ignoring ones already released.
func (r *Registry) ReleaseAll(ctx context.Context, hs ...Handle) {
	for _, h := range hs {
		if h.Key == "" {
			continue
		}
		if err := r.Release(ctx, h); err != nil && !errors.Is(err, models.ErrReleased) {
			r.logger.Warn("failed to release preview", "key", h.Key, "error", err)
		}
	}
}

// Open returns the bytes of a live preview.
func (r *Registry) Open(ctx context.Context, key string) ([]byte, string, error) {
	r.mu.Lock()
	_, ok := r.live[key]
	r.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("preview %s: %w", key, models.ErrNotFound)
	}
	return r.blobs.Get(ctx, key)
}

// Live counts handles not yet released.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
