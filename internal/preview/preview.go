// Package preview manages local preview handles for a selected image, the
// equivalent of a browser object URL. A handle owns a temporary copy of the
// file and must be released when the selection changes or the owner goes away.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Acquire after the registry has been closed.
var ErrClosed = errors.New("preview registry closed")

// Handle references a preview of one file.
type Handle struct {
	ID     string
	Path   string
	Format string // "png", "jpeg", "gif" or "" when the bytes are not a known image
	Width  int
	Height int

	registry *Registry
	once     sync.Once
}

// URL returns a file:// URL for the preview copy.
func (h *Handle) URL() string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(h.Path)}).String()
}

// Release removes the preview copy. Safe to call more than once and on nil.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.registry.release(h)
	})
}

// Registry creates preview handles and tracks the ones not yet released.
type Registry struct {
	dir     string
	ownsDir bool

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewRegistry creates a registry that keeps preview copies under dir.
// An empty dir uses a fresh temporary directory.
func NewRegistry(dir string) (*Registry, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "smc-preview-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create preview dir: %w", err)
		}
		return &Registry{dir: tmp, ownsDir: true, handles: map[string]*Handle{}}, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create preview dir: %w", err)
	}
	return &Registry{dir: dir, handles: map[string]*Handle{}}, nil
}

// Acquire stores a preview copy of data. The caller owns the returned handle.
// Non-image bytes still get a handle, just without dimensions.
func (r *Registry) Acquire(name string, data []byte) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	h := &Handle{
		ID:       id,
		Path:     filepath.Join(r.dir, id+filepath.Ext(name)),
		registry: r,
	}

	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		h.Format = format
		h.Width = cfg.Width
		h.Height = cfg.Height
	}

	if err := os.WriteFile(h.Path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write preview: %w", err)
	}

	r.handles[id] = h
	log.Debug().Str("id", id).Str("file", name).Msg("preview acquired")
	return h, nil
}

func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(h)
}

func (r *Registry) removeLocked(h *Handle) {
	if _, ok := r.handles[h.ID]; !ok {
		return
	}
	delete(r.handles, h.ID)
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", h.Path).Msg("failed to remove preview")
	}
	log.Debug().Str("id", h.ID).Msg("preview released")
}

// Outstanding returns the number of handles not yet released.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close releases every outstanding handle. Later Acquire calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, h := range r.handles {
		r.removeLocked(h)
	}
	if r.ownsDir {
		return os.RemoveAll(r.dir)
	}
	return nil
}
