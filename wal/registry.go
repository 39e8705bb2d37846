package wal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/INLOpen/pesadb/core"
)

// ErrLogInUse is returned by Open when the registry already has an open Log
// on the same path.
var ErrLogInUse = errors.New("wal path already has an open log")

type handle struct {
	backend Backend
	refs    int
}

// Registry hands out one shared Backend per WAL path and closes it when the
// last user releases it. The engine owns one Registry; logs receive it in
// their Options. At most one Log may be open per path; backends themselves
// may be acquired any number of times.
type Registry struct {
	mu         sync.Mutex
	handles    map[string]*handle
	logs       map[string]bool
	bufferSize int
	logger     *slog.Logger

	// Openers are package functions by default; tests replace them to
	// simulate a missing accelerated backend.
	openAccelerated func(path string, bufferSize int) (Backend, error)
	openFallback    func(path string) (Backend, error)
}

// NewRegistry creates an empty registry. bufferSize sizes the accelerated
// backend's own frame buffer; 0 means DefaultBufferSize.
func NewRegistry(bufferSize int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Registry{
		handles:         make(map[string]*handle),
		logs:            make(map[string]bool),
		bufferSize:      bufferSize,
		logger:          logger.With("component", "WALRegistry"),
		openAccelerated: openAccelerated,
		openFallback:    openFallback,
	}
}

func canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Acquire returns the backend for path, opening it on first use. Selection
// tries the accelerated backend first (unless mode forbids it) and falls back
// to the portable one. When no allowed backend opens, the error wraps
// core.ErrBackendUnavailable.
func (r *Registry) Acquire(path string, mode BackendMode) (Backend, error) {
	key := canonical(path)
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		h.refs++
		return h.backend, nil
	}

	backend, err := r.openBackend(key, mode)
	if err != nil {
		return nil, err
	}
	r.handles[key] = &handle{backend: backend, refs: 1}
	r.logger.Debug("WAL backend opened.", "path", key, "backend", backend.Kind())
	return backend, nil
}

func (r *Registry) openBackend(path string, mode BackendMode) (Backend, error) {
	var errs []error
	if mode == ModeAuto || mode == ModeAccelerated || mode == "" {
		b, err := r.openAccelerated(path, r.bufferSize)
		if err == nil {
			return b, nil
		}
		errs = append(errs, fmt.Errorf("accelerated: %w", err))
		if mode == ModeAccelerated {
			return nil, fmt.Errorf("%w: %w", core.ErrBackendUnavailable, errors.Join(errs...))
		}
		r.logger.Warn("Accelerated WAL backend unavailable, using fallback.", "path", path, "error", err)
	}
	if mode == ModeAuto || mode == ModeFallback || mode == "" {
		b, err := r.openFallback(path)
		if err == nil {
			return b, nil
		}
		errs = append(errs, fmt.Errorf("fallback: %w", err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: unknown mode %q", core.ErrBackendUnavailable, mode)
	}
	return nil, fmt.Errorf("%w: %w", core.ErrBackendUnavailable, errors.Join(errs...))
}

// Release drops one reference to path's backend and closes it when none remain.
func (r *Registry) Release(path string) error {
	key := canonical(path)
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[key]
	if !ok {
		return nil
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	delete(r.handles, key)
	return h.backend.Close()
}

// claimLog reserves path for a single Log.
func (r *Registry) claimLog(path string) error {
	key := canonical(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logs[key] {
		return fmt.Errorf("%w: %s", ErrLogInUse, key)
	}
	r.logs[key] = true
	return nil
}

func (r *Registry) releaseLog(path string) {
	key := canonical(path)
	r.mu.Lock()
	delete(r.logs, key)
	r.mu.Unlock()
}

// Refs returns the number of outstanding references for path.
func (r *Registry) Refs(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[canonical(path)]; ok {
		return h.refs
	}
	return 0
}

// Close closes every backend regardless of outstanding references.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, h := range r.handles {
		if err := h.backend.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.handles, key)
	}
	clear(r.logs)
	return errors.Join(errs...)
}
