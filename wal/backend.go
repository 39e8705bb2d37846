package wal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/INLOpen/pesadb/core"
)

// BackendKind names a WAL write backend.
type BackendKind string

const (
	// BackendAccelerated writes through a raw file descriptor with its own
	// frame buffer and fdatasync.
	BackendAccelerated BackendKind = "accelerated"
	// BackendFallback writes through *os.File, one write per call.
	BackendFallback BackendKind = "fallback"
)

// BackendMode selects which backends backend selection may use.
type BackendMode string

const (
	ModeAuto        BackendMode = "auto"
	ModeAccelerated BackendMode = "accelerated"
	ModeFallback    BackendMode = "fallback"
)

// ParseBackendMode converts a configuration string into a BackendMode.
// An empty string means ModeAuto.
func ParseBackendMode(s string) (BackendMode, error) {
	switch BackendMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeAccelerated:
		return ModeAccelerated, nil
	case ModeFallback:
		return ModeFallback, nil
	}
	return "", fmt.Errorf("unknown wal backend mode %q", s)
}

// ErrAcceleratedUnsupported is returned by the accelerated opener on
// platforms without raw descriptor support.
var ErrAcceleratedUnsupported = errors.New("accelerated wal backend not supported on this platform")

// DefaultBufferSize is the size of the frame buffers used by the log and the
// accelerated backend.
const DefaultBufferSize = 64 * 1024

// Backend is the write side of one WAL file. Implementations are shared by
// every Log attached to the same path and must be safe for concurrent use.
type Backend interface {
	Kind() BackendKind
	// Append encodes and writes a single frame. With sync the frame and
	// everything before it reach stable storage before Append returns.
	Append(entry *core.WALEntry, sync bool) error
	// AppendBatch writes pre-encoded frames as one contiguous write.
	AppendBatch(frames []byte) error
	// Flush pushes buffered frames to the file and syncs it.
	Flush() error
	// Truncate discards all buffered and written frames.
	Truncate() error
	Close() error
}
