package wal

import (
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/pesadb/core"
)

func TestRegistry_SharesBackendPerPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.wal")
	reg := NewRegistry(0, nil)
	defer reg.Close()

	b1, err := reg.Acquire(path, ModeFallback)
	require.NoError(t, err)
	b2, err := reg.Acquire(filepath.Join(dir, ".", "shared.wal"), ModeFallback)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, 2, reg.Refs(path))

	require.NoError(t, reg.Release(path))
	assert.Equal(t, 1, reg.Refs(path))
	require.NoError(t, reg.Release(path))
	assert.Equal(t, 0, reg.Refs(path))

	b3, err := reg.Acquire(path, ModeFallback)
	require.NoError(t, err)
	assert.NotSame(t, b1, b3, "a released path opens a fresh backend")
}

func TestRegistry_FallsBackWhenAcceleratedFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "select.wal")
	reg := NewRegistry(0, nil)
	defer reg.Close()
	reg.openAccelerated = func(string, int) (Backend, error) {
		return nil, errors.New("no native support")
	}

	b, err := reg.Acquire(path, ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, BackendFallback, b.Kind())
}

func TestRegistry_PrefersAccelerated(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("accelerated backend unavailable")
	}
	path := filepath.Join(t.TempDir(), "select.wal")
	reg := NewRegistry(0, nil)
	defer reg.Close()

	b, err := reg.Acquire(path, ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, BackendAccelerated, b.Kind())
}

func TestRegistry_BackendUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "none.wal")
	reg := NewRegistry(0, nil)
	defer reg.Close()
	reg.openAccelerated = func(string, int) (Backend, error) { return nil, errors.New("accelerated broken") }
	reg.openFallback = func(string) (Backend, error) { return nil, errors.New("fallback broken") }

	_, err := reg.Acquire(path, ModeAuto)
	require.ErrorIs(t, err, core.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "accelerated broken")
	assert.Contains(t, err.Error(), "fallback broken")

	t.Run("forced accelerated does not fall back", func(t *testing.T) {
		reg.openFallback = openFallback
		_, err := reg.Acquire(path, ModeAccelerated)
		require.ErrorIs(t, err, core.ErrBackendUnavailable)
	})

	t.Run("log open surfaces the error", func(t *testing.T) {
		reg.openFallback = func(string) (Backend, error) { return nil, errors.New("fallback broken") }
		opts := testWALOptions(t, t.TempDir(), ModeAuto)
		opts.Registry = reg
		_, _, err := Open(opts)
		require.ErrorIs(t, err, core.ErrBackendUnavailable)
	})
}

func TestRegistry_OneLogPerPath(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(0, nil)
	defer reg.Close()

	opts := testWALOptions(t, dir, ModeFallback)
	opts.Registry = reg
	first, _, err := Open(opts)
	require.NoError(t, err)
	lsn, err := first.Append(1, core.OpInsert, "users", insertPayload(1), true)
	require.NoError(t, err)

	second := testWALOptions(t, dir, ModeFallback)
	second.Path = filepath.Join(dir, ".", "test.wal")
	second.Registry = reg
	_, _, err = Open(second)
	require.ErrorIs(t, err, ErrLogInUse)
	assert.Equal(t, 1, reg.Refs(opts.Path), "a refused open must not hold a backend reference")

	other := testWALOptions(t, dir, ModeFallback)
	other.Path = filepath.Join(dir, "other.wal")
	other.Registry = reg
	l3, _, err := Open(other)
	require.NoError(t, err)
	require.NoError(t, l3.Close())

	require.NoError(t, first.Close())
	reopened, entries, err := Open(second)
	require.NoError(t, err)
	defer reopened.Close()
	require.Len(t, entries, 1)
	next, err := reopened.Append(2, core.OpInsert, "users", insertPayload(2), true)
	require.NoError(t, err)
	assert.Equal(t, lsn+1, next)
}

func TestParseBackendMode(t *testing.T) {
	for in, want := range map[string]BackendMode{"": ModeAuto, "AUTO": ModeAuto, "accelerated": ModeAccelerated, " fallback ": ModeFallback} {
		got, err := ParseBackendMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseBackendMode("mmap")
	assert.Error(t, err)
}
