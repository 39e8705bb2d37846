package wal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/hooks"
)

// Helper to create WAL options for testing.
func testWALOptions(t *testing.T, dir string, mode BackendMode) Options {
	t.Helper()
	return Options{
		Path:   filepath.Join(dir, "test.wal"),
		Mode:   mode,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testModes(t *testing.T) []BackendMode {
	t.Helper()
	if runtime.GOOS == "windows" {
		return []BackendMode{ModeFallback}
	}
	return []BackendMode{ModeAccelerated, ModeFallback}
}

func insertPayload(i int) []byte {
	return []byte(fmt.Sprintf(`{"id":%d}`, i))
}

func TestOpenWAL_New(t *testing.T) {
	for _, mode := range testModes(t) {
		t.Run(string(mode), func(t *testing.T) {
			opts := testWALOptions(t, t.TempDir(), mode)
			l, recovered, err := Open(opts)
			require.NoError(t, err)
			defer l.Close()

			assert.Empty(t, recovered)
			assert.Equal(t, uint32(0), l.LSN())
			assert.Equal(t, BackendKind(mode), l.BackendKind())
			_, err = os.Stat(opts.Path)
			assert.NoError(t, err, "Open should create the WAL file")
		})
	}
}

func TestWAL_AppendAndRecover(t *testing.T) {
	for _, mode := range testModes(t) {
		t.Run(string(mode), func(t *testing.T) {
			opts := testWALOptions(t, t.TempDir(), mode)

			l, _, err := Open(opts)
			require.NoError(t, err)
			for i := 1; i <= 10; i++ {
				lsn, err := l.Append(uint32(i/4), core.OpInsert, "users", insertPayload(i), i%3 == 0)
				require.NoError(t, err)
				assert.Equal(t, uint32(i), lsn)
			}
			lsn, err := l.Append(7, core.OpDelete, "users", []byte("[]"), true)
			require.NoError(t, err)
			require.NoError(t, l.Close())

			l2, recovered, err := Open(opts)
			require.NoError(t, err)
			defer l2.Close()

			require.Len(t, recovered, 11)
			for i, e := range recovered[:10] {
				assert.Equal(t, uint32(i+1), e.LSN)
				assert.Equal(t, core.OpInsert, e.Op)
				assert.Equal(t, "users", e.Table)
				assert.Equal(t, insertPayload(i+1), e.Payload)
			}
			last := recovered[10]
			assert.Equal(t, lsn, last.LSN)
			assert.Equal(t, core.OpDelete, last.Op)
			assert.Equal(t, uint32(7), last.TxnID)

			assert.Equal(t, lsn, l2.LSN(), "LSN resumes from the file")
			assert.Equal(t, uint32(7), l2.MaxTxnID(), "txn id resumes from the file")

			next, err := l2.Append(8, core.OpInsert, "users", insertPayload(99), true)
			require.NoError(t, err)
			assert.Equal(t, lsn+1, next)
		})
	}
}

func TestWAL_BufferedAppendsReachFileOnFlush(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("accelerated backend unavailable")
	}
	opts := testWALOptions(t, t.TempDir(), ModeAccelerated)
	l, _, err := Open(opts)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		_, err := l.Append(1, core.OpInsert, "t", insertPayload(i), false)
		require.NoError(t, err)
	}
	st, err := os.Stat(opts.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size(), "unsynced frames stay buffered")

	require.NoError(t, l.Flush())
	entries, info, err := ReadFile(opts.Path)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	assert.False(t, info.Torn())
}

func TestWAL_SyncAppendIsDurableImmediately(t *testing.T) {
	for _, mode := range testModes(t) {
		t.Run(string(mode), func(t *testing.T) {
			opts := testWALOptions(t, t.TempDir(), mode)
			l, _, err := Open(opts)
			require.NoError(t, err)
			defer l.Close()

			_, err = l.Append(1, core.OpInsert, "t", insertPayload(1), false)
			require.NoError(t, err)
			_, err = l.Append(1, core.OpInsert, "t", insertPayload(2), true)
			require.NoError(t, err)

			// Another reader sees both frames without Close.
			entries, _, err := ReadFile(opts.Path)
			require.NoError(t, err)
			assert.Len(t, entries, 2)
		})
	}
}

func TestWAL_OversizedFrame(t *testing.T) {
	for _, mode := range testModes(t) {
		t.Run(string(mode), func(t *testing.T) {
			opts := testWALOptions(t, t.TempDir(), mode)
			opts.BufferSize = 128
			l, _, err := Open(opts)
			require.NoError(t, err)

			big := make([]byte, 1000)
			for i := range big {
				big[i] = 'a' + byte(i%26)
			}
			_, err = l.Append(1, core.OpInsert, "t", insertPayload(1), false)
			require.NoError(t, err)
			_, err = l.Append(1, core.OpUpdate, "t", big, false)
			require.NoError(t, err)
			_, err = l.Append(1, core.OpInsert, "t", insertPayload(3), false)
			require.NoError(t, err)
			require.NoError(t, l.Close())

			entries, _, err := ReadFile(opts.Path)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, big, entries[1].Payload)
			assert.Equal(t, []uint32{1, 2, 3}, []uint32{entries[0].LSN, entries[1].LSN, entries[2].LSN})
		})
	}
}

func TestWAL_NotInitialized(t *testing.T) {
	opts := testWALOptions(t, t.TempDir(), ModeFallback)
	l := New(opts)

	_, err := l.Append(1, core.OpInsert, "t", nil, true)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
	assert.ErrorIs(t, l.Flush(), core.ErrNotInitialized)
	assert.ErrorIs(t, l.Clear(), core.ErrNotInitialized)

	_, err = l.Open()
	require.NoError(t, err)
	_, err = l.Append(1, core.OpInsert, "t", nil, true)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Append(1, core.OpInsert, "t", nil, true)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
	assert.NoError(t, l.Close(), "closing twice is a no-op")
}

func TestWAL_Clear(t *testing.T) {
	for _, mode := range testModes(t) {
		t.Run(string(mode), func(t *testing.T) {
			opts := testWALOptions(t, t.TempDir(), mode)
			l, _, err := Open(opts)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				_, err := l.Append(1, core.OpInsert, "t", insertPayload(i), i == 2)
				require.NoError(t, err)
			}
			_, err = l.Append(2, core.OpInsert, "t", insertPayload(9), false)
			require.NoError(t, err)

			require.NoError(t, l.Clear())
			assert.Equal(t, uint32(0), l.LSN())
			st, err := os.Stat(opts.Path)
			require.NoError(t, err)
			assert.Equal(t, int64(0), st.Size())

			lsn, err := l.Append(3, core.OpInsert, "t", insertPayload(10), true)
			require.NoError(t, err)
			assert.Equal(t, uint32(1), lsn)
			require.NoError(t, l.Close())

			l2, recovered, err := Open(opts)
			require.NoError(t, err)
			defer l2.Close()
			require.Len(t, recovered, 1)
			assert.Equal(t, insertPayload(10), recovered[0].Payload)
		})
	}
}

func TestWAL_TornTailIsTruncated(t *testing.T) {
	for _, mode := range testModes(t) {
		t.Run(string(mode), func(t *testing.T) {
			opts := testWALOptions(t, t.TempDir(), mode)
			l, _, err := Open(opts)
			require.NoError(t, err)
			for i := 0; i < 3; i++ {
				_, err := l.Append(1, core.OpInsert, "t", insertPayload(i), true)
				require.NoError(t, err)
			}
			require.NoError(t, l.Close())

			st, err := os.Stat(opts.Path)
			require.NoError(t, err)
			goodSize := st.Size()

			// Simulate a crash in the middle of the fourth frame.
			frame, err := AppendFrame(nil, &core.WALEntry{LSN: 4, TxnID: 1, Op: core.OpInsert, Table: "t", Payload: insertPayload(3)})
			require.NoError(t, err)
			f, err := os.OpenFile(opts.Path, os.O_WRONLY|os.O_APPEND, 0644)
			require.NoError(t, err)
			_, err = f.Write(frame[:len(frame)-3])
			require.NoError(t, err)
			require.NoError(t, f.Close())

			l2, recovered, err := Open(opts)
			require.NoError(t, err)
			assert.Len(t, recovered, 3)
			assert.Equal(t, uint32(3), l2.LSN())
			st, err = os.Stat(opts.Path)
			require.NoError(t, err)
			assert.Equal(t, goodSize, st.Size())

			_, err = l2.Append(1, core.OpInsert, "t", insertPayload(4), true)
			require.NoError(t, err)
			require.NoError(t, l2.Close())

			entries, info, err := ReadFile(opts.Path)
			require.NoError(t, err)
			assert.Len(t, entries, 4)
			assert.False(t, info.Torn())
		})
	}
}

func TestWAL_InjectedAppendErrorConsumesLSN(t *testing.T) {
	opts := testWALOptions(t, t.TempDir(), ModeFallback)
	l, _, err := Open(opts)
	require.NoError(t, err)
	defer l.Close()

	injected := errors.New("disk on fire")
	l.SetTestingOnlyInjectAppendError(injected)
	lsn, err := l.Append(1, core.OpInsert, "t", insertPayload(1), true)
	require.ErrorIs(t, err, injected)
	assert.Equal(t, uint32(1), lsn)

	l.SetTestingOnlyInjectAppendError(nil)
	lsn, err = l.Append(1, core.OpInsert, "t", insertPayload(2), true)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), lsn)
}

func TestWAL_RejectsUnencodableEntries(t *testing.T) {
	opts := testWALOptions(t, t.TempDir(), ModeFallback)
	l, _, err := Open(opts)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(1, core.OpType(42), "t", nil, true)
	assert.ErrorIs(t, err, core.ErrUnsupportedEncoding)
	assert.Equal(t, uint32(0), l.LSN())
}

type recordingListener struct {
	mu     sync.Mutex
	events []hooks.HookEvent
}

func (r *recordingListener) OnEvent(ctx context.Context, e hooks.HookEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}
func (r *recordingListener) Priority() int { return 1 }
func (r *recordingListener) IsAsync() bool { return false }

func TestWAL_MetricsAndHooks(t *testing.T) {
	opts := testWALOptions(t, t.TempDir(), ModeFallback)
	opts.BytesWritten = new(expvar.Int)
	opts.EntriesWritten = new(expvar.Int)
	opts.Syncs = new(expvar.Int)
	hm := hooks.NewHookManager(nil)
	listener := &recordingListener{}
	hm.Register(hooks.EventPostWALAppend, listener)
	hm.Register(hooks.EventPostWALClear, listener)
	opts.HookManager = hm

	l, _, err := Open(opts)
	require.NoError(t, err)
	defer l.Close()

	payload := insertPayload(1)
	_, err = l.Append(1, core.OpInsert, "users", payload, true)
	require.NoError(t, err)
	_, err = l.Append(1, core.OpInsert, "users", payload, false)
	require.NoError(t, err)
	require.NoError(t, l.Clear())

	frame := FrameSize(&core.WALEntry{Table: "users", Payload: payload})
	assert.Equal(t, int64(2*frame), opts.BytesWritten.Value())
	assert.Equal(t, int64(2), opts.EntriesWritten.Value())
	assert.Equal(t, int64(1), opts.Syncs.Value())

	require.Len(t, listener.events, 3)
	first, ok := listener.events[0].Payload().(hooks.PostWALAppendPayload)
	require.True(t, ok)
	assert.Equal(t, uint32(1), first.LSN)
	assert.True(t, first.Synced)
	assert.Equal(t, string(BackendFallback), first.Backend)
	cleared, ok := listener.events[2].Payload().(hooks.PostWALClearPayload)
	require.True(t, ok)
	assert.Equal(t, uint32(2), cleared.LastLSN)
}
