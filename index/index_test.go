package index

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/pesadb/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenRejectsUnsupportedKeyType(t *testing.T) {
	dir := t.TempDir()
	for _, kt := range []core.ColumnType{core.TypeFloat64, core.TypeBool, core.ColumnType(0)} {
		_, err := Open(filepath.Join(dir, "x.idx"), kt, testLogger())
		assert.ErrorIs(t, err, core.ErrUnsupportedEncoding, "key type %s", kt)
	}
}

func TestAddGetPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.idx")
	idx, err := Open(path, core.TypeInt32, testLogger())
	require.NoError(t, err)

	require.NoError(t, idx.Add(core.Int32Value(10), 5))
	require.NoError(t, idx.Add(core.Int32Value(-3), 42))
	require.NoError(t, idx.Add(core.Int32Value(7), 100))

	err = idx.Add(core.Int32Value(10), 999)
	assert.True(t, core.IsConstraintViolation(err))
	loc, ok := idx.Get(core.Int32Value(10))
	require.True(t, ok)
	assert.Equal(t, uint32(5), loc)

	err = idx.Add(core.StringValue("10"), 5)
	assert.ErrorIs(t, err, core.ErrUnsupportedEncoding)

	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, []core.Value{core.Int32Value(-3), core.Int32Value(7), core.Int32Value(10)}, idx.Keys())
	require.NoError(t, idx.Close())

	reopened, err := Open(path, core.TypeInt32, testLogger())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 3, reopened.Len())
	loc, ok = reopened.Get(core.Int32Value(7))
	require.True(t, ok)
	assert.Equal(t, uint32(100), loc)
	assert.False(t, reopened.Has(core.Int32Value(8)))
}

func TestStringKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.idx")
	idx, err := Open(path, core.TypeString, testLogger())
	require.NoError(t, err)
	require.NoError(t, idx.Add(core.StringValue(""), 5))
	require.NoError(t, idx.Add(core.StringValue("ключ"), 20))
	require.NoError(t, idx.Close())

	idx, err = Open(path, core.TypeString, testLogger())
	require.NoError(t, err)
	defer idx.Close()
	assert.True(t, idx.Has(core.StringValue("")))
	assert.True(t, idx.Has(core.StringValue("ключ")))
}

func TestTornTrailingPairIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.idx")
	idx, err := Open(path, core.TypeInt32, testLogger())
	require.NoError(t, err)
	require.NoError(t, idx.Add(core.Int32Value(1), 5))
	require.NoError(t, idx.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 2, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	idx, err = Open(path, core.TypeInt32, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	require.NoError(t, idx.Add(core.Int32Value(2), 13))
	require.NoError(t, idx.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(16), st.Size())

	idx, err = Open(path, core.TypeInt32, testLogger())
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, 2, idx.Len())
}

func TestDuplicateOnDiskIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.idx")
	pair := []byte{0, 0, 0, 1, 0, 0, 0, 5}
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, pair...), pair...), 0644))

	_, err := Open(path, core.TypeInt32, testLogger())
	assert.ErrorIs(t, err, core.ErrCorruptRecord)
}

func TestKeyTypeMismatchIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mismatch.idx")
	// INT32 pairs (0 -> 5), (1 -> 9) read with STRING keys decode as an empty
	// string whose locator is 0, inside the row store header.
	data := []byte{0, 0, 0, 0, 0, 0, 0, 5, 0, 0, 0, 1, 0, 0, 0, 9}
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err := Open(path, core.TypeString, testLogger())
	assert.ErrorIs(t, err, core.ErrCorruptRecord)
}

func TestResetAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.idx")
	idx, err := Open(path, core.TypeInt32, testLogger())
	require.NoError(t, err)
	defer idx.Close()

	for i := int32(1); i <= 4; i++ {
		require.NoError(t, idx.Add(core.Int32Value(i), uint32(i*10)))
	}

	keys := []core.Value{core.Int32Value(2), core.Int32Value(4)}
	require.NoError(t, idx.Reset(keys, []uint32{5, 17}))
	assert.Equal(t, 2, idx.Len())
	loc, ok := idx.Get(core.Int32Value(4))
	require.True(t, ok)
	assert.Equal(t, uint32(17), loc)
	assert.False(t, idx.Has(core.Int32Value(1)))

	err = idx.Reset([]core.Value{core.Int32Value(1), core.Int32Value(1)}, []uint32{5, 6})
	assert.True(t, core.IsConstraintViolation(err))
	assert.Equal(t, 2, idx.Len())

	require.NoError(t, idx.Add(core.Int32Value(9), 30))
	require.NoError(t, idx.Close())

	idx2, err := Open(path, core.TypeInt32, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 3, idx2.Len())

	require.NoError(t, idx2.Clear())
	assert.Equal(t, 0, idx2.Len())
	require.NoError(t, idx2.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size())
}
