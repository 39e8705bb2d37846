package codec

import (
	"bytes"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/pesadb/core"
)

func TestValueRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		v    core.Value
		size int
	}{
		{"int32 zero", core.Int32Value(0), 4},
		{"int32 max", core.Int32Value(math.MaxInt32), 4},
		{"int32 min", core.Int32Value(math.MinInt32), 4},
		{"float zero", core.Float64Value(0), 8},
		{"float negative zero", core.Float64Value(math.Copysign(0, -1)), 8},
		{"float large", core.Float64Value(math.MaxFloat64), 8},
		{"float tiny", core.Float64Value(math.SmallestNonzeroFloat64), 8},
		{"float inf", core.Float64Value(math.Inf(1)), 8},
		{"bool true", core.BoolValue(true), 1},
		{"bool false", core.BoolValue(false), 1},
		{"string empty", core.StringValue(""), 2},
		{"string utf8", core.StringValue("日本語"), 2 + len("日本語")},
		{"string max", core.StringValue(strings.Repeat("a", core.MaxStringLen)), 2 + core.MaxStringLen},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := SizeOf(tc.v)
			require.NoError(t, err)
			assert.Equal(t, tc.size, n)

			b, err := Encode(tc.v)
			require.NoError(t, err)
			require.Len(t, b, tc.size)

			got, next, err := Decode(tc.v.Type, b, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.size, next)
			assert.True(t, tc.v.Equal(got), "want %v got %v", tc.v, got)

			streamed, err := ReadValue(bytes.NewReader(b), tc.v.Type)
			require.NoError(t, err)
			assert.True(t, tc.v.Equal(streamed))
		})
	}
}

func TestBigEndianLayout(t *testing.T) {
	b, err := Encode(core.Int32Value(1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1}, b)

	b, err = Encode(core.StringValue("ab"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 2, 'a', 'b'}, b)

	b, err = Encode(core.Int32Value(-1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, b)
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(core.StringValue(strings.Repeat("a", core.MaxStringLen+1)))
	assert.ErrorIs(t, err, core.ErrUnsupportedEncoding)

	for _, bad := range []string{"a\xff", "\xfe", "ok\xc3"} {
		_, err = Encode(core.StringValue(bad))
		assert.ErrorIs(t, err, core.ErrUnsupportedEncoding, "%q", bad)
		_, err = SizeOf(core.StringValue(bad))
		assert.ErrorIs(t, err, core.ErrUnsupportedEncoding, "%q", bad)
		_, err = AppendValue(nil, core.StringValue(bad))
		assert.ErrorIs(t, err, core.ErrUnsupportedEncoding, "%q", bad)
	}
	_, err = RowSize(rowColumns, core.Row{
		"id": core.Int32Value(1), "name": core.StringValue("a\xff"), "ok": core.BoolValue(true), "score": core.Float64Value(0),
	})
	assert.ErrorIs(t, err, core.ErrUnsupportedEncoding)

	_, err = Encode(core.Value{Type: core.ColumnType(77)})
	assert.ErrorIs(t, err, core.ErrUnsupportedEncoding)

	_, _, err = Decode(core.ColumnType(77), []byte{0}, 0)
	assert.ErrorIs(t, err, core.ErrUnsupportedEncoding)
}

func TestDecodeShortBuffer(t *testing.T) {
	_, _, err := Decode(core.TypeInt32, []byte{0, 0, 1}, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = Decode(core.TypeFloat64, make([]byte, 7), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = Decode(core.TypeString, []byte{0, 5, 'a', 'b'}, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = Decode(core.TypeBool, []byte{}, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = Decode(core.TypeBool, []byte{7}, 0)
	assert.ErrorIs(t, err, core.ErrCorruptRecord)
}

var rowColumns = []core.Column{
	{Name: "id", Type: core.TypeInt32, PrimaryKey: true},
	{Name: "name", Type: core.TypeString},
	{Name: "ok", Type: core.TypeBool},
	{Name: "score", Type: core.TypeFloat64},
}

func TestRowRoundTrip(t *testing.T) {
	rows := []core.Row{
		{"id": core.Int32Value(1), "name": core.StringValue("alice"), "ok": core.BoolValue(true), "score": core.Float64Value(1.5)},
		{"id": core.Int32Value(math.MinInt32), "name": core.StringValue(""), "ok": core.BoolValue(false), "score": core.Float64Value(math.Copysign(0, -1))},
	}

	var buf []byte
	for _, r := range rows {
		var err error
		buf, err = AppendRow(buf, rowColumns, r)
		require.NoError(t, err)
	}

	off := 0
	for _, want := range rows {
		got, next, err := DecodeRow(rowColumns, buf, off)
		require.NoError(t, err)
		assert.True(t, want.Equal(got))
		off = next
	}
	assert.Equal(t, len(buf), off)

	rd := bytes.NewReader(buf)
	for _, want := range rows {
		got, err := ReadRow(rd, rowColumns)
		require.NoError(t, err)
		assert.True(t, want.Equal(got))
	}
	_, err := ReadRow(rd, rowColumns)
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadRow(bytes.NewReader(buf[:6]), rowColumns)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRowEncodingRejectsMismatch(t *testing.T) {
	_, err := EncodeRow(rowColumns, core.Row{"id": core.Int32Value(1)})
	assert.True(t, core.IsConstraintViolation(err))

	_, err = EncodeRow(rowColumns, core.Row{
		"id": core.StringValue("1"), "name": core.StringValue(""), "ok": core.BoolValue(true), "score": core.Float64Value(0),
	})
	assert.True(t, core.IsConstraintViolation(err))
}

func TestFingerprint(t *testing.T) {
	a := core.Row{"id": core.Int32Value(1), "name": core.StringValue("x"), "ok": core.BoolValue(true), "score": core.Float64Value(0)}
	b := a.Clone()
	fa, err := Fingerprint(rowColumns, a)
	require.NoError(t, err)
	fb, err := Fingerprint(rowColumns, b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	b["score"] = core.Float64Value(math.Copysign(0, -1))
	fb, err = Fingerprint(rowColumns, b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}
