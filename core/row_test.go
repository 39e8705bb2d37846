package core

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testColumns = []Column{
	{Name: "id", Type: TypeInt32, PrimaryKey: true},
	{Name: "name", Type: TypeString},
	{Name: "active", Type: TypeBool},
	{Name: "score", Type: TypeFloat64},
}

func TestValidateColumns(t *testing.T) {
	require.NoError(t, ValidateColumns(testColumns))

	err := ValidateColumns(nil)
	assert.True(t, IsConstraintViolation(err))

	err = ValidateColumns([]Column{{Name: "a", Type: TypeInt32}, {Name: "a", Type: TypeString}})
	assert.True(t, IsConstraintViolation(err))

	err = ValidateColumns([]Column{{Name: "f", Type: TypeFloat64, PrimaryKey: true}})
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	err = ValidateColumns([]Column{{Name: "x", Type: ColumnType(42)}})
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	err = ValidateColumns([]Column{
		{Name: "a", Type: TypeInt32, PrimaryKey: true},
		{Name: "b", Type: TypeString, PrimaryKey: true},
	})
	assert.True(t, IsConstraintViolation(err))
}

func TestValidateRow(t *testing.T) {
	good := Row{
		"id":     Int32Value(1),
		"name":   StringValue("alice"),
		"active": BoolValue(true),
		"score":  Float64Value(9.5),
	}
	require.NoError(t, ValidateRow(testColumns, good))

	t.Run("missing column", func(t *testing.T) {
		r := good.Clone()
		delete(r, "name")
		var ce *ConstraintError
		err := ValidateRow(testColumns, r)
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "name", ce.Column)
	})

	t.Run("unknown column", func(t *testing.T) {
		r := good.Clone()
		r["extra"] = Int32Value(3)
		assert.True(t, IsConstraintViolation(ValidateRow(testColumns, r)))
	})

	t.Run("wrong type", func(t *testing.T) {
		r := good.Clone()
		r["id"] = StringValue("1")
		assert.True(t, IsConstraintViolation(ValidateRow(testColumns, r)))
	})

	t.Run("unknown tag", func(t *testing.T) {
		r := good.Clone()
		r["id"] = Value{Type: ColumnType(9)}
		assert.ErrorIs(t, ValidateRow(testColumns, r), ErrUnsupportedEncoding)
	})
}

func TestValueEqual(t *testing.T) {
	assert.True(t, Int32Value(5).Equal(Int32Value(5)))
	assert.False(t, Int32Value(5).Equal(Float64Value(5)))
	assert.False(t, Float64Value(0).Equal(Float64Value(math.Copysign(0, -1))))
	nan := math.NaN()
	assert.True(t, Float64Value(nan).Equal(Float64Value(nan)))
	assert.Equal(t, -1, StringValue("a").Compare(StringValue("b")))
	assert.Equal(t, 1, Int32Value(10).Compare(Int32Value(-3)))
}

func TestRowJSONRoundTrip(t *testing.T) {
	rows := []Row{
		{"id": Int32Value(math.MaxInt32), "name": StringValue(""), "active": BoolValue(false), "score": Float64Value(math.Copysign(0, -1))},
		{"id": Int32Value(math.MinInt32), "name": StringValue("héllo"), "active": BoolValue(true), "score": Float64Value(1e300)},
		{"id": Int32Value(3), "name": StringValue("x"), "active": BoolValue(true), "score": Float64Value(math.Inf(-1))},
		{"id": Int32Value(4), "name": StringValue("y"), "active": BoolValue(true), "score": Float64Value(math.NaN())},
	}
	for _, r := range rows {
		data, err := EncodeRowJSON(r)
		require.NoError(t, err)
		got, err := DecodeRowJSON(testColumns, data)
		require.NoError(t, err)
		assert.True(t, r.Equal(got), "row %v decoded as %v", r, got)
	}

	data, err := EncodeRowSetJSON(rows)
	require.NoError(t, err)
	got, err := DecodeRowSetJSON(testColumns, data)
	require.NoError(t, err)
	require.Len(t, got, len(rows))
	for i := range rows {
		assert.True(t, rows[i].Equal(got[i]))
	}

	empty, err := EncodeRowSetJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestDecodeRowJSONErrors(t *testing.T) {
	_, err := DecodeRowJSON(testColumns, []byte(`{"id":1`))
	assert.ErrorIs(t, err, ErrCorruptRecord)

	_, err = DecodeRowJSON(testColumns, []byte(`{"id":3000000000,"name":"a","active":true,"score":1}`))
	assert.True(t, IsConstraintViolation(err))

	_, err = DecodeRowJSON(testColumns, []byte(`{"id":1,"name":"a","active":"yes","score":1}`))
	assert.True(t, IsConstraintViolation(err))

	_, err = DecodeRowJSON(testColumns, []byte(`{"id":1,"name":"a","active":true,"score":1,"zzz":0}`))
	assert.True(t, IsConstraintViolation(err))
}

func TestIOError(t *testing.T) {
	base := errors.New("disk gone")
	err := NewIOError("write", "/tmp/x", base)
	assert.True(t, IsIOFailure(err))
	assert.ErrorIs(t, err, base)
	assert.NoError(t, NewIOError("write", "/tmp/x", nil))
}
