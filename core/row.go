package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Row maps column names to values.
type Row map[string]Value

// Clone returns a shallow copy of r. Values are immutable, so this is a full copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Equal reports whether both rows hold the same columns with equal values.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// ValidateRow checks that row has exactly one value of the declared type for
// every column and nothing else.
func ValidateRow(columns []Column, row Row) error {
	for _, c := range columns {
		v, ok := row[c.Name]
		if !ok {
			return &ConstraintError{Column: c.Name, Reason: "missing value"}
		}
		if !v.Type.Valid() {
			return fmt.Errorf("%w: column %q has value tag %d", ErrUnsupportedEncoding, c.Name, uint8(v.Type))
		}
		if v.Type != c.Type {
			return &ConstraintError{Column: c.Name, Reason: fmt.Sprintf("expected %s, got %s", c.Type, v.Type)}
		}
	}
	if len(row) != len(columns) {
		for name := range row {
			if !hasColumn(columns, name) {
				return &ConstraintError{Column: name, Reason: "unknown column"}
			}
		}
	}
	return nil
}

func hasColumn(columns []Column, name string) bool {
	for _, c := range columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func jsonScalar(v Value) any {
	if v.Type == TypeFloat64 {
		switch {
		case math.IsNaN(v.F64):
			return "NaN"
		case math.IsInf(v.F64, 1):
			return "+Inf"
		case math.IsInf(v.F64, -1):
			return "-Inf"
		}
	}
	return v.GoValue()
}

func rowObject(row Row) map[string]any {
	obj := make(map[string]any, len(row))
	for k, v := range row {
		obj[k] = jsonScalar(v)
	}
	return obj
}

// EncodeRowJSON renders a row as a JSON object, the WAL payload format for inserts.
func EncodeRowJSON(row Row) ([]byte, error) {
	return json.Marshal(rowObject(row))
}

// EncodeRowSetJSON renders rows as a JSON array, the payload of overwrite entries.
func EncodeRowSetJSON(rows []Row) ([]byte, error) {
	objs := make([]map[string]any, len(rows))
	for i, r := range rows {
		objs[i] = rowObject(r)
	}
	return json.Marshal(objs)
}

// DecodeRowJSON parses a JSON row object using columns to type each value.
func DecodeRowJSON(columns []Column, data []byte) (Row, error) {
	var raw map[string]any
	if err := newDecoder(data).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: row payload: %v", ErrCorruptRecord, err)
	}
	return rowFromObject(columns, raw)
}

// DecodeRowSetJSON parses a JSON array of row objects.
func DecodeRowSetJSON(columns []Column, data []byte) ([]Row, error) {
	var raws []map[string]any
	if err := newDecoder(data).Decode(&raws); err != nil {
		return nil, fmt.Errorf("%w: row set payload: %v", ErrCorruptRecord, err)
	}
	rows := make([]Row, 0, len(raws))
	for i, raw := range raws {
		r, err := rowFromObject(columns, raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func newDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec
}

func rowFromObject(columns []Column, raw map[string]any) (Row, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: row payload is not an object", ErrCorruptRecord)
	}
	row := make(Row, len(columns))
	for _, c := range columns {
		x, ok := raw[c.Name]
		if !ok {
			return nil, &ConstraintError{Column: c.Name, Reason: "missing value"}
		}
		v, err := scalarFromJSON(c, x)
		if err != nil {
			return nil, err
		}
		row[c.Name] = v
	}
	if len(raw) != len(columns) {
		for name := range raw {
			if !hasColumn(columns, name) {
				return nil, &ConstraintError{Column: name, Reason: "unknown column"}
			}
		}
	}
	return row, nil
}

func scalarFromJSON(c Column, x any) (Value, error) {
	mismatch := func() error {
		return &ConstraintError{Column: c.Name, Reason: fmt.Sprintf("expected %s, got %T", c.Type, x)}
	}
	switch c.Type {
	case TypeInt32:
		n, ok := x.(json.Number)
		if !ok {
			return Value{}, mismatch()
		}
		i, err := strconv.ParseInt(n.String(), 10, 32)
		if err != nil {
			return Value{}, &ConstraintError{Column: c.Name, Reason: fmt.Sprintf("%s is not an INT32", n)}
		}
		return Int32Value(int32(i)), nil
	case TypeFloat64:
		switch t := x.(type) {
		case json.Number:
			f, err := strconv.ParseFloat(t.String(), 64)
			if err != nil {
				return Value{}, &ConstraintError{Column: c.Name, Reason: fmt.Sprintf("%s is not a FLOAT64", t)}
			}
			return Float64Value(f), nil
		case string:
			switch t {
			case "NaN":
				return Float64Value(math.NaN()), nil
			case "+Inf":
				return Float64Value(math.Inf(1)), nil
			case "-Inf":
				return Float64Value(math.Inf(-1)), nil
			}
		}
		return Value{}, mismatch()
	case TypeBool:
		b, ok := x.(bool)
		if !ok {
			return Value{}, mismatch()
		}
		return BoolValue(b), nil
	case TypeString:
		s, ok := x.(string)
		if !ok {
			return Value{}, mismatch()
		}
		return StringValue(s), nil
	}
	return Value{}, fmt.Errorf("%w: column %q has type %s", ErrUnsupportedEncoding, c.Name, c.Type)
}
