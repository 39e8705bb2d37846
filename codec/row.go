package codec

import (
	"fmt"
	"io"

	"github.com/INLOpen/pesadb/core"
)

// RowSize returns the encoded size of row.
func RowSize(columns []core.Column, row core.Row) (int, error) {
	total := 0
	for _, c := range columns {
		v, ok := row[c.Name]
		if !ok {
			return 0, &core.ConstraintError{Column: c.Name, Reason: "missing value"}
		}
		n, err := SizeOf(v)
		if err != nil {
			return 0, fmt.Errorf("column %q: %w", c.Name, err)
		}
		total += n
	}
	return total, nil
}

// AppendRow appends the values of row in column order to dst.
func AppendRow(dst []byte, columns []core.Column, row core.Row) ([]byte, error) {
	for _, c := range columns {
		v, ok := row[c.Name]
		if !ok {
			return dst, &core.ConstraintError{Column: c.Name, Reason: "missing value"}
		}
		if v.Type != c.Type {
			return dst, &core.ConstraintError{Column: c.Name, Reason: fmt.Sprintf("expected %s, got %s", c.Type, v.Type)}
		}
		var err error
		if dst, err = AppendValue(dst, v); err != nil {
			return dst, fmt.Errorf("column %q: %w", c.Name, err)
		}
	}
	return dst, nil
}

// EncodeRow returns the encoding of row in a new slice.
func EncodeRow(columns []core.Column, row core.Row) ([]byte, error) {
	n, err := RowSize(columns, row)
	if err != nil {
		return nil, err
	}
	return AppendRow(make([]byte, 0, n), columns, row)
}

// DecodeRow decodes one row from buf at off and returns the offset after it.
func DecodeRow(columns []core.Column, buf []byte, off int) (core.Row, int, error) {
	row := make(core.Row, len(columns))
	for _, c := range columns {
		v, next, err := Decode(c.Type, buf, off)
		if err != nil {
			return nil, off, err
		}
		row[c.Name] = v
		off = next
	}
	return row, off, nil
}

// ReadRow decodes one row from r. A row cut short returns io.ErrUnexpectedEOF;
// io.EOF is returned only when r is exhausted before the first byte.
func ReadRow(r io.Reader, columns []core.Column) (core.Row, error) {
	row := make(core.Row, len(columns))
	for i, c := range columns {
		v, err := ReadValue(r, c.Type)
		if err != nil {
			if err == io.EOF && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		row[c.Name] = v
	}
	return row, nil
}

// Fingerprint returns the canonical encoding of row as a string. Two rows have
// the same fingerprint iff they hold bit-identical values for every column.
func Fingerprint(columns []core.Column, row core.Row) (string, error) {
	b, err := EncodeRow(columns, row)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
