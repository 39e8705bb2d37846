// Package codec implements the binary encoding of typed values and rows used
// by the row store and the primary-key index.
//
// INT32 is 4 bytes two's complement, FLOAT64 is 8 bytes IEEE-754, BOOL is a
// single 0/1 byte and STRING is a u16 length followed by UTF-8 bytes. All
// multi-byte integers are big-endian. A row is the concatenation of its values
// in column declaration order.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/INLOpen/pesadb/core"
)

// SizeOf returns the number of bytes v occupies when encoded.
func SizeOf(v core.Value) (int, error) {
	switch v.Type {
	case core.TypeInt32:
		return 4, nil
	case core.TypeFloat64:
		return 8, nil
	case core.TypeBool:
		return 1, nil
	case core.TypeString:
		if err := checkString(v.S); err != nil {
			return 0, err
		}
		return 2 + len(v.S), nil
	}
	return 0, fmt.Errorf("%w: value tag %d", core.ErrUnsupportedEncoding, uint8(v.Type))
}

// AppendValue appends the encoding of v to dst.
func AppendValue(dst []byte, v core.Value) ([]byte, error) {
	switch v.Type {
	case core.TypeInt32:
		return binary.BigEndian.AppendUint32(dst, uint32(v.I32)), nil
	case core.TypeFloat64:
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(v.F64)), nil
	case core.TypeBool:
		if v.B {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case core.TypeString:
		if err := checkString(v.S); err != nil {
			return dst, err
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(v.S)))
		return append(dst, v.S...), nil
	}
	return dst, fmt.Errorf("%w: value tag %d", core.ErrUnsupportedEncoding, uint8(v.Type))
}

// checkString rejects strings the u16 length prefix cannot describe and
// strings that are not UTF-8. The WAL carries rows as JSON, which would
// replace invalid bytes.
func checkString(s string) error {
	if len(s) > core.MaxStringLen {
		return fmt.Errorf("%w: string of %d bytes exceeds %d", core.ErrUnsupportedEncoding, len(s), core.MaxStringLen)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: string %q is not valid UTF-8", core.ErrUnsupportedEncoding, s)
	}
	return nil
}

// Encode returns the encoding of v in a new slice.
func Encode(v core.Value) ([]byte, error) {
	n, err := SizeOf(v)
	if err != nil {
		return nil, err
	}
	return AppendValue(make([]byte, 0, n), v)
}

// Decode reads a value of type t from buf starting at off. It returns the value
// and the offset just past it.
func Decode(t core.ColumnType, buf []byte, off int) (core.Value, int, error) {
	if off < 0 || off > len(buf) {
		return core.Value{}, off, io.ErrUnexpectedEOF
	}
	rest := buf[off:]
	switch t {
	case core.TypeInt32:
		if len(rest) < 4 {
			return core.Value{}, off, io.ErrUnexpectedEOF
		}
		return core.Int32Value(int32(binary.BigEndian.Uint32(rest))), off + 4, nil
	case core.TypeFloat64:
		if len(rest) < 8 {
			return core.Value{}, off, io.ErrUnexpectedEOF
		}
		return core.Float64Value(math.Float64frombits(binary.BigEndian.Uint64(rest))), off + 8, nil
	case core.TypeBool:
		if len(rest) < 1 {
			return core.Value{}, off, io.ErrUnexpectedEOF
		}
		switch rest[0] {
		case 0:
			return core.BoolValue(false), off + 1, nil
		case 1:
			return core.BoolValue(true), off + 1, nil
		}
		return core.Value{}, off, fmt.Errorf("%w: bool byte 0x%02x at offset %d", core.ErrCorruptRecord, rest[0], off)
	case core.TypeString:
		if len(rest) < 2 {
			return core.Value{}, off, io.ErrUnexpectedEOF
		}
		n := int(binary.BigEndian.Uint16(rest))
		if len(rest) < 2+n {
			return core.Value{}, off, io.ErrUnexpectedEOF
		}
		return core.StringValue(string(rest[2 : 2+n])), off + 2 + n, nil
	}
	return core.Value{}, off, fmt.Errorf("%w: column type %d", core.ErrUnsupportedEncoding, uint8(t))
}

// ReadValue decodes a single value of type t from r.
func ReadValue(r io.Reader, t core.ColumnType) (core.Value, error) {
	var scratch [8]byte
	switch t {
	case core.TypeInt32:
		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			return core.Value{}, err
		}
		return core.Int32Value(int32(binary.BigEndian.Uint32(scratch[:4]))), nil
	case core.TypeFloat64:
		if _, err := io.ReadFull(r, scratch[:8]); err != nil {
			return core.Value{}, err
		}
		return core.Float64Value(math.Float64frombits(binary.BigEndian.Uint64(scratch[:8]))), nil
	case core.TypeBool:
		if _, err := io.ReadFull(r, scratch[:1]); err != nil {
			return core.Value{}, err
		}
		switch scratch[0] {
		case 0:
			return core.BoolValue(false), nil
		case 1:
			return core.BoolValue(true), nil
		}
		return core.Value{}, fmt.Errorf("%w: bool byte 0x%02x", core.ErrCorruptRecord, scratch[0])
	case core.TypeString:
		if _, err := io.ReadFull(r, scratch[:2]); err != nil {
			return core.Value{}, err
		}
		s := make([]byte, binary.BigEndian.Uint16(scratch[:2]))
		if _, err := io.ReadFull(r, s); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return core.Value{}, err
		}
		return core.StringValue(string(s)), nil
	}
	return core.Value{}, fmt.Errorf("%w: column type %d", core.ErrUnsupportedEncoding, uint8(t))
}
