package core

import (
	"fmt"
	"strings"
)

// ColumnType identifies the scalar type stored in a column.
// The numeric values are persisted in the catalog and must not change.
type ColumnType uint8

const (
	TypeInt32   ColumnType = 1
	TypeString  ColumnType = 2
	TypeBool    ColumnType = 3
	TypeFloat64 ColumnType = 4
)

// String returns the canonical name of the column type.
func (t ColumnType) String() string {
	switch t {
	case TypeInt32:
		return "INT32"
	case TypeString:
		return "STRING"
	case TypeBool:
		return "BOOL"
	case TypeFloat64:
		return "FLOAT64"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the supported column types.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeInt32, TypeString, TypeBool, TypeFloat64:
		return true
	}
	return false
}

// KeyCapable reports whether a column of this type can be a primary key.
func (t ColumnType) KeyCapable() bool {
	return t == TypeInt32 || t == TypeString
}

// ParseColumnType converts a type name into a ColumnType.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INT32", "INT", "INTEGER":
		return TypeInt32, nil
	case "STRING", "TEXT", "VARCHAR":
		return TypeString, nil
	case "BOOL", "BOOLEAN":
		return TypeBool, nil
	case "FLOAT64", "FLOAT", "DOUBLE":
		return TypeFloat64, nil
	}
	return 0, fmt.Errorf("%w: column type %q", ErrUnsupportedEncoding, s)
}

// Column describes one column of a table. Columns are immutable once the
// table is created.
type Column struct {
	Name       string     `json:"name"`
	Type       ColumnType `json:"type"`
	PrimaryKey bool       `json:"isPrimary,omitempty"`
}

// PrimaryKeyColumn returns the primary-key column of cols, if any.
func PrimaryKeyColumn(cols []Column) (Column, bool) {
	for _, c := range cols {
		if c.PrimaryKey {
			return c, true
		}
	}
	return Column{}, false
}

// ValidateColumns checks a table definition: at least one column, unique
// non-empty names, known types and at most one primary key of a key-capable type.
func ValidateColumns(cols []Column) error {
	if len(cols) == 0 {
		return &ConstraintError{Reason: "table must declare at least one column"}
	}
	seen := make(map[string]struct{}, len(cols))
	pkCount := 0
	for _, c := range cols {
		if c.Name == "" {
			return &ConstraintError{Reason: "column name must not be empty"}
		}
		if _, dup := seen[c.Name]; dup {
			return &ConstraintError{Column: c.Name, Reason: "duplicate column name"}
		}
		seen[c.Name] = struct{}{}
		if !c.Type.Valid() {
			return fmt.Errorf("%w: column %q has type %s", ErrUnsupportedEncoding, c.Name, c.Type)
		}
		if c.PrimaryKey {
			pkCount++
			if !c.Type.KeyCapable() {
				return fmt.Errorf("%w: primary key column %q has type %s", ErrUnsupportedEncoding, c.Name, c.Type)
			}
		}
	}
	if pkCount > 1 {
		return &ConstraintError{Reason: "at most one primary key column is allowed"}
	}
	return nil
}
