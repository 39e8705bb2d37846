package core

import "fmt"

// OpType identifies the mutation recorded by a WAL entry.
type OpType uint8

const (
	OpInsert     OpType = 1
	OpUpdate     OpType = 2
	OpDelete     OpType = 3
	OpCheckpoint OpType = 99
)

func (o OpType) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// Valid reports whether o is a known operation.
func (o OpType) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete, OpCheckpoint:
		return true
	}
	return false
}

// IsOverwrite reports whether the entry carries a full replacement row set.
func (o OpType) IsOverwrite() bool {
	return o == OpUpdate || o == OpDelete
}

// WALEntry represents a single operation recorded in the WAL.
// Entries are immutable once written.
type WALEntry struct {
	LSN     uint32
	TxnID   uint32
	Op      OpType
	Table   string
	Payload []byte
}
