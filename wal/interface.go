package wal

import "github.com/INLOpen/pesadb/core"

// Interface defines the public API of the write-ahead log.
type Interface interface {
	// Append logs one entry and returns its LSN.
	Append(txnID uint32, op core.OpType, table string, payload []byte, sync bool) (uint32, error)
	// Flush pushes buffered entries to stable storage.
	Flush() error
	// Clear discards all entries and resets the LSN.
	Clear() error
	Close() error
	LSN() uint32
	MaxTxnID() uint32
	BackendKind() BackendKind
	Path() string
	SetTestingOnlyInjectCloseError(err error)
	SetTestingOnlyInjectAppendError(err error)
}
