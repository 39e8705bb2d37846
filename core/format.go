package core

import "math"

// This file centralizes constants related to file formats and file names.

const (
	// RowStoreMagic opens every row store file.
	RowStoreMagic = "PESA"
	// FormatVersion is the version byte following the magic.
	FormatVersion uint8 = 1
	// RowStoreHeaderSize is MAGIC(4) + VERSION(1).
	RowStoreHeaderSize = 5
)

const (
	RowStoreFileSuffix = ".db"
	IndexFileSuffix    = ".idx"
	WALFileSuffix      = ".wal"
	CatalogFileName    = "catalog.json"
	// DefaultWALName is the base name of the engine-wide log file.
	DefaultWALName = "global"
)

const (
	// MaxStringLen is the largest encodable string, bounded by its u16 length prefix.
	MaxStringLen = math.MaxUint16
	// MaxLocator is the largest row offset an index record can hold.
	MaxLocator = math.MaxUint32
	// MaxTableNameLen is bounded by the u16 table name length in WAL frames.
	MaxTableNameLen = math.MaxUint16
)
