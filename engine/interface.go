package engine

import (
	"context"

	"github.com/INLOpen/pesadb/core"
)

// Interface is the public API of the storage engine.
type Interface interface {
	// Schema
	CreateTable(ctx context.Context, name string, columns []core.Column) error
	DropTable(ctx context.Context, name string) error
	Table(name string) (*Table, error)
	TableNames() []string

	// Data Manipulation
	Insert(ctx context.Context, table string, row core.Row) error
	Overwrite(ctx context.Context, table string, rows []core.Row) error
	DeleteWhere(ctx context.Context, table string, pred Predicate) (int, error)
	UpdateWhere(ctx context.Context, table string, pred Predicate, assignments core.Row) (int, error)

	// Querying
	SelectAll(table string) ([]core.Row, error)
	GetByPrimaryKey(table string, key core.Value) (core.Row, bool, error)

	// Transactions
	Begin() error
	Commit(ctx context.Context) error
	InTransaction() bool

	// Administration & Maintenance
	Checkpoint(ctx context.Context) error
	ClearLog(ctx context.Context) error
	Metrics() *EngineMetrics
	Close(ctx context.Context) error
}
