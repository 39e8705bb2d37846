package engine

import (
	"github.com/INLOpen/skiplist"

	"github.com/INLOpen/pesadb/core"
)

// rowSet is the in-memory collection of a table's visible rows. Positions
// follow storage order: insertion order for unkeyed tables, key order for
// keyed ones.
type rowSet interface {
	Len() int
	Add(row core.Row)
	Get(key core.Value) (core.Row, bool)
	Range(fn func(row core.Row) bool)
	Replace(rows []core.Row)
}

func compareKeys(a, b core.Value) int {
	return a.Compare(b)
}

// keyedRows orders rows by primary key.
type keyedRows struct {
	pk   string
	data *skiplist.SkipList[core.Value, core.Row]
}

func newKeyedRows(pk string) *keyedRows {
	return &keyedRows{
		pk:   pk,
		data: skiplist.NewWithComparator[core.Value, core.Row](compareKeys),
	}
}

func (k *keyedRows) Len() int { return k.data.Len() }

// Add stores row under its key. Uniqueness is checked by the caller.
func (k *keyedRows) Add(row core.Row) {
	k.data.Insert(row[k.pk], row)
}

func (k *keyedRows) Get(key core.Value) (core.Row, bool) {
	node, ok := k.data.Seek(key)
	if !ok || !node.Key().Equal(key) {
		return nil, false
	}
	return node.Value(), true
}

func (k *keyedRows) Range(fn func(row core.Row) bool) {
	k.data.Range(func(_ core.Value, row core.Row) bool {
		return fn(row)
	})
}

func (k *keyedRows) Replace(rows []core.Row) {
	k.data = skiplist.NewWithComparator[core.Value, core.Row](compareKeys)
	for _, r := range rows {
		k.Add(r)
	}
}

// unkeyedRows keeps rows in insertion order.
type unkeyedRows struct {
	rows []core.Row
}

func (u *unkeyedRows) Len() int { return len(u.rows) }

func (u *unkeyedRows) Add(row core.Row) { u.rows = append(u.rows, row) }

func (u *unkeyedRows) Get(core.Value) (core.Row, bool) { return nil, false }

func (u *unkeyedRows) Range(fn func(row core.Row) bool) {
	for _, r := range u.rows {
		if !fn(r) {
			return
		}
	}
}

func (u *unkeyedRows) Replace(rows []core.Row) {
	u.rows = append(make([]core.Row, 0, len(rows)), rows...)
}
