// Package catalog persists table definitions in a JSON side file next to the
// table files.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/sys"
)

// fileData is the on-disk layout: {"tables": {name: [columns]}}.
type fileData struct {
	Tables map[string][]core.Column `json:"tables"`
}

// Catalog maps table names to their columns.
type Catalog struct {
	mu     sync.RWMutex
	path   string
	tables map[string][]core.Column
	logger *slog.Logger
}

// Open loads the catalog in dir. A missing file yields an empty catalog that
// is written on the first Save.
func Open(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Catalog{
		path:   filepath.Join(dir, core.CatalogFileName),
		tables: make(map[string][]core.Column),
		logger: logger.With("component", "Catalog"),
	}

	data, found, err := read(c.path)
	if err != nil {
		return nil, err
	}
	if !found {
		c.logger.Info("Catalog not found, starting empty.", "path", c.path)
		return c, nil
	}
	for name, cols := range data.Tables {
		if err := ValidateName(name); err != nil {
			return nil, fmt.Errorf("%w: catalog %s: %v", core.ErrCorruptRecord, c.path, err)
		}
		if err := core.ValidateColumns(cols); err != nil {
			return nil, fmt.Errorf("%w: catalog %s: table %s: %v", core.ErrCorruptRecord, c.path, name, err)
		}
		c.tables[name] = cols
	}
	c.logger.Info("Catalog loaded.", "path", c.path, "tables", len(c.tables))
	return c, nil
}

func read(path string) (fileData, bool, error) {
	var data fileData
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, false, nil
		}
		return data, false, core.NewIOError("read", path, err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, false, fmt.Errorf("%w: catalog %s: %v", core.ErrCorruptRecord, path, err)
	}
	return data, true, nil
}

// ValidateName rejects names that cannot be used as a file name stem.
func ValidateName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return &core.ConstraintError{Table: name, Reason: "invalid table name"}
	case len(name) > core.MaxTableNameLen:
		return &core.ConstraintError{Table: name[:32], Reason: "table name too long"}
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == 0 {
			return &core.ConstraintError{Table: name, Reason: "table name contains a path separator"}
		}
	}
	return nil
}

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }

// Tables returns the table names in sorted order.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Columns returns a copy of the columns of name.
func (c *Catalog) Columns(name string) ([]core.Column, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cols, ok := c.tables[name]
	if !ok {
		return nil, false
	}
	return append([]core.Column(nil), cols...), true
}

// Add registers a table and saves the catalog.
func (c *Catalog) Add(name string, cols []core.Column) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := core.ValidateColumns(cols); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; ok {
		return fmt.Errorf("%w: %s", core.ErrTableExists, name)
	}
	c.tables[name] = append([]core.Column(nil), cols...)
	if err := c.saveLocked(); err != nil {
		delete(c.tables, name)
		return err
	}
	return nil
}

// Remove unregisters a table and saves the catalog. Removing an unknown
// table is a no-op.
func (c *Catalog) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cols, ok := c.tables[name]
	if !ok {
		return nil
	}
	delete(c.tables, name)
	if err := c.saveLocked(); err != nil {
		c.tables[name] = cols
		return err
	}
	return nil
}

// Save writes the catalog atomically.
func (c *Catalog) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

func (c *Catalog) saveLocked() error {
	data := fileData{Tables: c.tables}
	err := sys.AtomicWrite(c.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	})
	if err != nil {
		return core.NewIOError("write", c.path, err)
	}
	return nil
}
