// Package tabular holds the in-memory shape of normalized rows moving between
// the converter, the accumulator and the ledger.
//
// A Batch is column-ordered: Columns names each slot and every row has exactly
// len(Columns) cells. A missing value is an invalid sql.NullString, never "".
// Column names are case-insensitive, as SQLite identifiers are; the first
// spelling seen is kept.
package tabular

import (
	"database/sql"
	"fmt"
	"strings"
)

// Kind is the logical type of an accumulated column. Storage is always text;
// the kind records how values were normalized before they landed.
type Kind string

const (
	KindText Kind = "text"
	KindDate Kind = "date"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindText || k == KindDate }

// Column is a named, typed slot.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Batch is an ordered set of rows sharing one column layout.
type Batch struct {
	Columns []Column
	Rows    [][]sql.NullString
	// Sources lists the files that contributed rows, in arrival order.
	Sources []string

	index map[string]int
}

// New creates an empty batch with text columns.
func New(names ...string) *Batch {
	b := &Batch{}
	for _, n := range names {
		b.AddColumn(Column{Name: n, Kind: KindText})
	}
	return b
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Index returns the position of the named column, or -1. The lookup ignores
// case.
func (b *Batch) Index(name string) int {
	if b.index == nil {
		b.reindex()
	}
	if i, ok := b.index[strings.ToLower(name)]; ok {
		return i
	}
	return -1
}

// Names returns the column names in order.
func (b *Batch) Names() []string {
	out := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		out[i] = c.Name
	}
	return out
}

// AddColumn appends a column and pads existing rows with NULL. Adding a name
// that already exists, in any case, is a no-op that returns its current
// position.
func (b *Batch) AddColumn(c Column) int {
	if i := b.Index(c.Name); i >= 0 {
		return i
	}
	if c.Kind == "" {
		c.Kind = KindText
	}
	b.Columns = append(b.Columns, c)
	b.index[strings.ToLower(c.Name)] = len(b.Columns) - 1
	for r := range b.Rows {
		b.Rows[r] = append(b.Rows[r], sql.NullString{})
	}
	return len(b.Columns) - 1
}

// Append adds one row. The row must have one cell per column.
func (b *Batch) Append(row []sql.NullString) error {
	if len(row) != len(b.Columns) {
		return fmt.Errorf("tabular: row has %d cells, batch has %d columns", len(row), len(b.Columns))
	}
	b.Rows = append(b.Rows, row)
	return nil
}

// AppendStrings adds one row where "" becomes NULL.
func (b *Batch) AppendStrings(vals ...string) error {
	row := make([]sql.NullString, len(vals))
	for i, v := range vals {
		row[i] = Cell(v)
	}
	return b.Append(row)
}

// Value returns the cell at (row, column name). ok is false when the column
// does not exist.
func (b *Batch) Value(row int, name string) (v sql.NullString, ok bool) {
	i := b.Index(name)
	if i < 0 {
		return sql.NullString{}, false
	}
	return b.Rows[row][i], true
}

// Cell converts a raw string to a cell; the empty string is NULL.
func Cell(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (b *Batch) reindex() {
	b.index = make(map[string]int, len(b.Columns))
	for i, c := range b.Columns {
		if _, dup := b.index[strings.ToLower(c.Name)]; !dup {
			b.index[strings.ToLower(c.Name)] = i
		}
	}
}

// Concat merges batches in argument order into a new batch. The column set is
// the union of all inputs in first-seen order, names folded by case; the
// spelling and kind of a column are the ones it had when first seen. Cells a source batch lacks are NULL. Nil batches are
// skipped.
func Concat(batches ...*Batch) *Batch {
	out := &Batch{}
	total := 0
	for _, b := range batches {
		if b == nil {
			continue
		}
		for _, c := range b.Columns {
			out.AddColumn(c)
		}
		out.Sources = append(out.Sources, b.Sources...)
		total += len(b.Rows)
	}
	out.Rows = make([][]sql.NullString, 0, total)

	width := len(out.Columns)
	for _, b := range batches {
		if b == nil {
			continue
		}
		pos := make([]int, len(b.Columns))
		for i, c := range b.Columns {
			pos[i] = out.Index(c.Name)
		}
		for _, src := range b.Rows {
			row := make([]sql.NullString, width)
			for i, cell := range src {
				row[pos[i]] = cell
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}
