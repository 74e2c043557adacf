// Package table provides the typed, columnar dataset carried through a
// pipeline run. Cell types are fixed per column and survive serialization
// exactly: an int64 column never comes back as float64.
package table

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies a column's cell type.
type Kind string

const (
	Int64   Kind = "int64"
	Float64 Kind = "float64"
	Bool    Kind = "bool"
	String  Kind = "string"
	Time    Kind = "time"
	Decimal Kind = "decimal"
)

func (k Kind) valid() bool {
	switch k {
	case Int64, Float64, Bool, String, Time, Decimal:
		return true
	}
	return false
}

// Column describes one column of a table.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Schema is the ordered column layout of a table.
type Schema []Column

// Table is a columnar dataset. Cells are stored per column; a nil cell is
// NULL. Tables are not safe for concurrent mutation.
type Table struct {
	cols []Column
	data [][]any // data[col][row]
}

// New builds an empty table with the given columns. Column names must be
// non-empty and unique, kinds must be known.
func New(cols ...Column) (*Table, error) {
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		if c.Name == "" {
			return nil, fmt.Errorf("table: empty column name")
		}
		if !c.Kind.valid() {
			return nil, fmt.Errorf("table: column %q has unknown kind %q", c.Name, c.Kind)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("table: duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	t := &Table{cols: append([]Column(nil), cols...), data: make([][]any, len(cols))}
	return t, nil
}

// MustNew is New for statically known schemas.
func MustNew(cols ...Column) *Table {
	t, err := New(cols...)
	if err != nil {
		panic(err)
	}
	return t
}

// Schema returns a copy of the column layout.
func (t *Table) Schema() Schema { return append(Schema(nil), t.cols...) }

// NumRows returns the row count.
func (t *Table) NumRows() int {
	if len(t.data) == 0 {
		return 0
	}
	return len(t.data[0])
}

// NumCols returns the column count.
func (t *Table) NumCols() int { return len(t.cols) }

// ColumnIndex resolves a column name to its position.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.cols {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

// AppendRow appends one row. Cells must match the schema in order; nil is
// NULL for any column.
func (t *Table) AppendRow(cells ...any) error {
	if len(cells) != len(t.cols) {
		return fmt.Errorf("table: row has %d cells, schema has %d columns", len(cells), len(t.cols))
	}
	for i, v := range cells {
		if err := checkCell(t.cols[i], v); err != nil {
			return err
		}
	}
	for i, v := range cells {
		t.data[i] = append(t.data[i], v)
	}
	return nil
}

func checkCell(c Column, v any) error {
	if v == nil {
		return nil
	}
	ok := false
	switch c.Kind {
	case Int64:
		_, ok = v.(int64)
	case Float64:
		_, ok = v.(float64)
	case Bool:
		_, ok = v.(bool)
	case String:
		_, ok = v.(string)
	case Time:
		_, ok = v.(time.Time)
	case Decimal:
		_, ok = v.(decimal.Decimal)
	}
	if !ok {
		return fmt.Errorf("table: column %q expects %s, got %T", c.Name, c.Kind, v)
	}
	return nil
}

// Cell returns the raw cell value (nil for NULL). The bool reports whether
// the column exists and the row is in range.
func (t *Table) Cell(row int, col string) (any, bool) {
	i, ok := t.ColumnIndex(col)
	if !ok || row < 0 || row >= t.NumRows() {
		return nil, false
	}
	return t.data[i][row], true
}

// SetCell overwrites one cell, validating its type against the schema.
func (t *Table) SetCell(row int, col string, v any) error {
	i, ok := t.ColumnIndex(col)
	if !ok {
		return fmt.Errorf("table: no column %q", col)
	}
	if row < 0 || row >= t.NumRows() {
		return fmt.Errorf("table: row %d out of range", row)
	}
	if err := checkCell(t.cols[i], v); err != nil {
		return err
	}
	t.data[i][row] = v
	return nil
}

// Row provides typed access to one row.
type Row struct {
	t   *Table
	idx int
}

// Row returns a view over row i. Accessors on an out-of-range row return
// zero values.
func (t *Table) Row(i int) Row { return Row{t: t, idx: i} }

func (r Row) cell(col string) any {
	v, _ := r.t.Cell(r.idx, col)
	return v
}

// IsNull reports whether the cell is NULL or missing.
func (r Row) IsNull(col string) bool { return r.cell(col) == nil }

func (r Row) Int64(col string) int64 {
	v, _ := r.cell(col).(int64)
	return v
}

func (r Row) Float64(col string) float64 {
	v, _ := r.cell(col).(float64)
	return v
}

func (r Row) Bool(col string) bool {
	v, _ := r.cell(col).(bool)
	return v
}

func (r Row) String(col string) string {
	v, _ := r.cell(col).(string)
	return v
}

func (r Row) Time(col string) time.Time {
	v, _ := r.cell(col).(time.Time)
	return v
}

func (r Row) Decimal(col string) decimal.Decimal {
	v, ok := r.cell(col).(decimal.Decimal)
	if !ok {
		return decimal.Zero
	}
	return v
}

// Clone deep-copies the table.
func (t *Table) Clone() *Table {
	c := &Table{cols: append([]Column(nil), t.cols...), data: make([][]any, len(t.data))}
	for i := range t.data {
		c.data[i] = append([]any(nil), t.data[i]...)
	}
	return c
}

// AppendTable appends all rows of src; schemas must match exactly.
func (t *Table) AppendTable(src *Table) error {
	if len(src.cols) != len(t.cols) {
		return fmt.Errorf("table: schema mismatch: %d vs %d columns", len(src.cols), len(t.cols))
	}
	for i := range t.cols {
		if t.cols[i] != src.cols[i] {
			return fmt.Errorf("table: schema mismatch at column %d: %v vs %v", i, t.cols[i], src.cols[i])
		}
	}
	for i := range t.data {
		t.data[i] = append(t.data[i], src.data[i]...)
	}
	return nil
}

// Filter returns a new table containing the rows for which keep returns true.
func (t *Table) Filter(keep func(Row) bool) *Table {
	out := &Table{cols: append([]Column(nil), t.cols...), data: make([][]any, len(t.cols))}
	for r := 0; r < t.NumRows(); r++ {
		if !keep(t.Row(r)) {
			continue
		}
		for c := range t.data {
			out.data[c] = append(out.data[c], t.data[c][r])
		}
	}
	return out
}

// SumDecimal sums a decimal column, skipping NULLs.
func (t *Table) SumDecimal(col string) (decimal.Decimal, error) {
	i, ok := t.ColumnIndex(col)
	if !ok {
		return decimal.Zero, fmt.Errorf("table: no column %q", col)
	}
	if t.cols[i].Kind != Decimal {
		return decimal.Zero, fmt.Errorf("table: column %q is %s, not decimal", col, t.cols[i].Kind)
	}
	sum := decimal.Zero
	for _, v := range t.data[i] {
		if v == nil {
			continue
		}
		sum = sum.Add(v.(decimal.Decimal))
	}
	return sum, nil
}

// Equal reports deep equality: schema, row order, cell values, NULLs.
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.cols) != len(o.cols) || t.NumRows() != o.NumRows() {
		return false
	}
	for i := range t.cols {
		if t.cols[i] != o.cols[i] {
			return false
		}
	}
	for c := range t.data {
		for r := range t.data[c] {
			if !cellEqual(t.data[c][r], o.data[c][r]) {
				return false
			}
		}
	}
	return true
}

func cellEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case decimal.Decimal:
		bv, ok := b.(decimal.Decimal)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}
