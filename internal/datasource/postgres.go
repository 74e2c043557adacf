package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

// PostgresSource reads rows from a query and writes tables into a target
// table. Scans are typed by the declared schema; numeric columns come back
// through decimal to keep cent-exact amounts.
type PostgresSource struct {
	name   string
	db     *sql.DB
	schema table.Schema
	query  string
	target string
	ownsDB bool
}

var (
	_ Source   = (*PostgresSource)(nil)
	_ Writable = (*PostgresSource)(nil)
)

// NewPostgresSource wraps an existing connection pool. query may be empty
// for write-only sources, target for read-only ones.
func NewPostgresSource(name string, db *sql.DB, schema table.Schema, query, target string) (*PostgresSource, error) {
	if name == "" {
		return nil, fmt.Errorf("datasource: empty source name")
	}
	if db == nil {
		return nil, fmt.Errorf("datasource %s: nil db", name)
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("datasource %s: empty schema", name)
	}
	if query == "" && target == "" {
		return nil, fmt.Errorf("datasource %s: needs a query or a target table", name)
	}
	return &PostgresSource{name: name, db: db, schema: schema, query: query, target: target}, nil
}

func (s *PostgresSource) Name() string { return s.name }

// Read runs the configured query and maps the result onto the schema.
func (s *PostgresSource) Read(ctx context.Context) (*table.Table, error) {
	if s.query == "" {
		return nil, fmt.Errorf("datasource %s: no read query configured", s.name)
	}
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("datasource %s: query: %w", s.name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("datasource %s: columns: %w", s.name, err)
	}
	if len(cols) != len(s.schema) {
		return nil, fmt.Errorf("datasource %s: query returns %d columns, schema has %d", s.name, len(cols), len(s.schema))
	}

	t, err := table.New(s.schema...)
	if err != nil {
		return nil, fmt.Errorf("datasource %s: %w", s.name, err)
	}
	dest := make([]any, len(s.schema))
	for i, c := range s.schema {
		switch c.Kind {
		case table.Int64:
			dest[i] = new(sql.NullInt64)
		case table.Float64:
			dest[i] = new(sql.NullFloat64)
		case table.Bool:
			dest[i] = new(sql.NullBool)
		case table.Time:
			dest[i] = new(sql.NullTime)
		default:
			dest[i] = new(sql.NullString)
		}
	}
	cells := make([]any, len(s.schema))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("datasource %s: scan: %w", s.name, err)
		}
		for i, c := range s.schema {
			cell, err := holderCell(c.Kind, dest[i])
			if err != nil {
				return nil, fmt.Errorf("datasource %s: column %q: %w", s.name, c.Name, err)
			}
			cells[i] = cell
		}
		if err := t.AppendRow(cells...); err != nil {
			return nil, fmt.Errorf("datasource %s: %w", s.name, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datasource %s: rows: %w", s.name, err)
	}
	return t, nil
}

func holderCell(k table.Kind, holder any) (any, error) {
	switch h := holder.(type) {
	case *sql.NullInt64:
		if !h.Valid {
			return nil, nil
		}
		return h.Int64, nil
	case *sql.NullFloat64:
		if !h.Valid {
			return nil, nil
		}
		return h.Float64, nil
	case *sql.NullBool:
		if !h.Valid {
			return nil, nil
		}
		return h.Bool, nil
	case *sql.NullTime:
		if !h.Valid {
			return nil, nil
		}
		return h.Time, nil
	case *sql.NullString:
		if !h.Valid {
			return nil, nil
		}
		if k == table.Decimal {
			d, err := decimal.NewFromString(h.String)
			if err != nil {
				return nil, fmt.Errorf("decimal %q: %w", h.String, err)
			}
			return d, nil
		}
		return h.String, nil
	}
	return nil, fmt.Errorf("unhandled scan holder %T", holder)
}

// Write inserts every row of t into the target table inside one
// transaction.
func (s *PostgresSource) Write(ctx context.Context, t *table.Table) error {
	if s.target == "" {
		return fmt.Errorf("datasource %s: no target table configured", s.name)
	}
	if t == nil {
		return fmt.Errorf("datasource %s: nil table", s.name)
	}
	schema := t.Schema()
	names := make([]string, len(schema))
	marks := make([]string, len(schema))
	for i, c := range schema {
		names[i] = c.Name
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.target, strings.Join(names, ", "), strings.Join(marks, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datasource %s: begin: %w", s.name, err)
	}
	defer tx.Rollback()

	args := make([]any, len(schema))
	for r := 0; r < t.NumRows(); r++ {
		for i, c := range schema {
			cell, _ := t.Cell(r, c.Name)
			args[i] = insertArg(cell)
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("datasource %s: insert row %d: %w", s.name, r, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datasource %s: commit: %w", s.name, err)
	}
	return nil
}

// insertArg maps a table cell to a driver value. Decimals travel as text
// so numeric columns never pass through float64.
func insertArg(cell any) any {
	if cell == nil {
		return nil
	}
	if d, ok := cell.(decimal.Decimal); ok {
		return d.String()
	}
	return cell
}

// Metadata counts the target table when one is configured.
func (s *PostgresSource) Metadata(ctx context.Context) (Metadata, error) {
	md := Metadata{Name: s.name, Location: s.target, Rows: -1}
	if s.target == "" {
		md.Location = "query"
		return md, nil
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.target))
	var n int
	if err := row.Scan(&n); err != nil {
		return Metadata{}, fmt.Errorf("datasource %s: count: %w", s.name, err)
	}
	md.Rows = n
	return md, nil
}

// Close releases the pool only when this source opened it.
func (s *PostgresSource) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
