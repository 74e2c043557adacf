package datasource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

// CSVSource reads and writes one CSV file against a declared schema. Bank
// statement layouts are fixed per institution, so the schema comes from
// config rather than being guessed from cell text.
type CSVSource struct {
	name   string
	path   string
	schema table.Schema
}

var (
	_ Source   = (*CSVSource)(nil)
	_ Writable = (*CSVSource)(nil)
)

// NewCSVSource builds a CSV source. The file may not exist yet when the
// source is only written to.
func NewCSVSource(name, path string, schema table.Schema) (*CSVSource, error) {
	if name == "" {
		return nil, fmt.Errorf("datasource: empty source name")
	}
	if path == "" {
		return nil, fmt.Errorf("datasource %s: empty file path", name)
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("datasource %s: empty schema", name)
	}
	return &CSVSource{name: name, path: path, schema: schema}, nil
}

func (s *CSVSource) Name() string { return s.name }

// Read loads the whole file. The header line must match the schema.
func (s *CSVSource) Read(ctx context.Context) (*table.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("datasource %s: open: %w", s.name, err)
	}
	defer f.Close()
	t, err := table.ReadCSV(f, s.schema)
	if err != nil {
		return nil, fmt.Errorf("datasource %s: %w", s.name, err)
	}
	return t, nil
}

// Write replaces the file contents with t. The table schema must match the
// declared one.
func (s *CSVSource) Write(ctx context.Context, t *table.Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("datasource %s: nil table", s.name)
	}
	got := t.Schema()
	if len(got) != len(s.schema) {
		return fmt.Errorf("datasource %s: table has %d columns, schema has %d", s.name, len(got), len(s.schema))
	}
	for i, c := range s.schema {
		if got[i] != c {
			return fmt.Errorf("datasource %s: column %d is %v, schema says %v", s.name, i, got[i], c)
		}
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("datasource %s: create dir: %w", s.name, err)
		}
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("datasource %s: create: %w", s.name, err)
	}
	if err := table.WriteCSV(f, t); err != nil {
		f.Close()
		return fmt.Errorf("datasource %s: %w", s.name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("datasource %s: close: %w", s.name, err)
	}
	return nil
}

// Metadata stats the file; rows stay unknown without a full read.
func (s *CSVSource) Metadata(ctx context.Context) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		return Metadata{}, fmt.Errorf("datasource %s: stat: %w", s.name, err)
	}
	return Metadata{
		Name:       s.name,
		Location:   s.path,
		Rows:       -1,
		SizeBytes:  fi.Size(),
		ModifiedAt: fi.ModTime(),
	}, nil
}

func (s *CSVSource) Close() error { return nil }
