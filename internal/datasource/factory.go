package datasource

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/lib/pq"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

// Type identifies a source backend.
type Type string

const (
	TypeCSV      Type = "csv"
	TypePostgres Type = "postgres"
)

// Config declares one source. Path drives CSV sources; DSN plus Query or
// Target drive Postgres ones.
type Config struct {
	Type   Type
	Name   string
	Schema table.Schema
	Path   string
	DSN    string
	Query  string
	Target string
}

// Validate reports configuration problems before anything is opened.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("datasource: missing name")
	}
	if len(c.Schema) == 0 {
		return fmt.Errorf("datasource %s: missing schema", c.Name)
	}
	switch c.Type {
	case TypeCSV:
		if c.Path == "" {
			return fmt.Errorf("datasource %s: csv needs a path", c.Name)
		}
	case TypePostgres:
		if c.DSN == "" {
			return fmt.Errorf("datasource %s: postgres needs a dsn", c.Name)
		}
		if c.Query == "" && c.Target == "" {
			return fmt.Errorf("datasource %s: postgres needs a query or target table", c.Name)
		}
	default:
		return fmt.Errorf("datasource %s: unknown type %q", c.Name, c.Type)
	}
	return nil
}

// New opens the source cfg describes.
func New(cfg Config) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeCSV:
		return NewCSVSource(cfg.Name, cfg.Path, cfg.Schema)
	case TypePostgres:
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("datasource %s: open postgres: %w", cfg.Name, err)
		}
		src, err := NewPostgresSource(cfg.Name, db, cfg.Schema, cfg.Query, cfg.Target)
		if err != nil {
			db.Close()
			return nil, err
		}
		src.ownsDB = true
		return src, nil
	}
	return nil, fmt.Errorf("datasource %s: unknown type %q", cfg.Name, cfg.Type)
}

// FromFile picks the source type from the file extension.
func FromFile(name, path string, schema table.Schema) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return NewCSVSource(name, path, schema)
	default:
		return nil, fmt.Errorf("datasource %s: unsupported file type %q", name, filepath.Ext(path))
	}
}

// Pool tracks named open sources for one task run so they close together.
type Pool struct {
	mu      sync.Mutex
	sources map[string]Source
}

// NewPool builds an empty pool.
func NewPool() *Pool {
	return &Pool{sources: make(map[string]Source)}
}

// Add registers a source under its name. Re-adding a name closes the
// previous source first.
func (p *Pool) Add(src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.sources[src.Name()]; ok {
		old.Close()
	}
	p.sources[src.Name()] = src
}

// Get looks a source up by name.
func (p *Pool) Get(name string) (Source, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.sources[name]
	return src, ok
}

// Names lists the registered sources.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.sources))
	for n := range p.sources {
		names = append(names, n)
	}
	return names
}

// CloseAll closes every source, keeping the first error.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for name, src := range p.sources {
		if err := src.Close(); err != nil && first == nil {
			first = fmt.Errorf("datasource %s: close: %w", name, err)
		}
		delete(p.sources, name)
	}
	return first
}
