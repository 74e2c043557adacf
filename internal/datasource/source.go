// Package datasource abstracts where reconciliation tables come from and
// go to. Steps depend on the Source interface only; the concrete backing
// (CSV file, Postgres query) is wired by the factory from config.
package datasource

import (
	"context"
	"time"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

// Metadata describes a source without reading its rows.
type Metadata struct {
	Name       string            `json:"name"`
	Location   string            `json:"location"`
	Rows       int               `json:"rows"` // -1 when counting needs a full read
	SizeBytes  int64             `json:"size_bytes,omitempty"`
	ModifiedAt time.Time         `json:"modified_at,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Source is a readable dataset.
type Source interface {
	Name() string
	Read(ctx context.Context) (*table.Table, error)
	Metadata(ctx context.Context) (Metadata, error)
	Close() error
}

// Writable is implemented by sources that can persist a table back.
type Writable interface {
	Write(ctx context.Context, t *table.Table) error
}
