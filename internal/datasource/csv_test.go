package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

func statementSchema() table.Schema {
	return table.Schema{
		{Name: "txn_id", Kind: table.Int64},
		{Name: "amount", Kind: table.Decimal},
		{Name: "memo", Kind: table.String},
		{Name: "posted_at", Kind: table.Time},
	}
}

func statementTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.New(statementSchema()...)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	rows := [][]any{
		{int64(1), decimal.RequireFromString("1200.50"), "salary", time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)},
		{int64(2), decimal.RequireFromString("-88.00"), "fee", time.Date(2026, 7, 2, 9, 0, 0, 0, time.UTC)},
		{int64(3), nil, "", time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC)},
	}
	for _, r := range rows {
		if err := tbl.AppendRow(r...); err != nil {
			t.Fatalf("AppendRow: %v", err)
		}
	}
	return tbl
}

func TestCSVSourceWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statement.csv")
	src, err := NewCSVSource("bank_a", path, statementSchema())
	if err != nil {
		t.Fatalf("NewCSVSource: %v", err)
	}
	want := statementTable(t)
	if err := src.Write(context.Background(), want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := src.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !got.Equal(want) {
		t.Fatal("table changed across write/read")
	}

	md, err := src.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.Name != "bank_a" || md.SizeBytes == 0 || md.ModifiedAt.IsZero() {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	if md.Rows != -1 {
		t.Fatalf("csv metadata must not count rows, got %d", md.Rows)
	}
}

func TestCSVSourceRejectsWrongHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statement.csv")
	if err := os.WriteFile(path, []byte("wrong,header,entirely,here\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	src, err := NewCSVSource("bank_a", path, statementSchema())
	if err != nil {
		t.Fatalf("NewCSVSource: %v", err)
	}
	if _, err := src.Read(context.Background()); err == nil {
		t.Fatal("expected header mismatch error")
	}
}

func TestCSVSourceRejectsWrongSchemaOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statement.csv")
	src, err := NewCSVSource("bank_a", path, statementSchema())
	if err != nil {
		t.Fatalf("NewCSVSource: %v", err)
	}
	other := table.MustNew(table.Column{Name: "x", Kind: table.Int64})
	if err := src.Write(context.Background(), other); err == nil {
		t.Fatal("expected schema mismatch error")
	}
}

func TestCSVSourceMissingFile(t *testing.T) {
	src, err := NewCSVSource("bank_a", filepath.Join(t.TempDir(), "absent.csv"), statementSchema())
	if err != nil {
		t.Fatalf("NewCSVSource: %v", err)
	}
	if _, err := src.Read(context.Background()); err == nil {
		t.Fatal("expected read error for a missing file")
	}
	if _, err := src.Metadata(context.Background()); err == nil {
		t.Fatal("expected metadata error for a missing file")
	}
}

func TestFromFilePicksByExtension(t *testing.T) {
	src, err := FromFile("params", filepath.Join(t.TempDir(), "params.csv"), statementSchema())
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if _, ok := src.(*CSVSource); !ok {
		t.Fatalf("got %T, want *CSVSource", src)
	}
	if _, err := FromFile("params", "params.xlsx", statementSchema()); err == nil {
		t.Fatal("unsupported extensions must be rejected")
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing name", Config{Type: TypeCSV, Path: "x.csv", Schema: statementSchema()}},
		{"missing schema", Config{Type: TypeCSV, Name: "a", Path: "x.csv"}},
		{"csv without path", Config{Type: TypeCSV, Name: "a", Schema: statementSchema()}},
		{"postgres without dsn", Config{Type: TypePostgres, Name: "a", Schema: statementSchema(), Query: "SELECT 1"}},
		{"postgres without query or target", Config{Type: TypePostgres, Name: "a", Schema: statementSchema(), DSN: "postgres://"}},
		{"unknown type", Config{Type: "ftp", Name: "a", Schema: statementSchema()}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	ok := Config{Type: TypeCSV, Name: "a", Path: "x.csv", Schema: statementSchema()}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
