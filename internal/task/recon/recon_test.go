package recon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Allen15763/spe-bank-recon/internal/datasource"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/table"
	"github.com/shopspring/decimal"
)

// newRunContext returns a context seeded the way Load_Parameters would for
// July 2026, pointing at per-test input and output directories.
func newRunContext(t *testing.T) (*pipeline.Context, string, string) {
	t.Helper()
	in := filepath.Join(t.TempDir(), "input")
	out := filepath.Join(t.TempDir(), "output")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatalf("mkdir input: %v", err)
	}

	pc := pipeline.NewContext("bank_recon", "transform")
	pc.SetVariable("beg_date", pipeline.StringValue("2026-07-01"))
	pc.SetVariable("end_date", pipeline.StringValue("2026-07-31"))
	pc.SetVariable("last_beg_date", pipeline.StringValue("2026-06-01"))
	pc.SetVariable("last_end_date", pipeline.StringValue("2026-06-30"))
	pc.SetVariable("current_month", pipeline.StringValue("202607"))
	pc.SetVariable("last_month", pipeline.StringValue("202606"))
	pc.SetVariable("input_dir", pipeline.StringValue(in))
	pc.SetVariable("output_dir", pipeline.StringValue(out))
	pc.SetVariable("tolerance", pipeline.StringValue("0.01"))
	pc.SetVariable("escrow_filename", pipeline.StringValue("escrow_recon_202607.csv"))
	pc.SetVariable("trust_account_filename", pipeline.StringValue("trust_account_fee_202607.csv"))
	pc.SetVariable("daily_check_filename", pipeline.StringValue("daily_check_202607.csv"))
	pc.SetVariable("entry_filename", pipeline.StringValue("journal_entries_202607.csv"))
	return pc, in, out
}

func newCache() *datasource.Cache {
	return datasource.NewCache(time.Minute, 16)
}

// writeInput materializes a fixture table as a CSV file in dir.
func writeInput(t *testing.T, dir, name string, schema table.Schema, rows ...[]any) {
	t.Helper()
	tab, err := table.New(schema...)
	if err != nil {
		t.Fatalf("build fixture schema: %v", err)
	}
	for _, row := range rows {
		if err := tab.AppendRow(row...); err != nil {
			t.Fatalf("append fixture row: %v", err)
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer f.Close()
	if err := table.WriteCSV(f, tab); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func day(d int) time.Time {
	return time.Date(2026, 7, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func hasWarning(pc *pipeline.Context, substr string) bool {
	for _, w := range pc.Warnings() {
		if strings.Contains(w.Text, substr) {
			return true
		}
	}
	return false
}

func mustValidation(t *testing.T, pc *pipeline.Context, name string) pipeline.ValidationResult {
	t.Helper()
	res, ok := pc.Validations()[name]
	if !ok {
		t.Fatalf("validation %q not recorded, have %v", name, pc.Validations())
	}
	return res
}

// findRow returns the first row where col equals want, failing the test
// when no row matches.
func findRow(t *testing.T, tab *table.Table, col, want string) table.Row {
	t.Helper()
	for i := 0; i < tab.NumRows(); i++ {
		if tab.Row(i).String(col) == want {
			return tab.Row(i)
		}
	}
	t.Fatalf("no row with %s=%q in %d rows", col, want, tab.NumRows())
	return table.Row{}
}
