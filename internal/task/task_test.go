package task

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/table"
	"github.com/Allen15763/spe-bank-recon/internal/task/recon"
	"github.com/shopspring/decimal"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	in := filepath.Join(root, "input")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Task: config.TaskConfig{
			Name:          "bank_recon",
			InputDir:      in,
			OutputDir:     filepath.Join(root, "output"),
			StopOnError:   true,
			Tolerance:     "0.01",
			CacheTTL:      time.Minute,
			CacheMaxItems: 8,
			Banks: []config.BankConfig{
				{
					Name:          "CUB",
					StatementPath: "cub_statement.csv",
					Categories:    []string{"settlement"},
					FeeRate:       "0.015",
					FeeAccount:    "6110",
				},
			},
		},
		Checkpoint: config.CheckpointConfig{
			Enabled:  true,
			Dir:      filepath.Join(root, "checkpoints"),
			KeepLast: 3,
		},
	}
}

func quietRunner(t *testing.T, cfg *config.Config) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func writeCSV(t *testing.T, dir, name string, schema table.Schema, rows ...[]any) {
	t.Helper()
	tab, err := table.New(schema...)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if err := tab.AppendRow(row...); err != nil {
			t.Fatal(err)
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := table.WriteCSV(f, tab); err != nil {
		t.Fatal(err)
	}
}

func july(d int) time.Time {
	return time.Date(2026, 7, d, 0, 0, 0, 0, time.UTC)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func julyVars() map[string]pipeline.Value {
	return map[string]pipeline.Value{
		"beg_date": pipeline.StringValue("2026-07-01"),
		"end_date": pipeline.StringValue("2026-07-31"),
	}
}

// writeEscrowInputs writes the statement and invoice fixtures the escrow
// mode reads. Fee 45 on 3000 claimed matches the configured 1.5 percent.
func writeEscrowInputs(t *testing.T, in string) {
	t.Helper()
	writeCSV(t, in, "cub_statement.csv", recon.StatementSchema(),
		[]any{"T1", "settlement", july(5), d("3000"), d("-100"), d("45")},
	)
	writeCSV(t, in, "invoices.csv", recon.InvoiceSchema(),
		[]any{"INV-1", "settlement", july(31), "July handling fee", d("45"), d("2.25"), d("47.25")},
	)
}

// writeDailyAndEntryInputs writes everything the steps after the escrow
// part of full_with_entry read.
func writeDailyAndEntryInputs(t *testing.T, in string) {
	t.Helper()
	writeCSV(t, in, "installments.csv", recon.InstallmentSchema(),
		[]any{"cub", int64(3), d("300"), d("9")},
	)
	writeCSV(t, in, "charge_rates.csv", recon.ChargeRateSchema(),
		[]any{"cub", d("0.02")},
	)
	writeCSV(t, in, "frr_202607.csv", recon.FRRSchema(),
		[]any{july(1), "cub", d("20"), d("2"), d("1500")},
		[]any{july(2), "cub", d("25"), d("2"), d("1500")},
	)
	writeCSV(t, in, "dfr_balances.csv", recon.DFRSchema(),
		[]any{july(1), "cub", "trust-1", d("100"), d("50"), d("30"), d("120"), d("0.8")},
	)
}

func TestRunnerExecuteEscrow(t *testing.T) {
	cfg := testConfig(t)
	writeEscrowInputs(t, cfg.Task.InputDir)
	r := quietRunner(t, cfg)

	res, err := r.Execute(context.Background(), "escrow", julyVars())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Summary.Success {
		t.Fatalf("run failed: %v", res.Summary.Errors)
	}
	if res.Summary.TotalSteps != 3 || res.Summary.SuccessfulSteps != 3 {
		t.Fatalf("steps = %d/%d, want 3/3", res.Summary.SuccessfulSteps, res.Summary.TotalSteps)
	}

	summary, err := res.Context.MustAuxiliaryData("escrow_summary")
	if err != nil {
		t.Fatalf("escrow summary: %v", err)
	}
	if got := summary.Row(0).Decimal("trust_account_amount"); !got.Equal(d("2900")) {
		t.Errorf("trust = %s, want 2900", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.Task.OutputDir, "escrow_recon_202607.csv")); err != nil {
		t.Errorf("escrow workpaper missing: %v", err)
	}

	infos, err := r.ListCheckpoints(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("checkpoints = %d, want one per successful step", len(infos))
	}
}

func TestRunnerResumeContinuesAfterCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	writeEscrowInputs(t, cfg.Task.InputDir)
	writeDailyAndEntryInputs(t, cfg.Task.InputDir)
	r := quietRunner(t, cfg)

	first, err := r.Execute(context.Background(), "escrow", julyVars())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !first.Summary.Success {
		t.Fatalf("escrow run failed: %v", first.Summary.Errors)
	}

	// latest checkpoint is after Aggregate_Settlement; the resume picks up
	// at Load_Installment and runs the rest of full_with_entry
	res, err := r.Resume(context.Background(), "", "", "")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !res.Summary.Success {
		t.Fatalf("resume failed: %v", res.Summary.Errors)
	}
	if res.Summary.TotalSteps != 9 {
		t.Errorf("resumed steps = %d, want 9", res.Summary.TotalSteps)
	}
	if res.RunID != first.RunID {
		t.Errorf("resume run id = %s, want %s", res.RunID, first.RunID)
	}

	// escrow results from before the checkpoint are still there
	if _, err := res.Context.MustAuxiliaryData("escrow_summary"); err != nil {
		t.Errorf("escrow summary lost across resume: %v", err)
	}
	entries, err := res.Context.MustAuxiliaryData("journal_entries")
	if err != nil {
		t.Fatalf("journal entries: %v", err)
	}
	if entries.NumRows() == 0 {
		t.Error("no journal entries generated")
	}

	history := res.Context.History()
	names := make([]string, len(history))
	for i, rec := range history {
		names[i] = rec.StepName
	}
	joined := strings.Join(names, ",")
	if strings.Count(joined, "Load_Parameters") != 1 {
		t.Errorf("Load_Parameters should not rerun on resume: %s", joined)
	}
	if !strings.Contains(joined, "Output_Workpaper") {
		t.Errorf("resume did not reach the final step: %s", joined)
	}

	if _, err := os.Stat(filepath.Join(cfg.Task.OutputDir, "journal_entries_202607.csv")); err != nil {
		t.Errorf("entries workpaper missing: %v", err)
	}
}

func TestRunnerResumeFromNamedStep(t *testing.T) {
	cfg := testConfig(t)
	writeEscrowInputs(t, cfg.Task.InputDir)
	r := quietRunner(t, cfg)

	first, err := r.Execute(context.Background(), "escrow", julyVars())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res, err := r.Resume(context.Background(), first.RunID, "", "Aggregate_Settlement")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Summary.TotalSteps != 10 {
		t.Errorf("steps from Aggregate_Settlement = %d, want 10", res.Summary.TotalSteps)
	}
}

func TestRunnerExecuteUnknownMode(t *testing.T) {
	cfg := testConfig(t)
	r := quietRunner(t, cfg)
	if _, err := r.Execute(context.Background(), "nope", nil); err == nil {
		t.Fatal("Execute should reject an unknown mode")
	}
}

func TestRunnerExecuteRejectsBadLayout(t *testing.T) {
	cfg := testConfig(t)
	// output path exists but is a file
	if err := os.WriteFile(cfg.Task.OutputDir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := quietRunner(t, cfg)
	if _, err := r.Execute(context.Background(), "escrow", julyVars()); err == nil {
		t.Fatal("Execute should fail on a structural input problem")
	}
}

func TestRunnerValidateInputs(t *testing.T) {
	cfg := testConfig(t)
	r := quietRunner(t, cfg)

	v := r.ValidateInputs("escrow")
	if !v.Valid {
		t.Fatalf("missing files must not invalidate: %+v", v)
	}
	if len(v.Warnings) == 0 {
		t.Fatal("expected warnings for missing inputs")
	}
	found := false
	for _, w := range v.Warnings {
		if strings.Contains(w, "cub_statement.csv") && strings.Contains(w, "Process_CUB") {
			found = true
		}
	}
	if !found {
		t.Errorf("no statement warning in %v", v.Warnings)
	}

	if v := r.ValidateInputs("nope"); v.Valid {
		t.Error("unknown mode should be invalid")
	}

	cfg2 := testConfig(t)
	cfg2.Task.Banks = nil
	r2 := quietRunner(t, cfg2)
	if v := r2.ValidateInputs("escrow"); v.Valid {
		t.Error("bank mode without banks should be invalid")
	}
}

func TestRunnerStepNamesExpandBanks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Task.Banks = append(cfg.Task.Banks, config.BankConfig{
		Name:          "CTBC",
		StatementPath: "ctbc_statement.csv",
	})
	r := quietRunner(t, cfg)

	names, err := r.StepNames("escrow")
	if err != nil {
		t.Fatalf("StepNames: %v", err)
	}
	want := []string{"Load_Parameters", "Process_CUB", "Process_CTBC", "Aggregate_Settlement"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestRunnerModes(t *testing.T) {
	cfg := testConfig(t)
	r := quietRunner(t, cfg)
	modes := r.Modes()
	if len(modes) != 6 {
		t.Fatalf("modes = %d, want 6", len(modes))
	}
	if modes[0].Name != "daily_check" {
		t.Errorf("first mode = %s, want daily_check (sorted)", modes[0].Name)
	}
}

func TestRunnerCheckpointsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Enabled = false
	writeEscrowInputs(t, cfg.Task.InputDir)
	r := quietRunner(t, cfg)

	res, err := r.Execute(context.Background(), "escrow", julyVars())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Summary.Success {
		t.Fatalf("run failed: %v", res.Summary.Errors)
	}
	if _, err := r.Resume(context.Background(), "", "", ""); err == nil {
		t.Fatal("Resume should fail with checkpoints disabled")
	}
	if _, err := r.ListCheckpoints(context.Background(), ""); err == nil {
		t.Fatal("ListCheckpoints should fail with checkpoints disabled")
	}
}
