package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

func miniTable(t *testing.T, rows int) *table.Table {
	t.Helper()
	tbl, err := table.New(
		table.Column{Name: "id", Kind: table.Int64},
		table.Column{Name: "amount", Kind: table.Decimal},
	)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	for i := 0; i < rows; i++ {
		if err := tbl.AppendRow(int64(i), decimal.NewFromInt(int64(i*100))); err != nil {
			t.Fatalf("AppendRow: %v", err)
		}
	}
	return tbl
}

func TestContextDataAndVariables(t *testing.T) {
	pc := NewContext("bank_recon", "transform")
	if pc.RunID() == "" {
		t.Fatal("new context must carry a run id")
	}
	if pc.PrimaryData() != nil {
		t.Fatal("primary data starts unset")
	}
	if err := pc.UpdateData(nil); err == nil {
		t.Fatal("nil primary table must be rejected")
	}

	tbl := miniTable(t, 3)
	if err := pc.UpdateData(tbl); err != nil {
		t.Fatalf("UpdateData: %v", err)
	}
	if got := pc.PrimaryData().NumRows(); got != 3 {
		t.Fatalf("primary rows: got %d, want 3", got)
	}

	if err := pc.AddAuxiliaryData("", tbl); err == nil {
		t.Fatal("empty auxiliary name must be rejected")
	}
	if err := pc.AddAuxiliaryData("escrow", miniTable(t, 1)); err != nil {
		t.Fatalf("AddAuxiliaryData: %v", err)
	}
	if err := pc.AddAuxiliaryData("bank", miniTable(t, 2)); err != nil {
		t.Fatalf("AddAuxiliaryData: %v", err)
	}
	if _, ok := pc.AuxiliaryData("missing"); ok {
		t.Fatal("lookup of an absent dataset must report absence")
	}
	if _, err := pc.MustAuxiliaryData("missing"); err == nil {
		t.Fatal("MustAuxiliaryData must fail for an absent dataset")
	}
	names := pc.AuxiliaryNames()
	if len(names) != 2 || names[0] != "bank" || names[1] != "escrow" {
		t.Fatalf("auxiliary names: got %v", names)
	}

	pc.SetVariable("period", StringValue("2026-07"))
	pc.SetVariable("row_limit", IntValue(500))
	if got := pc.StringVar("period", ""); got != "2026-07" {
		t.Fatalf("StringVar: got %q", got)
	}
	if got := pc.IntVar("row_limit", 0); got != 500 {
		t.Fatalf("IntVar: got %d", got)
	}
	if got := pc.IntVar("absent", 7); got != 7 {
		t.Fatalf("IntVar default: got %d", got)
	}
	vars := pc.Variables()
	vars["period"] = StringValue("mutated")
	if got := pc.StringVar("period", ""); got != "2026-07" {
		t.Fatal("Variables must return a copy")
	}
}

func TestContextTrailsAndHistory(t *testing.T) {
	pc := NewContext("bank_recon", "transform")
	if pc.HasErrors() || pc.HasWarnings() {
		t.Fatal("fresh context must be clean")
	}
	pc.AddError("step blew up")
	pc.AddWarning("source was slow")
	if !pc.HasErrors() || !pc.HasWarnings() {
		t.Fatal("trails not recorded")
	}
	if pc.Errors()[0].At.IsZero() {
		t.Fatal("error entries must be timestamped")
	}

	pc.RecordStep(StepRecord{StepName: "LoadBank", Status: StatusSuccess, Attempts: 1})
	pc.RecordStep(StepRecord{StepName: "Aggregate", Status: StatusFailure, Attempts: 3})
	if pc.HistoryLength() != 2 {
		t.Fatalf("history length: got %d", pc.HistoryLength())
	}
	hist := pc.History()
	hist[0].StepName = "mutated"
	if pc.History()[0].StepName != "LoadBank" {
		t.Fatal("History must return a copy")
	}

	pc.SetValidation(ValidationResult{Name: "row_counts", Passed: true, CheckedAt: time.Now()})
	if v, ok := pc.Validations()["row_counts"]; !ok || !v.Passed {
		t.Fatalf("validation not recorded: %+v", pc.Validations())
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	pc := NewContext("bank_recon", "full")
	if err := pc.UpdateData(miniTable(t, 2)); err != nil {
		t.Fatalf("UpdateData: %v", err)
	}
	if err := pc.AddAuxiliaryData("escrow", miniTable(t, 1)); err != nil {
		t.Fatalf("AddAuxiliaryData: %v", err)
	}
	pc.SetVariable("cutoff", TimeValue(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)))
	pc.SetVariable("batch", IntValue(42))
	pc.AddError("one error")
	pc.RecordStep(StepRecord{StepName: "LoadBank", Status: StatusSuccess, Attempts: 1})

	snap := pc.Snapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var back Snapshot
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	aux := map[string]*table.Table{"escrow": miniTable(t, 1)}
	restored, err := Restore(back, miniTable(t, 2), aux)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.RunID() != pc.RunID() {
		t.Fatalf("run id changed across restore: %s vs %s", restored.RunID(), pc.RunID())
	}
	if restored.TaskName() != "bank_recon" || restored.TaskType() != "full" {
		t.Fatal("task identity lost")
	}
	if got := restored.IntVar("batch", 0); got != 42 {
		t.Fatalf("int variable after restore: got %d, want 42 as int", got)
	}
	if ct, ok := restored.Variable("cutoff", Value{}).Time(); !ok || !ct.Equal(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("time variable after restore: %v ok=%v", ct, ok)
	}
	if restored.HistoryLength() != 1 || !restored.HasErrors() {
		t.Fatal("history or error trail lost")
	}

	if _, err := Restore(Snapshot{}, nil, nil); err == nil {
		t.Fatal("restore of an identity-less snapshot must fail")
	}
}
