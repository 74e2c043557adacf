package recon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

func apccSummaryFixture(t *testing.T, rows ...[]any) *table.Table {
	t.Helper()
	tab, err := table.New(
		table.Column{Name: "bank", Kind: table.String},
		table.Column{Name: "acquiring_charge", Kind: table.Decimal},
		table.Column{Name: "rebate", Kind: table.Decimal},
		table.Column{Name: "net_charge", Kind: table.Decimal},
	)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if err := tab.AppendRow(row...); err != nil {
			t.Fatal(err)
		}
	}
	return tab
}

func TestPrepareEntries(t *testing.T) {
	pc, _, _ := newRunContext(t)
	summary := apccSummaryFixture(t,
		[]any{"cub", dec("20"), dec("3"), dec("17")},
	)
	if err := pc.AddAuxiliaryData("apcc_summary", summary); err != nil {
		t.Fatal(err)
	}
	addBankTable(t, pc, "dfr_result", "interest", map[string]string{"cub": "1.5"})

	step := NewPrepareEntries()
	res, err := step.Run(context.Background(), pc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := pc.MustAuxiliaryData("journal_entries")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	// charge pair, rebate pair, interest pair
	if entries.NumRows() != 6 {
		t.Fatalf("entry lines = %d, want 6", entries.NumRows())
	}

	debits, err := entries.SumDecimal("debit")
	if err != nil {
		t.Fatal(err)
	}
	credits, err := entries.SumDecimal("credit")
	if err != nil {
		t.Fatal(err)
	}
	if !debits.Equal(credits) {
		t.Fatalf("debit %s != credit %s", debits, credits)
	}
	if !debits.Equal(dec("24.5")) {
		t.Errorf("total = %s, want 24.5", debits)
	}

	expense := findRow(t, entries, "account", "6121")
	if got := expense.Decimal("debit"); !got.Equal(dec("20")) {
		t.Errorf("expense debit = %s, want 20", got)
	}
	if expense.String("account_name") != "acquiring processing cost" {
		t.Errorf("account_name = %q", expense.String("account_name"))
	}
	income := findRow(t, entries, "account", "4111")
	if got := income.Decimal("credit"); !got.Equal(dec("1.5")) {
		t.Errorf("interest credit = %s, want 1.5", got)
	}
	for i := 0; i < entries.NumRows(); i++ {
		if got := entries.Row(i).Time("entry_date"); !got.Equal(day(31)) {
			t.Fatalf("entry_date = %s, want period end", got)
		}
	}

	if v := mustValidation(t, pc, "entries_balanced"); !v.Passed {
		t.Errorf("balance check should pass: %s", v.Message)
	}
	if pc.PrimaryData() == nil || !pc.PrimaryData().Equal(entries) {
		t.Error("primary data should be the entries")
	}
	if res.Metadata["lines"] != 6 {
		t.Errorf("metadata lines = %v, want 6", res.Metadata["lines"])
	}
}

func TestPrepareEntriesSkipsZeroAmounts(t *testing.T) {
	pc, _, _ := newRunContext(t)
	summary := apccSummaryFixture(t,
		[]any{"cub", dec("20"), dec("0"), dec("20")},
		[]any{"ctbc", dec("0"), dec("0"), dec("0")},
	)
	if err := pc.AddAuxiliaryData("apcc_summary", summary); err != nil {
		t.Fatal(err)
	}

	step := NewPrepareEntries()
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := pc.MustAuxiliaryData("journal_entries")
	if err != nil {
		t.Fatal(err)
	}
	// only the cub charge pair, no rebate, no ctbc, no interest
	if entries.NumRows() != 2 {
		t.Fatalf("entry lines = %d, want 2", entries.NumRows())
	}
	if !hasWarning(pc, "interest entries skipped") {
		t.Errorf("missing interest warning, have %v", pc.Warnings())
	}
}

func TestPrepareEntriesNeedsCharges(t *testing.T) {
	pc, _, _ := newRunContext(t)
	step := NewPrepareEntries()
	if ok, _ := step.CheckPrerequisites(pc); ok {
		t.Fatal("prerequisites should fail without the charge summary")
	}
}

func TestOutputWorkpaper(t *testing.T) {
	pc, _, out := newRunContext(t)

	wp, err := table.New(
		table.Column{Name: "bank", Kind: table.String},
		table.Column{Name: "diff", Kind: table.Decimal},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := wp.AppendRow("cub", dec("0")); err != nil {
		t.Fatal(err)
	}
	if err := pc.AddAuxiliaryData("dfr_wp", wp); err != nil {
		t.Fatal(err)
	}

	entries, err := table.New(EntrySchema()...)
	if err != nil {
		t.Fatal(err)
	}
	if err := entries.AppendRow(day(31), "6121", "acquiring processing cost", "cub", "memo", dec("20"), dec("0")); err != nil {
		t.Fatal(err)
	}
	if err := pc.AddAuxiliaryData("journal_entries", entries); err != nil {
		t.Fatal(err)
	}

	step := NewOutputWorkpaper()
	res, err := step.Run(context.Background(), pc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, name := range []string{
		"daily_check_202607_dfr_wp.csv",
		"journal_entries_202607.csv",
	} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
	files, ok := res.Metadata["files"].([]string)
	if !ok || len(files) != 2 {
		t.Errorf("metadata files = %v, want 2 paths", res.Metadata["files"])
	}
}

func TestOutputWorkpaperEmpty(t *testing.T) {
	pc, _, _ := newRunContext(t)
	step := NewOutputWorkpaper()
	if _, err := step.Run(context.Background(), pc); err == nil {
		t.Fatal("Run should fail with nothing to write")
	}
}
