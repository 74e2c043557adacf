package recon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

func reconFixture(t *testing.T, bank string, claimed, refunded, fee string) *table.Table {
	t.Helper()
	tab, err := table.New(reconSchema()...)
	if err != nil {
		t.Fatalf("recon schema: %v", err)
	}
	trust := dec(claimed).Sub(dec(refunded))
	if err := tab.AppendRow(bank, "settlement", dec(claimed), dec(refunded), trust, dec(fee), dec("0"), dec("0")); err != nil {
		t.Fatalf("append: %v", err)
	}
	return tab
}

func TestAggregateSettlementMergesBanks(t *testing.T) {
	pc, in, out := newRunContext(t)
	if err := pc.AddAuxiliaryData("recon_cub", reconFixture(t, "cub", "3000", "100", "45")); err != nil {
		t.Fatal(err)
	}
	if err := pc.AddAuxiliaryData("recon_ctbc", reconFixture(t, "ctbc", "2000", "0", "40")); err != nil {
		t.Fatal(err)
	}
	// one handling fee invoice covering both banks' settlement fees
	writeInput(t, in, invoicesFile, InvoiceSchema(),
		[]any{"INV-1", "settlement", day(31), "July handling fee", dec("85"), dec("4.25"), dec("89.25")},
		[]any{"INV-2", "settlement", day(31), "office supplies", dec("999"), dec("49.95"), dec("1048.95")},
	)

	step := NewAggregateSettlement(newCache())
	if ok, reason := step.CheckPrerequisites(pc); !ok {
		t.Fatalf("prerequisites failed: %s", reason)
	}
	res, err := step.Run(context.Background(), pc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary, err := pc.MustAuxiliaryData("escrow_summary")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.NumRows() != 2 {
		t.Fatalf("summary rows = %d, want 2", summary.NumRows())
	}
	if pc.PrimaryData() == nil || !pc.PrimaryData().Equal(summary) {
		t.Error("primary data should be the settlement summary")
	}

	if v := mustValidation(t, pc, "invoice_vs_statement_fee"); !v.Passed {
		t.Errorf("invoice check should pass: %s", v.Message)
	}
	invoiced, err := pc.MustAuxiliaryData("invoice_summary")
	if err != nil {
		t.Fatalf("invoice summary: %v", err)
	}
	if invoiced.NumRows() != 1 {
		t.Fatalf("invoice summary rows = %d, want 1 (non fee invoices excluded)", invoiced.NumRows())
	}
	if got := invoiced.Row(0).Decimal("amount_excl_tax"); !got.Equal(dec("85")) {
		t.Errorf("invoiced = %s, want 85", got)
	}

	if _, err := os.Stat(filepath.Join(out, "escrow_recon_202607.csv")); err != nil {
		t.Errorf("escrow workpaper not written: %v", err)
	}
	if res.Metadata["banks"] != 2 {
		t.Errorf("metadata banks = %v, want 2", res.Metadata["banks"])
	}
}

func TestAggregateSettlementInvoiceMismatch(t *testing.T) {
	pc, in, _ := newRunContext(t)
	if err := pc.AddAuxiliaryData("recon_cub", reconFixture(t, "cub", "3000", "0", "45")); err != nil {
		t.Fatal(err)
	}
	writeInput(t, in, invoicesFile, InvoiceSchema(),
		[]any{"INV-1", "settlement", day(31), "handling fee July", dec("70"), dec("3.5"), dec("73.5")},
	)

	step := NewAggregateSettlement(newCache())
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := mustValidation(t, pc, "invoice_vs_statement_fee"); v.Passed {
		t.Error("invoice check should fail on a 25 difference")
	}
	if !hasWarning(pc, "statement fee") {
		t.Errorf("missing mismatch warning, have %v", pc.Warnings())
	}
}

func TestAggregateSettlementNeedsBankResults(t *testing.T) {
	pc, _, _ := newRunContext(t)
	step := NewAggregateSettlement(newCache())
	ok, reason := step.CheckPrerequisites(pc)
	if ok {
		t.Fatal("prerequisites should fail without bank tables")
	}
	if reason != "no bank reconciliation results" {
		t.Errorf("reason = %q", reason)
	}
}

func TestAggregateSettlementMissingInvoices(t *testing.T) {
	pc, _, _ := newRunContext(t)
	if err := pc.AddAuxiliaryData("recon_cub", reconFixture(t, "cub", "100", "0", "1")); err != nil {
		t.Fatal(err)
	}
	step := NewAggregateSettlement(newCache())
	if err := step.ValidateInput(pc); err == nil {
		t.Fatal("ValidateInput should fail when invoices.csv is missing")
	}
}
