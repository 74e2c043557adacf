package recon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

func TestLoadInstallmentDropsTermless(t *testing.T) {
	pc, in, _ := newRunContext(t)
	writeInput(t, in, installmentsFile, InstallmentSchema(),
		[]any{"cub", int64(3), dec("300"), dec("9")},
		[]any{"cub", int64(6), dec("600"), dec("24")},
		[]any{"cub", int64(0), dec("50"), dec("1")},
	)

	step := NewLoadInstallment(newCache())
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	installments, err := pc.MustAuxiliaryData("installments")
	if err != nil {
		t.Fatalf("installments: %v", err)
	}
	if installments.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", installments.NumRows())
	}
	if !hasWarning(pc, "without a term") {
		t.Errorf("missing termless warning, have %v", pc.Warnings())
	}
}

func TestGenerateTrustAccountTiesToSettlement(t *testing.T) {
	pc, _, out := newRunContext(t)

	installments, err := table.New(InstallmentSchema()...)
	if err != nil {
		t.Fatal(err)
	}
	if err := installments.AppendRow("cub", int64(3), dec("300"), dec("9")); err != nil {
		t.Fatal(err)
	}
	if err := installments.AppendRow("cub", int64(6), dec("600"), dec("24")); err != nil {
		t.Fatal(err)
	}
	if err := pc.AddAuxiliaryData("installments", installments); err != nil {
		t.Fatal(err)
	}
	if err := pc.AddAuxiliaryData("escrow_summary", reconFixture(t, "cub", "3000", "100", "45")); err != nil {
		t.Fatal(err)
	}

	step := NewGenerateTrustAccount()
	res, err := step.Run(context.Background(), pc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	trust, err := pc.MustAuxiliaryData("trust_account_fee")
	if err != nil {
		t.Fatalf("trust table: %v", err)
	}
	// 3, 6, normal, bank total, grand total
	if trust.NumRows() != 5 {
		t.Fatalf("rows = %d, want 5", trust.NumRows())
	}

	normal := findRow(t, trust, "term", "normal")
	if got := normal.Decimal("claimed"); !got.Equal(dec("2000")) {
		t.Errorf("normal claimed = %s, want 2000 (2900 trust less 900 installments)", got)
	}
	bankTotal := findRow(t, trust, "term", "total")
	if got := bankTotal.Decimal("claimed"); !got.Equal(dec("2900")) {
		t.Errorf("bank total = %s, want 2900", got)
	}

	if v := mustValidation(t, pc, "trust_account_vs_settlement"); !v.Passed {
		t.Errorf("tie out should pass: %s", v.Message)
	}
	if _, err := os.Stat(filepath.Join(out, "trust_account_fee_202607.csv")); err != nil {
		t.Errorf("workpaper not written: %v", err)
	}
	if res.Metadata["banks"] != 1 {
		t.Errorf("metadata banks = %v, want 1", res.Metadata["banks"])
	}
}

func TestGenerateTrustAccountWithoutSettlement(t *testing.T) {
	pc, _, _ := newRunContext(t)

	installments, err := table.New(InstallmentSchema()...)
	if err != nil {
		t.Fatal(err)
	}
	if err := installments.AppendRow("cub", int64(3), dec("300"), dec("9")); err != nil {
		t.Fatal(err)
	}
	if err := pc.AddAuxiliaryData("installments", installments); err != nil {
		t.Fatal(err)
	}

	step := NewGenerateTrustAccount()
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !hasWarning(pc, "settlement summary not available") {
		t.Errorf("missing warning, have %v", pc.Warnings())
	}
	trust, err := pc.MustAuxiliaryData("trust_account_fee")
	if err != nil {
		t.Fatal(err)
	}
	// 3, bank total, grand total; no normal bucket without a settlement
	if trust.NumRows() != 3 {
		t.Fatalf("rows = %d, want 3", trust.NumRows())
	}
	if _, ok := pc.Validations()["trust_account_vs_settlement"]; ok {
		t.Error("tie out should not be recorded without a settlement")
	}
}

func TestGenerateTrustAccountOverdrawnNormal(t *testing.T) {
	pc, _, _ := newRunContext(t)

	installments, err := table.New(InstallmentSchema()...)
	if err != nil {
		t.Fatal(err)
	}
	// installments exceed the settlement trust amount
	if err := installments.AppendRow("cub", int64(12), dec("5000"), dec("100")); err != nil {
		t.Fatal(err)
	}
	if err := pc.AddAuxiliaryData("installments", installments); err != nil {
		t.Fatal(err)
	}
	if err := pc.AddAuxiliaryData("escrow_summary", reconFixture(t, "cub", "3000", "100", "45")); err != nil {
		t.Fatal(err)
	}

	step := NewGenerateTrustAccount()
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !hasWarning(pc, "exceed settlement trust") {
		t.Errorf("missing overdraw warning, have %v", pc.Warnings())
	}
	if v := mustValidation(t, pc, "trust_account_vs_settlement"); v.Passed {
		t.Error("tie out should fail when installments exceed trust")
	}
}

func TestGenerateTrustAccountNeedsInstallments(t *testing.T) {
	pc, _, _ := newRunContext(t)
	step := NewGenerateTrustAccount()
	if ok, _ := step.CheckPrerequisites(pc); ok {
		t.Fatal("prerequisites should fail without installments")
	}
}
