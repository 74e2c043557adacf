package recon

import (
	"context"
	"testing"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
)

func cubBank() config.BankConfig {
	return config.BankConfig{
		Name:          "CUB",
		StatementPath: "cub_statement.csv",
		Categories:    []string{"settlement", "fee"},
		FeeRate:       "0.015",
		FeeAccount:    "6110",
	}
}

func TestStatementStepFiltersAndAggregates(t *testing.T) {
	pc, in, _ := newRunContext(t)
	writeInput(t, in, "cub_statement.csv", StatementSchema(),
		[]any{"T1", "settlement", day(5), dec("1000"), dec("0"), dec("15")},
		[]any{"T2", "settlement", day(20), dec("2000"), dec("-100"), dec("30")},
		[]any{"T3", "fee", day(7), dec("400"), dec("0"), dec("6")},
		// outside the window, must not count
		[]any{"T4", "settlement", day(5).AddDate(0, -2, 0), dec("9999"), dec("0"), dec("99")},
	)

	step := NewStatementStep(cubBank(), newCache())
	if err := step.ValidateInput(pc); err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
	res, err := step.Run(context.Background(), pc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}

	recon, err := pc.MustAuxiliaryData("recon_cub")
	if err != nil {
		t.Fatalf("recon table: %v", err)
	}
	if recon.NumRows() != 2 {
		t.Fatalf("recon rows = %d, want 2", recon.NumRows())
	}

	settle := findRow(t, recon, "category", "settlement")
	if got := settle.Decimal("claimed"); !got.Equal(dec("3000")) {
		t.Errorf("claimed = %s, want 3000", got)
	}
	if got := settle.Decimal("refunded"); !got.Equal(dec("100")) {
		t.Errorf("refunded = %s, want 100", got)
	}
	if got := settle.Decimal("trust_account_amount"); !got.Equal(dec("2900")) {
		t.Errorf("trust = %s, want 2900", got)
	}
	if got := settle.Decimal("service_fee"); !got.Equal(dec("45")) {
		t.Errorf("service_fee = %s, want 45", got)
	}
	if got := settle.Decimal("expected_fee"); !got.Equal(dec("45")) {
		t.Errorf("expected_fee = %s, want 45", got)
	}

	if v := mustValidation(t, pc, "fee_policy_cub"); !v.Passed {
		t.Errorf("fee policy should pass: %s", v.Message)
	}
	if pc.HasWarnings() {
		t.Errorf("unexpected warnings: %v", pc.Warnings())
	}
}

func TestStatementStepWarnsOnFeeDeviation(t *testing.T) {
	pc, in, _ := newRunContext(t)
	// fee should be 15 at 1.5 percent, 40 is way off
	writeInput(t, in, "cub_statement.csv", StatementSchema(),
		[]any{"T1", "settlement", day(5), dec("1000"), dec("0"), dec("40")},
	)

	step := NewStatementStep(cubBank(), newCache())
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if v := mustValidation(t, pc, "fee_policy_cub"); v.Passed {
		t.Error("fee policy should fail")
	}
	if !hasWarning(pc, "deviates from policy") {
		t.Errorf("missing fee deviation warning, have %v", pc.Warnings())
	}
	recon, _ := pc.AuxiliaryData("recon_cub")
	row := findRow(t, recon, "category", "settlement")
	if got := row.Decimal("fee_diff"); !got.Equal(dec("25")) {
		t.Errorf("fee_diff = %s, want 25", got)
	}
}

func TestStatementStepWarnsOnUnknownCategory(t *testing.T) {
	pc, in, _ := newRunContext(t)
	writeInput(t, in, "cub_statement.csv", StatementSchema(),
		[]any{"T1", "settlement", day(5), dec("1000"), dec("0"), dec("15")},
		[]any{"T2", "mystery", day(6), dec("500"), dec("0"), dec("5")},
	)

	step := NewStatementStep(cubBank(), newCache())
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !hasWarning(pc, `unconfigured category "mystery"`) {
		t.Errorf("missing unknown category warning, have %v", pc.Warnings())
	}
}

func TestStatementStepDefaultCategory(t *testing.T) {
	pc, in, _ := newRunContext(t)
	writeInput(t, in, "cub_statement.csv", StatementSchema(),
		[]any{"T1", "whatever", day(5), dec("1000"), dec("0"), dec("10")},
		[]any{"T2", "other", day(6), dec("500"), dec("-50"), dec("5")},
	)

	bank := cubBank()
	bank.Categories = nil
	bank.FeeRate = ""
	step := NewStatementStep(bank, newCache())
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recon, err := pc.MustAuxiliaryData("recon_cub")
	if err != nil {
		t.Fatalf("recon table: %v", err)
	}
	if recon.NumRows() != 1 {
		t.Fatalf("recon rows = %d, want 1", recon.NumRows())
	}
	row := recon.Row(0)
	if row.String("category") != "default" {
		t.Errorf("category = %q, want default", row.String("category"))
	}
	if got := row.Decimal("claimed"); !got.Equal(dec("1500")) {
		t.Errorf("claimed = %s, want 1500", got)
	}
	if got := row.Decimal("refunded"); !got.Equal(dec("50")) {
		t.Errorf("refunded = %s, want 50", got)
	}
}

func TestStatementStepMissingFile(t *testing.T) {
	pc, _, _ := newRunContext(t)
	step := NewStatementStep(cubBank(), newCache())
	if err := step.ValidateInput(pc); err == nil {
		t.Fatal("ValidateInput should fail when the statement is missing")
	}
}

func TestStatementStepNeedsWindow(t *testing.T) {
	pc := pipeline.NewContext("bank_recon", "transform")
	step := NewStatementStep(cubBank(), newCache())
	ok, reason := step.CheckPrerequisites(pc)
	if ok {
		t.Fatal("prerequisites should fail without a date window")
	}
	if reason == "" {
		t.Error("expected a reason")
	}
}
