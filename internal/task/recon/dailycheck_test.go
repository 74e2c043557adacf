package recon

import (
	"context"
	"testing"

	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
)

func TestLoadDailyCheckParams(t *testing.T) {
	pc, in, _ := newRunContext(t)
	writeInput(t, in, chargeRatesFile, ChargeRateSchema(),
		[]any{"cub", dec("0.02")},
		[]any{"ctbc", dec("0.018")},
	)
	writeInput(t, in, rebatesFile, RebateSchema(),
		[]any{"cub", day(10), dec("12")},
		// previous period, filtered out
		[]any{"cub", day(10).AddDate(0, -1, 0), dec("99")},
	)

	step := NewLoadDailyCheckParams(newCache())
	if err := step.ValidateInput(pc); err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rates, err := pc.MustAuxiliaryData("charge_rates")
	if err != nil {
		t.Fatalf("charge rates: %v", err)
	}
	if rates.NumRows() != 2 {
		t.Errorf("charge rate rows = %d, want 2", rates.NumRows())
	}
	rebates, err := pc.MustAuxiliaryData("rebates")
	if err != nil {
		t.Fatalf("rebates: %v", err)
	}
	if rebates.NumRows() != 1 {
		t.Errorf("rebate rows = %d, want 1 (out of period dropped)", rebates.NumRows())
	}
	if got := pc.StringVar("frr_filename", ""); got != "frr_202607.csv" {
		t.Errorf("frr_filename = %q", got)
	}
}

func TestLoadDailyCheckParamsRebatesOptional(t *testing.T) {
	pc, in, _ := newRunContext(t)
	writeInput(t, in, chargeRatesFile, ChargeRateSchema(),
		[]any{"cub", dec("0.02")},
	)

	step := NewLoadDailyCheckParams(newCache())
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !hasWarning(pc, "assuming no rebates") {
		t.Errorf("missing rebate warning, have %v", pc.Warnings())
	}
	rebates, err := pc.MustAuxiliaryData("rebates")
	if err != nil {
		t.Fatalf("rebates: %v", err)
	}
	if rebates.NumRows() != 0 {
		t.Errorf("rebate rows = %d, want 0", rebates.NumRows())
	}
}

func TestProcessFRRSummarizes(t *testing.T) {
	pc, in, _ := newRunContext(t)
	pc.SetVariable("frr_filename", pipeline.StringValue("frr_202607.csv"))
	writeInput(t, in, "frr_202607.csv", FRRSchema(),
		[]any{day(1), "cub", dec("10"), dec("2"), dec("1000")},
		[]any{day(2), "cub", dec("12"), dec("2"), dec("1200")},
		[]any{day(1), "CTBC", dec("8"), dec("1"), dec("800")},
	)

	step := NewProcessFRR(newCache())
	if ok, reason := step.CheckPrerequisites(pc); !ok {
		t.Fatalf("prerequisites failed: %s", reason)
	}
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fees, err := pc.MustAuxiliaryData("frr_handling_fee")
	if err != nil {
		t.Fatalf("handling fees: %v", err)
	}
	row := findRow(t, fees, "bank", "cub")
	if got := row.Decimal("handling_fee"); !got.Equal(dec("22")) {
		t.Errorf("cub handling fee = %s, want 22", got)
	}
	// bank names are folded to lower case in the summaries
	row = findRow(t, fees, "bank", "ctbc")
	if got := row.Decimal("handling_fee"); !got.Equal(dec("8")) {
		t.Errorf("ctbc handling fee = %s, want 8", got)
	}

	billing, err := pc.MustAuxiliaryData("frr_net_billing")
	if err != nil {
		t.Fatalf("net billing: %v", err)
	}
	row = findRow(t, billing, "bank", "cub")
	if got := row.Decimal("net_billing"); !got.Equal(dec("2200")) {
		t.Errorf("cub net billing = %s, want 2200", got)
	}

	// 31 day window with 2 distinct report days
	if !hasWarning(pc, "missing 29 days") {
		t.Errorf("missing gap warning, have %v", pc.Warnings())
	}
}

func TestProcessFRRNeedsParams(t *testing.T) {
	pc, _, _ := newRunContext(t)
	step := NewProcessFRR(newCache())
	if ok, _ := step.CheckPrerequisites(pc); ok {
		t.Fatal("prerequisites should fail before daily check params load")
	}
}

func TestProcessDFRRollforward(t *testing.T) {
	pc, in, _ := newRunContext(t)
	writeInput(t, in, dfrFile, DFRSchema(),
		// balanced account: 100 + 50 - 30 = 120
		[]any{day(1), "cub", "trust-1", dec("100"), dec("20"), dec("10"), dec("110"), dec("0.5")},
		[]any{day(2), "cub", "trust-1", dec("110"), dec("30"), dec("20"), dec("120"), dec("0.5")},
		// broken account: closing off by 7
		[]any{day(1), "ctbc", "trust-9", dec("200"), dec("0"), dec("0"), dec("207"), dec("1")},
	)

	step := NewProcessDFR(newCache())
	if _, err := step.Run(context.Background(), pc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wp, err := pc.MustAuxiliaryData("dfr_wp")
	if err != nil {
		t.Fatalf("workpaper: %v", err)
	}
	if wp.NumRows() != 2 {
		t.Fatalf("workpaper rows = %d, want 2", wp.NumRows())
	}

	good := findRow(t, wp, "account", "trust-1")
	if got := good.Decimal("diff"); !got.IsZero() {
		t.Errorf("trust-1 diff = %s, want 0", got)
	}
	bad := findRow(t, wp, "account", "trust-9")
	if got := bad.Decimal("diff"); !got.Equal(dec("7")) {
		t.Errorf("trust-9 diff = %s, want 7", got)
	}

	if v := mustValidation(t, pc, "dfr_balance_rollforward"); v.Passed {
		t.Error("rollforward should fail with a broken account")
	}
	if !hasWarning(pc, "trust-9") {
		t.Errorf("missing balance warning, have %v", pc.Warnings())
	}

	interest, err := pc.MustAuxiliaryData("dfr_result")
	if err != nil {
		t.Fatalf("interest: %v", err)
	}
	row := findRow(t, interest, "bank", "cub")
	if got := row.Decimal("interest"); !got.Equal(dec("1")) {
		t.Errorf("cub interest = %s, want 1", got)
	}
}
