package recon

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/datasource"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/table"
	"github.com/shopspring/decimal"
)

// StatementStep reconciles one bank's statement export. Every configured
// bank gets its own instance; the per-bank differences (statement path,
// categories, fee policy) all come from config.
type StatementStep struct {
	pipeline.BaseStep
	bank  config.BankConfig
	cache *datasource.Cache
}

// NewStatementStep returns the reconciliation step for one bank.
func NewStatementStep(bank config.BankConfig, cache *datasource.Cache) *StatementStep {
	return &StatementStep{
		BaseStep: pipeline.BaseStep{
			StepName:    "Process_" + strings.ToUpper(bank.Name),
			Description: fmt.Sprintf("reconcile %s statement", bank.Name),
		},
		bank:  bank,
		cache: cache,
	}
}

// CheckPrerequisites requires the parameter step to have run.
func (s *StatementStep) CheckPrerequisites(pc *pipeline.Context) (bool, string) {
	if pc.StringVar("beg_date", "") == "" {
		return false, "date window not loaded"
	}
	return true, ""
}

// ValidateInput fails the step before Run when the statement file is
// missing.
func (s *StatementStep) ValidateInput(pc *pipeline.Context) error {
	path := inputPath(pc, s.bank.StatementPath)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("statement for %s: %w", s.bank.Name, err)
	}
	return nil
}

func (s *StatementStep) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	win, err := periodFrom(pc)
	if err != nil {
		return nil, err
	}

	statement, err := readInput(ctx, pc, s.cache, s.bank.StatementPath, StatementSchema())
	if err != nil {
		return nil, fmt.Errorf("read statement: %w", err)
	}

	current := statement.Filter(func(r table.Row) bool {
		return !r.IsNull("disbursement_date") && win.Contains(r.Time("disbursement_date"))
	})

	categories := s.bank.Categories
	if len(categories) == 0 {
		categories = []string{"default"}
	}

	result, err := table.New(reconSchema()...)
	if err != nil {
		return nil, err
	}

	tol := tolerance(pc)
	feeRate := decimal.Zero
	hasFeePolicy := s.bank.FeeRate != ""
	if hasFeePolicy {
		feeRate, err = decimal.NewFromString(s.bank.FeeRate)
		if err != nil {
			return nil, fmt.Errorf("fee rate for %s: %w", s.bank.Name, err)
		}
	}

	feeOK := true
	totalClaimed, totalFee := decimal.Zero, decimal.Zero
	for _, category := range categories {
		rows := current
		if category != "default" {
			rows = current.Filter(func(r table.Row) bool {
				return strings.EqualFold(r.String("category"), category)
			})
		}

		claimed, err := rows.SumDecimal("request_amount")
		if err != nil {
			return nil, err
		}
		refunded, err := rows.SumDecimal("return_amount")
		if err != nil {
			return nil, err
		}
		refunded = refunded.Abs()
		fee, err := rows.SumDecimal("handling_fee")
		if err != nil {
			return nil, err
		}

		trust := claimed.Sub(refunded)
		expected, diff := decimal.Zero, decimal.Zero
		if hasFeePolicy {
			expected = claimed.Mul(feeRate).Round(2)
			diff = fee.Sub(expected)
			if diff.Abs().GreaterThan(tol) {
				feeOK = false
				pc.AddWarning(fmt.Sprintf("%s %s: handling fee %s deviates from policy %s by %s",
					s.bank.Name, category, fee, expected, diff))
			}
		}

		if err := result.AppendRow(
			strings.ToLower(s.bank.Name), category,
			claimed, refunded, trust, fee, expected, diff,
		); err != nil {
			return nil, err
		}
		totalClaimed = totalClaimed.Add(claimed)
		totalFee = totalFee.Add(fee)
	}

	s.warnUnknownCategories(pc, current, categories)

	if hasFeePolicy {
		pc.SetValidation(pipeline.ValidationResult{
			Name:    "fee_policy_" + strings.ToLower(s.bank.Name),
			Passed:  feeOK,
			Message: fmt.Sprintf("handling fee vs rate %s within %s", s.bank.FeeRate, tol),
		})
	}

	if err := pc.AddAuxiliaryData(reconTableFor(s.bank.Name), result); err != nil {
		return nil, err
	}

	return &pipeline.StepResult{
		Status: pipeline.StatusSuccess,
		Message: fmt.Sprintf("reconciled %d categories, %d statement rows",
			len(categories), current.NumRows()),
		Metadata: map[string]any{
			"bank":          strings.ToLower(s.bank.Name),
			"rows_in_range": current.NumRows(),
			"total_claimed": totalClaimed.String(),
			"total_fee":     totalFee.String(),
		},
	}, nil
}

// warnUnknownCategories flags statement rows whose category is not
// configured; their amounts are excluded from the recon result.
func (s *StatementStep) warnUnknownCategories(pc *pipeline.Context, current *table.Table, categories []string) {
	if len(categories) == 1 && categories[0] == "default" {
		return
	}
	known := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		known[strings.ToLower(c)] = struct{}{}
	}
	unknown := make(map[string]int)
	for i := 0; i < current.NumRows(); i++ {
		cat := strings.ToLower(current.Row(i).String("category"))
		if _, ok := known[cat]; !ok {
			unknown[cat]++
		}
	}
	if len(unknown) == 0 {
		return
	}
	names := make([]string, 0, len(unknown))
	for cat := range unknown {
		names = append(names, cat)
	}
	sort.Strings(names)
	for _, cat := range names {
		pc.AddWarning(fmt.Sprintf("%s: %d rows in unconfigured category %q skipped",
			s.bank.Name, unknown[cat], cat))
	}
}
