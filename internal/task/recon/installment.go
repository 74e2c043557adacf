package recon

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/Allen15763/spe-bank-recon/internal/datasource"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/table"
	"github.com/shopspring/decimal"
)

// LoadInstallment loads the installment plan export for the period.
type LoadInstallment struct {
	pipeline.BaseStep
	cache *datasource.Cache
}

func NewLoadInstallment(cache *datasource.Cache) *LoadInstallment {
	return &LoadInstallment{
		BaseStep: pipeline.BaseStep{
			StepName:    "Load_Installment",
			Description: "load installment plan amounts",
		},
		cache: cache,
	}
}

func (s *LoadInstallment) CheckPrerequisites(pc *pipeline.Context) (bool, string) {
	if pc.StringVar("beg_date", "") == "" {
		return false, "date window not loaded"
	}
	return true, ""
}

func (s *LoadInstallment) ValidateInput(pc *pipeline.Context) error {
	if _, err := os.Stat(inputPath(pc, installmentsFile)); err != nil {
		return fmt.Errorf("installments: %w", err)
	}
	return nil
}

func (s *LoadInstallment) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	installments, err := readInput(ctx, pc, s.cache, installmentsFile, InstallmentSchema())
	if err != nil {
		return nil, fmt.Errorf("read installments: %w", err)
	}

	withTerm := installments.Filter(func(r table.Row) bool {
		return r.Int64("term_months") > 0
	})
	if dropped := installments.NumRows() - withTerm.NumRows(); dropped > 0 {
		pc.AddWarning(fmt.Sprintf("installments: %d rows without a term ignored", dropped))
	}

	if err := pc.AddAuxiliaryData(auxInstallments, withTerm); err != nil {
		return nil, err
	}
	return &pipeline.StepResult{
		Status:   pipeline.StatusSuccess,
		Message:  fmt.Sprintf("loaded %d installment rows", withTerm.NumRows()),
		Metadata: map[string]any{"rows": withTerm.NumRows()},
	}, nil
}

// GenerateTrustAccount splits each bank's trust amount into installment
// terms plus a normal bucket and writes the trust account workpaper. The
// normal bucket is the remainder against the settlement summary, so bank
// totals tie back to the escrow result.
type GenerateTrustAccount struct {
	pipeline.BaseStep
}

func NewGenerateTrustAccount() *GenerateTrustAccount {
	return &GenerateTrustAccount{
		BaseStep: pipeline.BaseStep{
			StepName:    "Generate_Trust_Account",
			Description: "build the trust account fee workpaper",
		},
	}
}

func (s *GenerateTrustAccount) CheckPrerequisites(pc *pipeline.Context) (bool, string) {
	if _, ok := pc.AuxiliaryData(auxInstallments); !ok {
		return false, "installments not loaded"
	}
	return true, ""
}

func (s *GenerateTrustAccount) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	installments, err := pc.MustAuxiliaryData(auxInstallments)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		claimed, fee decimal.Decimal
	}
	terms := make(map[string]map[int64]*bucket)
	for i := 0; i < installments.NumRows(); i++ {
		row := installments.Row(i)
		bank := row.String("bank")
		byTerm := terms[bank]
		if byTerm == nil {
			byTerm = make(map[int64]*bucket)
			terms[bank] = byTerm
		}
		term := row.Int64("term_months")
		b := byTerm[term]
		if b == nil {
			b = &bucket{}
			byTerm[term] = b
		}
		b.claimed = b.claimed.Add(row.Decimal("total_claimed"))
		b.fee = b.fee.Add(row.Decimal("total_service_fee"))
	}

	trustByBank, feeByBank, haveSettlement := settlementTotals(pc)
	if !haveSettlement {
		pc.AddWarning("settlement summary not available, normal bucket left empty")
	}
	for bank := range trustByBank {
		if _, ok := terms[bank]; !ok {
			terms[bank] = make(map[int64]*bucket)
		}
	}

	out, err := table.New(
		table.Column{Name: "bank", Kind: table.String},
		table.Column{Name: "term", Kind: table.String},
		table.Column{Name: "claimed", Kind: table.Decimal},
		table.Column{Name: "service_fee", Kind: table.Decimal},
	)
	if err != nil {
		return nil, err
	}

	tol := tolerance(pc)
	tied := true
	grandClaimed, grandFee := decimal.Zero, decimal.Zero
	banks := make([]string, 0, len(terms))
	for bank := range terms {
		banks = append(banks, bank)
	}
	sort.Strings(banks)

	for _, bank := range banks {
		byTerm := terms[bank]
		months := make([]int64, 0, len(byTerm))
		for term := range byTerm {
			months = append(months, term)
		}
		sort.Slice(months, func(i, j int) bool { return months[i] < months[j] })

		bankClaimed, bankFee := decimal.Zero, decimal.Zero
		for _, term := range months {
			b := byTerm[term]
			if err := out.AppendRow(bank, strconv.FormatInt(term, 10), b.claimed, b.fee); err != nil {
				return nil, err
			}
			bankClaimed = bankClaimed.Add(b.claimed)
			bankFee = bankFee.Add(b.fee)
		}

		if haveSettlement {
			normalClaimed := trustByBank[bank].Sub(bankClaimed)
			normalFee := feeByBank[bank].Sub(bankFee)
			if normalClaimed.IsNegative() {
				tied = false
				pc.AddWarning(fmt.Sprintf("%s: installments %s exceed settlement trust %s",
					bank, bankClaimed, trustByBank[bank]))
			}
			if err := out.AppendRow(bank, "normal", normalClaimed, normalFee); err != nil {
				return nil, err
			}
			bankClaimed = bankClaimed.Add(normalClaimed)
			bankFee = bankFee.Add(normalFee)
		}

		if err := out.AppendRow(bank, "total", bankClaimed, bankFee); err != nil {
			return nil, err
		}
		grandClaimed = grandClaimed.Add(bankClaimed)
		grandFee = grandFee.Add(bankFee)
	}
	if err := out.AppendRow("total", "", grandClaimed, grandFee); err != nil {
		return nil, err
	}

	if haveSettlement {
		settlementTotal := decimal.Zero
		for _, bank := range banks {
			settlementTotal = settlementTotal.Add(trustByBank[bank])
		}
		diff := grandClaimed.Sub(settlementTotal)
		if diff.Abs().GreaterThan(tol) {
			tied = false
			pc.AddWarning(fmt.Sprintf("trust account total %s vs settlement %s, diff %s",
				grandClaimed, settlementTotal, diff))
		}
		pc.SetValidation(pipeline.ValidationResult{
			Name:    "trust_account_vs_settlement",
			Passed:  tied,
			Message: fmt.Sprintf("trust account total %s ties to settlement within %s", grandClaimed, tol),
		})
	}

	if err := pc.AddAuxiliaryData(auxTrustAccountFee, out); err != nil {
		return nil, err
	}
	path, err := writeOutput(ctx, pc, pc.StringVar("trust_account_filename", "trust_account_fee.csv"), out)
	if err != nil {
		return nil, fmt.Errorf("write trust account workpaper: %w", err)
	}

	return &pipeline.StepResult{
		Status:  pipeline.StatusSuccess,
		Message: fmt.Sprintf("trust account workpaper for %d banks written to %s", len(banks), path),
		Metadata: map[string]any{
			"banks":         len(banks),
			"total_claimed": grandClaimed.String(),
			"workpaper":     path,
		},
	}, nil
}

// settlementTotals sums trust amounts and service fees per bank from the
// settlement summary when a previous step produced one.
func settlementTotals(pc *pipeline.Context) (trust, fee map[string]decimal.Decimal, ok bool) {
	summary, ok := pc.AuxiliaryData(auxEscrowSummary)
	if !ok {
		return nil, nil, false
	}
	trust = make(map[string]decimal.Decimal)
	fee = make(map[string]decimal.Decimal)
	for i := 0; i < summary.NumRows(); i++ {
		row := summary.Row(i)
		bank := row.String("bank")
		trust[bank] = trust[bank].Add(row.Decimal("trust_account_amount"))
		fee[bank] = fee[bank].Add(row.Decimal("service_fee"))
	}
	return trust, fee, true
}
