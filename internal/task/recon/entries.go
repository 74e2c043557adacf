package recon

import (
	"context"
	"fmt"
	"strings"

	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/table"
	"github.com/shopspring/decimal"
)

// Ledger accounts the generated entries post to.
const (
	acctAcquiringExpense = "6121"
	acctAccruedPayable   = "2201"
	acctOtherIncome      = "4801"
	acctTrustCash        = "1113"
	acctInterestIncome   = "4111"
)

var accountNames = map[string]string{
	acctAcquiringExpense: "acquiring processing cost",
	acctAccruedPayable:   "accrued expenses",
	acctOtherIncome:      "other income",
	acctTrustCash:        "trust account cash",
	acctInterestIncome:   "interest income",
}

// PrepareEntries turns the charge summary, rebates and trust interest into
// balanced journal entries dated at the end of the period.
type PrepareEntries struct {
	pipeline.BaseStep
}

func NewPrepareEntries() *PrepareEntries {
	return &PrepareEntries{
		BaseStep: pipeline.BaseStep{
			StepName:    "Prepare_Entries",
			Description: "generate journal entries for the period",
			Config:      pipeline.StepConfig{Required: true},
		},
	}
}

func (s *PrepareEntries) CheckPrerequisites(pc *pipeline.Context) (bool, string) {
	if _, ok := pc.AuxiliaryData(auxAPCCSummary); !ok {
		return false, "acquiring charges not calculated"
	}
	return true, ""
}

func (s *PrepareEntries) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	win, err := periodFrom(pc)
	if err != nil {
		return nil, err
	}
	month := win.Month()

	entries, err := table.New(EntrySchema()...)
	if err != nil {
		return nil, err
	}
	post := func(account, bank, memo string, debit, credit decimal.Decimal) error {
		return entries.AppendRow(win.End, account, accountNames[account], bank, memo, debit, credit)
	}

	summary, err := pc.MustAuxiliaryData(auxAPCCSummary)
	if err != nil {
		return nil, err
	}
	for i := 0; i < summary.NumRows(); i++ {
		row := summary.Row(i)
		bank := row.String("bank")

		if charge := row.Decimal("acquiring_charge"); !charge.IsZero() {
			memo := fmt.Sprintf("%s acquiring charge %s", month, bank)
			if err := post(acctAcquiringExpense, bank, memo, charge, decimal.Zero); err != nil {
				return nil, err
			}
			if err := post(acctAccruedPayable, bank, memo, decimal.Zero, charge); err != nil {
				return nil, err
			}
		}
		if rebate := row.Decimal("rebate"); !rebate.IsZero() {
			memo := fmt.Sprintf("%s rebate %s", month, bank)
			if err := post(acctAccruedPayable, bank, memo, rebate, decimal.Zero); err != nil {
				return nil, err
			}
			if err := post(acctOtherIncome, bank, memo, decimal.Zero, rebate); err != nil {
				return nil, err
			}
		}
	}

	if interest, ok := pc.AuxiliaryData(auxDFRResult); ok {
		for i := 0; i < interest.NumRows(); i++ {
			row := interest.Row(i)
			amount := row.Decimal("interest")
			if amount.IsZero() {
				continue
			}
			bank := row.String("bank")
			memo := fmt.Sprintf("%s trust interest %s", month, bank)
			if err := post(acctTrustCash, bank, memo, amount, decimal.Zero); err != nil {
				return nil, err
			}
			if err := post(acctInterestIncome, bank, memo, decimal.Zero, amount); err != nil {
				return nil, err
			}
		}
	} else {
		pc.AddWarning("fund balances not processed, interest entries skipped")
	}

	debits, err := entries.SumDecimal("debit")
	if err != nil {
		return nil, err
	}
	credits, err := entries.SumDecimal("credit")
	if err != nil {
		return nil, err
	}
	if !debits.Equal(credits) {
		return nil, fmt.Errorf("entries do not balance: debit %s vs credit %s", debits, credits)
	}
	pc.SetValidation(pipeline.ValidationResult{
		Name:    "entries_balanced",
		Passed:  true,
		Message: fmt.Sprintf("%d entry lines, debit equals credit at %s", entries.NumRows(), debits),
	})

	if err := pc.AddAuxiliaryData(auxJournalEntries, entries); err != nil {
		return nil, err
	}
	if err := pc.UpdateData(entries); err != nil {
		return nil, err
	}

	return &pipeline.StepResult{
		Status:  pipeline.StatusSuccess,
		Message: fmt.Sprintf("prepared %d entry lines totaling %s", entries.NumRows(), debits),
		Metadata: map[string]any{
			"lines": entries.NumRows(),
			"total": debits.String(),
		},
	}, nil
}

// OutputWorkpaper writes the daily check sections and the journal entries
// to the output directory, one file per section.
type OutputWorkpaper struct {
	pipeline.BaseStep
}

func NewOutputWorkpaper() *OutputWorkpaper {
	return &OutputWorkpaper{
		BaseStep: pipeline.BaseStep{
			StepName:    "Output_Workpaper",
			Description: "write daily check and entry workpapers",
			Config:      pipeline.StepConfig{Required: true},
		},
	}
}

func (s *OutputWorkpaper) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	base := strings.TrimSuffix(pc.StringVar("daily_check_filename", "daily_check.csv"), ".csv")

	sections := []string{
		auxDFRWorkpaper,
		auxAPCCCharge,
		auxAPCCSummary,
		auxValidateFee,
		auxValidateBilling,
	}
	var written []string
	for _, name := range sections {
		t, ok := pc.AuxiliaryData(name)
		if !ok {
			continue
		}
		path, err := writeOutput(ctx, pc, fmt.Sprintf("%s_%s.csv", base, name), t)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, path)
	}

	if entries, ok := pc.AuxiliaryData(auxJournalEntries); ok {
		path, err := writeOutput(ctx, pc, pc.StringVar("entry_filename", "journal_entries.csv"), entries)
		if err != nil {
			return nil, fmt.Errorf("write entries: %w", err)
		}
		written = append(written, path)
	}

	if len(written) == 0 {
		return nil, fmt.Errorf("nothing to write, no workpaper sections in context")
	}

	return &pipeline.StepResult{
		Status:   pipeline.StatusSuccess,
		Message:  fmt.Sprintf("wrote %d workpapers", len(written)),
		Metadata: map[string]any{"files": written},
	}, nil
}
