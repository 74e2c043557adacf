package recon

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Allen15763/spe-bank-recon/internal/datasource"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/table"
	"github.com/shopspring/decimal"
)

// LoadDailyCheckParams loads the acquiring charge rates and the rebates
// granted during the period. Rebates are optional, charge rates are not.
type LoadDailyCheckParams struct {
	pipeline.BaseStep
	cache *datasource.Cache
}

func NewLoadDailyCheckParams(cache *datasource.Cache) *LoadDailyCheckParams {
	return &LoadDailyCheckParams{
		BaseStep: pipeline.BaseStep{
			StepName:    "Load_Daily_Check_Params",
			Description: "load charge rates and rebates",
		},
		cache: cache,
	}
}

func (s *LoadDailyCheckParams) CheckPrerequisites(pc *pipeline.Context) (bool, string) {
	if pc.StringVar("beg_date", "") == "" {
		return false, "date window not loaded"
	}
	return true, ""
}

func (s *LoadDailyCheckParams) ValidateInput(pc *pipeline.Context) error {
	if _, err := os.Stat(inputPath(pc, chargeRatesFile)); err != nil {
		return fmt.Errorf("charge rates: %w", err)
	}
	return nil
}

func (s *LoadDailyCheckParams) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	win, err := periodFrom(pc)
	if err != nil {
		return nil, err
	}

	rates, err := readInput(ctx, pc, s.cache, chargeRatesFile, ChargeRateSchema())
	if err != nil {
		return nil, fmt.Errorf("read charge rates: %w", err)
	}
	if err := pc.AddAuxiliaryData(auxChargeRates, rates); err != nil {
		return nil, err
	}

	rebates, err := table.New(RebateSchema()...)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(inputPath(pc, rebatesFile)); statErr == nil {
		all, err := readInput(ctx, pc, s.cache, rebatesFile, RebateSchema())
		if err != nil {
			return nil, fmt.Errorf("read rebates: %w", err)
		}
		rebates = all.Filter(func(r table.Row) bool {
			return !r.IsNull("rebate_date") && win.Contains(r.Time("rebate_date"))
		})
	} else {
		pc.AddWarning("rebates file not found, assuming no rebates this period")
	}
	if err := pc.AddAuxiliaryData(auxRebates, rebates); err != nil {
		return nil, err
	}

	pc.SetVariable("frr_filename", pipeline.StringValue(frrFileFor(win.Month())))
	pc.SetVariable("dfr_filename", pipeline.StringValue(dfrFile))

	return &pipeline.StepResult{
		Status:  pipeline.StatusSuccess,
		Message: fmt.Sprintf("loaded %d charge rates, %d rebates", rates.NumRows(), rebates.NumRows()),
		Metadata: map[string]any{
			"charge_rates": rates.NumRows(),
			"rebates":      rebates.NumRows(),
		},
	}, nil
}

// ProcessFRR sums the funds received report per bank. The report carries
// one row per bank per day; gaps in the window usually mean an incomplete
// export, so they are surfaced as warnings.
type ProcessFRR struct {
	pipeline.BaseStep
	cache *datasource.Cache
}

func NewProcessFRR(cache *datasource.Cache) *ProcessFRR {
	return &ProcessFRR{
		BaseStep: pipeline.BaseStep{
			StepName:    "Process_FRR",
			Description: "summarize the funds received report",
		},
		cache: cache,
	}
}

func (s *ProcessFRR) CheckPrerequisites(pc *pipeline.Context) (bool, string) {
	if pc.StringVar("frr_filename", "") == "" {
		return false, "daily check params not loaded"
	}
	return true, ""
}

func (s *ProcessFRR) ValidateInput(pc *pipeline.Context) error {
	name := pc.StringVar("frr_filename", "")
	if _, err := os.Stat(inputPath(pc, name)); err != nil {
		return fmt.Errorf("funds received report: %w", err)
	}
	return nil
}

func (s *ProcessFRR) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	win, err := periodFrom(pc)
	if err != nil {
		return nil, err
	}

	report, err := readInput(ctx, pc, s.cache, pc.StringVar("frr_filename", ""), FRRSchema())
	if err != nil {
		return nil, fmt.Errorf("read funds received report: %w", err)
	}
	current := report.Filter(func(r table.Row) bool {
		return !r.IsNull("report_date") && win.Contains(r.Time("report_date"))
	})

	s.warnMissingDays(pc, current, win)

	for aux, col := range map[string]string{
		auxFRRHandlingFee: "handling_fee",
		auxFRRRemittance:  "remittance_fee",
		auxFRRNetBilling:  "net_billing",
	} {
		summary, err := bankAmountTable(sumByBank(current, col), col)
		if err != nil {
			return nil, err
		}
		if err := pc.AddAuxiliaryData(aux, summary); err != nil {
			return nil, err
		}
	}

	return &pipeline.StepResult{
		Status:   pipeline.StatusSuccess,
		Message:  fmt.Sprintf("summarized %d report rows", current.NumRows()),
		Metadata: map[string]any{"rows_in_range": current.NumRows()},
	}, nil
}

func (s *ProcessFRR) warnMissingDays(pc *pipeline.Context, report *table.Table, win period) {
	seen := make(map[string]struct{})
	for i := 0; i < report.NumRows(); i++ {
		seen[report.Row(i).Time("report_date").Format("2006-01-02")] = struct{}{}
	}
	var missing []string
	for day := win.Beg; !day.After(win.End); day = day.AddDate(0, 0, 1) {
		if _, ok := seen[day.Format("2006-01-02")]; !ok {
			missing = append(missing, day.Format("01-02"))
		}
	}
	if len(missing) == 0 {
		return
	}
	shown := missing
	if len(shown) > 5 {
		shown = shown[:5]
	}
	pc.AddWarning(fmt.Sprintf("funds received report missing %d days (%s)",
		len(missing), strings.Join(shown, ", ")))
}

// ProcessDFR rolls the daily fund balances forward per bank account and
// checks the reported closing balances against the computed ones.
type ProcessDFR struct {
	pipeline.BaseStep
	cache *datasource.Cache
}

func NewProcessDFR(cache *datasource.Cache) *ProcessDFR {
	return &ProcessDFR{
		BaseStep: pipeline.BaseStep{
			StepName:    "Process_DFR",
			Description: "roll forward the daily fund balances",
		},
		cache: cache,
	}
}

func (s *ProcessDFR) CheckPrerequisites(pc *pipeline.Context) (bool, string) {
	if pc.StringVar("beg_date", "") == "" {
		return false, "date window not loaded"
	}
	return true, ""
}

func (s *ProcessDFR) ValidateInput(pc *pipeline.Context) error {
	if _, err := os.Stat(inputPath(pc, dfrFile)); err != nil {
		return fmt.Errorf("daily fund balances: %w", err)
	}
	return nil
}

func (s *ProcessDFR) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	win, err := periodFrom(pc)
	if err != nil {
		return nil, err
	}

	balances, err := readInput(ctx, pc, s.cache, dfrFile, DFRSchema())
	if err != nil {
		return nil, fmt.Errorf("read daily fund balances: %w", err)
	}
	current := balances.Filter(func(r table.Row) bool {
		return !r.IsNull("balance_date") && win.Contains(r.Time("balance_date"))
	})

	type account struct {
		bank, name                string
		firstDay, lastDay         time.Time
		opening, closing          decimal.Decimal
		inflow, outflow, interest decimal.Decimal
	}
	accounts := make(map[string]*account)
	for i := 0; i < current.NumRows(); i++ {
		row := current.Row(i)
		key := row.String("bank") + "\x00" + row.String("account")
		day := row.Time("balance_date")
		a := accounts[key]
		if a == nil {
			a = &account{bank: row.String("bank"), name: row.String("account")}
			accounts[key] = a
		}
		if a.firstDay.IsZero() || day.Before(a.firstDay) {
			a.firstDay = day
			a.opening = row.Decimal("opening_balance")
		}
		if day.After(a.lastDay) {
			a.lastDay = day
			a.closing = row.Decimal("closing_balance")
		}
		a.inflow = a.inflow.Add(row.Decimal("inflow"))
		a.outflow = a.outflow.Add(row.Decimal("outflow"))
		a.interest = a.interest.Add(row.Decimal("interest"))
	}

	workpaper, err := table.New(
		table.Column{Name: "bank", Kind: table.String},
		table.Column{Name: "account", Kind: table.String},
		table.Column{Name: "opening_balance", Kind: table.Decimal},
		table.Column{Name: "inflow", Kind: table.Decimal},
		table.Column{Name: "outflow", Kind: table.Decimal},
		table.Column{Name: "closing_balance", Kind: table.Decimal},
		table.Column{Name: "computed_closing", Kind: table.Decimal},
		table.Column{Name: "diff", Kind: table.Decimal},
	)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(accounts))
	for key := range accounts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	tol := tolerance(pc)
	balanced := true
	interestByBank := make(map[string]decimal.Decimal)
	for _, key := range keys {
		a := accounts[key]
		computed := a.opening.Add(a.inflow).Sub(a.outflow)
		diff := a.closing.Sub(computed)
		if diff.Abs().GreaterThan(tol) {
			balanced = false
			pc.AddWarning(fmt.Sprintf("%s %s: closing %s vs computed %s, diff %s",
				a.bank, a.name, a.closing, computed, diff))
		}
		if err := workpaper.AppendRow(a.bank, a.name,
			a.opening, a.inflow, a.outflow, a.closing, computed, diff); err != nil {
			return nil, err
		}
		bank := strings.ToLower(a.bank)
		interestByBank[bank] = interestByBank[bank].Add(a.interest)
	}

	pc.SetValidation(pipeline.ValidationResult{
		Name:    "dfr_balance_rollforward",
		Passed:  balanced,
		Message: fmt.Sprintf("%d accounts rolled forward within %s", len(accounts), tol),
	})

	interest, err := bankAmountTable(interestByBank, "interest")
	if err != nil {
		return nil, err
	}
	if err := pc.AddAuxiliaryData(auxDFRWorkpaper, workpaper); err != nil {
		return nil, err
	}
	if err := pc.AddAuxiliaryData(auxDFRResult, interest); err != nil {
		return nil, err
	}

	return &pipeline.StepResult{
		Status:   pipeline.StatusSuccess,
		Message:  fmt.Sprintf("rolled forward %d accounts", len(accounts)),
		Metadata: map[string]any{"accounts": len(accounts)},
	}, nil
}

// bankAmountTable turns a per-bank sum into a two column table sorted by
// bank name.
func bankAmountTable(sums map[string]decimal.Decimal, valueCol string) (*table.Table, error) {
	out, err := table.New(
		table.Column{Name: "bank", Kind: table.String},
		table.Column{Name: valueCol, Kind: table.Decimal},
	)
	if err != nil {
		return nil, err
	}
	banks := make([]string, 0, len(sums))
	for bank := range sums {
		banks = append(banks, bank)
	}
	sort.Strings(banks)
	for _, bank := range banks {
		if err := out.AppendRow(bank, sums[bank]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
