// Package recon implements the reconciliation steps: per-bank statement
// processing, settlement aggregation, installment workpapers, daily check
// and journal entry generation. Steps communicate only through the run
// context; input tables arrive through datasources and results leave as
// auxiliary tables plus CSV workpapers.
package recon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Allen15763/spe-bank-recon/internal/datasource"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/table"
	"github.com/shopspring/decimal"
)

// Auxiliary table names shared between steps.
const (
	auxEscrowSummary   = "escrow_summary"
	auxInvoiceSummary  = "invoice_summary"
	auxInstallments    = "installments"
	auxTrustAccountFee = "trust_account_fee"
	auxChargeRates     = "charge_rates"
	auxRebates         = "rebates"
	auxFRRHandlingFee  = "frr_handling_fee"
	auxFRRRemittance   = "frr_remittance_fee"
	auxFRRNetBilling   = "frr_net_billing"
	auxDFRWorkpaper    = "dfr_wp"
	auxDFRResult       = "dfr_result"
	auxAPCCCharge      = "apcc_acquiring_charge"
	auxAPCCSummary     = "apcc_summary"
	auxValidateFee     = "validate_frr_handling_fee"
	auxValidateBilling = "validate_frr_net_billing"
	auxJournalEntries  = "journal_entries"
)

// Input file names under task.input_dir. Statement files come from the
// per-bank config instead.
const (
	invoicesFile     = "invoices.csv"
	installmentsFile = "installments.csv"
	chargeRatesFile  = "charge_rates.csv"
	rebatesFile      = "rebates.csv"
	dfrFile          = "dfr_balances.csv"
)

// frrFileFor returns the finance report name for a YYYYMM period.
func frrFileFor(period string) string {
	return fmt.Sprintf("frr_%s.csv", period)
}

// StatementSchema is the layout of a bank statement export.
func StatementSchema() table.Schema {
	return table.Schema{
		{Name: "txn_id", Kind: table.String},
		{Name: "category", Kind: table.String},
		{Name: "disbursement_date", Kind: table.Time},
		{Name: "request_amount", Kind: table.Decimal},
		{Name: "return_amount", Kind: table.Decimal},
		{Name: "handling_fee", Kind: table.Decimal},
	}
}

// InvoiceSchema is the layout of the invoice detail export.
func InvoiceSchema() table.Schema {
	return table.Schema{
		{Name: "invoice_id", Kind: table.String},
		{Name: "category", Kind: table.String},
		{Name: "invoice_date", Kind: table.Time},
		{Name: "description", Kind: table.String},
		{Name: "amount_excl_tax", Kind: table.Decimal},
		{Name: "tax_amount", Kind: table.Decimal},
		{Name: "amount_incl_tax", Kind: table.Decimal},
	}
}

// InstallmentSchema is the layout of the installment report.
func InstallmentSchema() table.Schema {
	return table.Schema{
		{Name: "bank", Kind: table.String},
		{Name: "term_months", Kind: table.Int64},
		{Name: "total_claimed", Kind: table.Decimal},
		{Name: "total_service_fee", Kind: table.Decimal},
	}
}

// ChargeRateSchema is the layout of the acquiring charge rate sheet.
func ChargeRateSchema() table.Schema {
	return table.Schema{
		{Name: "bank", Kind: table.String},
		{Name: "charge_rate", Kind: table.Decimal},
	}
}

// RebateSchema is the layout of the rebate export.
func RebateSchema() table.Schema {
	return table.Schema{
		{Name: "bank", Kind: table.String},
		{Name: "rebate_date", Kind: table.Time},
		{Name: "amount", Kind: table.Decimal},
	}
}

// FRRSchema is the layout of the finance department report.
func FRRSchema() table.Schema {
	return table.Schema{
		{Name: "report_date", Kind: table.Time},
		{Name: "bank", Kind: table.String},
		{Name: "handling_fee", Kind: table.Decimal},
		{Name: "remittance_fee", Kind: table.Decimal},
		{Name: "net_billing", Kind: table.Decimal},
	}
}

// DFRSchema is the layout of the bank balance report.
func DFRSchema() table.Schema {
	return table.Schema{
		{Name: "balance_date", Kind: table.Time},
		{Name: "bank", Kind: table.String},
		{Name: "account", Kind: table.String},
		{Name: "opening_balance", Kind: table.Decimal},
		{Name: "inflow", Kind: table.Decimal},
		{Name: "outflow", Kind: table.Decimal},
		{Name: "closing_balance", Kind: table.Decimal},
		{Name: "interest", Kind: table.Decimal},
	}
}

// EntrySchema is the layout of the journal entry output.
func EntrySchema() table.Schema {
	return table.Schema{
		{Name: "entry_date", Kind: table.Time},
		{Name: "account", Kind: table.String},
		{Name: "account_name", Kind: table.String},
		{Name: "bank", Kind: table.String},
		{Name: "memo", Kind: table.String},
		{Name: "debit", Kind: table.Decimal},
		{Name: "credit", Kind: table.Decimal},
	}
}

// reconTableFor names the per-bank recon result table in the context.
func reconTableFor(bankName string) string {
	return "recon_" + strings.ToLower(bankName)
}

// reconSchema is the per-category result row a statement step produces.
func reconSchema() table.Schema {
	return table.Schema{
		{Name: "bank", Kind: table.String},
		{Name: "category", Kind: table.String},
		{Name: "claimed", Kind: table.Decimal},
		{Name: "refunded", Kind: table.Decimal},
		{Name: "trust_account_amount", Kind: table.Decimal},
		{Name: "service_fee", Kind: table.Decimal},
		{Name: "expected_fee", Kind: table.Decimal},
		{Name: "fee_diff", Kind: table.Decimal},
	}
}

// period holds the date window a run reconciles.
type period struct {
	Beg, End         time.Time
	LastBeg, LastEnd time.Time
}

// Month returns the YYYYMM tag used in file names.
func (p period) Month() string { return p.Beg.Format("200601") }

// Contains reports whether ts falls inside the current window, inclusive.
func (p period) Contains(ts time.Time) bool {
	return !ts.Before(p.Beg) && !ts.After(p.End)
}

// periodFrom rebuilds the run window from context variables set by
// Load_Parameters.
func periodFrom(pc *pipeline.Context) (period, error) {
	var q period
	var err error
	for _, f := range []struct {
		key string
		dst *time.Time
	}{
		{"beg_date", &q.Beg},
		{"end_date", &q.End},
		{"last_beg_date", &q.LastBeg},
		{"last_end_date", &q.LastEnd},
	} {
		raw := pc.StringVar(f.key, "")
		if raw == "" {
			return q, fmt.Errorf("variable %s not set, run Load_Parameters first", f.key)
		}
		*f.dst, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return q, fmt.Errorf("variable %s: %w", f.key, err)
		}
	}
	return q, nil
}

// inputPath resolves a file name against the configured input directory.
func inputPath(pc *pipeline.Context, name string) string {
	return filepath.Join(pc.StringVar("input_dir", "./data/input"), name)
}

// outputPath resolves a file name against the configured output directory.
func outputPath(pc *pipeline.Context, name string) string {
	return filepath.Join(pc.StringVar("output_dir", "./data/output"), name)
}

// tolerance returns the amount tolerance for validations.
func tolerance(pc *pipeline.Context) decimal.Decimal {
	raw := pc.StringVar("tolerance", "0.01")
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.New(1, -2)
	}
	return d
}

// readInput loads a CSV from the input directory through the shared cache.
func readInput(ctx context.Context, pc *pipeline.Context, cache *datasource.Cache, name string, schema table.Schema) (*table.Table, error) {
	path := inputPath(pc, name)
	src, err := datasource.NewCSVSource(path, path, schema)
	if err != nil {
		return nil, err
	}
	return cache.Read(ctx, src)
}

// writeOutput writes a workpaper CSV into the output directory.
func writeOutput(ctx context.Context, pc *pipeline.Context, name string, t *table.Table) (string, error) {
	path := outputPath(pc, name)
	src, err := datasource.NewCSVSource(path, path, t.Schema())
	if err != nil {
		return "", err
	}
	if err := src.Write(ctx, t); err != nil {
		return "", err
	}
	return path, nil
}

// sumByBank aggregates a decimal column grouped by the bank column.
func sumByBank(t *table.Table, valueCol string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for i := 0; i < t.NumRows(); i++ {
		row := t.Row(i)
		if row.IsNull(valueCol) {
			continue
		}
		bank := strings.ToLower(row.String("bank"))
		out[bank] = out[bank].Add(row.Decimal(valueCol))
	}
	return out
}
