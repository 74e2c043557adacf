package recon

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Allen15763/spe-bank-recon/internal/datasource"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/table"
	"github.com/shopspring/decimal"
)

// AggregateSettlement merges the per-bank reconciliation tables into the
// settlement summary, checks statement handling fees against the invoices
// booked for the period and writes the escrow workpaper.
type AggregateSettlement struct {
	pipeline.BaseStep
	cache *datasource.Cache
}

func NewAggregateSettlement(cache *datasource.Cache) *AggregateSettlement {
	return &AggregateSettlement{
		BaseStep: pipeline.BaseStep{
			StepName:    "Aggregate_Settlement",
			Description: "aggregate bank results and check invoiced fees",
		},
		cache: cache,
	}
}

// CheckPrerequisites skips the aggregation when no bank step produced a
// reconciliation table.
func (s *AggregateSettlement) CheckPrerequisites(pc *pipeline.Context) (bool, string) {
	if len(reconTables(pc)) == 0 {
		return false, "no bank reconciliation results"
	}
	return true, ""
}

func (s *AggregateSettlement) ValidateInput(pc *pipeline.Context) error {
	if _, err := os.Stat(inputPath(pc, invoicesFile)); err != nil {
		return fmt.Errorf("invoices: %w", err)
	}
	return nil
}

func (s *AggregateSettlement) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	win, err := periodFrom(pc)
	if err != nil {
		return nil, err
	}

	summary, err := table.New(reconSchema()...)
	if err != nil {
		return nil, err
	}
	for _, name := range reconTables(pc) {
		part, err := pc.MustAuxiliaryData(name)
		if err != nil {
			return nil, err
		}
		if err := summary.AppendTable(part); err != nil {
			return nil, fmt.Errorf("merge %s: %w", name, err)
		}
	}

	invoices, err := readInput(ctx, pc, s.cache, invoicesFile, InvoiceSchema())
	if err != nil {
		return nil, fmt.Errorf("read invoices: %w", err)
	}
	feeInvoices := invoices.Filter(func(r table.Row) bool {
		if r.IsNull("invoice_date") || !win.Contains(r.Time("invoice_date")) {
			return false
		}
		return strings.Contains(strings.ToLower(r.String("description")), "handling fee")
	})

	invoiceSummary, invoicedByCategory, err := summarizeInvoices(feeInvoices)
	if err != nil {
		return nil, err
	}

	tol := tolerance(pc)
	feeByCategory := make(map[string]decimal.Decimal)
	for i := 0; i < summary.NumRows(); i++ {
		row := summary.Row(i)
		cat := row.String("category")
		feeByCategory[cat] = feeByCategory[cat].Add(row.Decimal("service_fee"))
	}

	matched := true
	for _, cat := range sortedKeys(invoicedByCategory) {
		diff := feeByCategory[cat].Sub(invoicedByCategory[cat])
		if diff.Abs().GreaterThan(tol) {
			matched = false
			pc.AddWarning(fmt.Sprintf("category %s: statement fee %s vs invoiced %s, diff %s",
				cat, feeByCategory[cat], invoicedByCategory[cat], diff))
		}
	}
	pc.SetValidation(pipeline.ValidationResult{
		Name:    "invoice_vs_statement_fee",
		Passed:  matched,
		Message: fmt.Sprintf("%d fee invoices checked against %d banks", feeInvoices.NumRows(), len(reconTables(pc))),
	})

	if err := pc.AddAuxiliaryData(auxEscrowSummary, summary); err != nil {
		return nil, err
	}
	if err := pc.AddAuxiliaryData(auxInvoiceSummary, invoiceSummary); err != nil {
		return nil, err
	}
	if err := pc.UpdateData(summary); err != nil {
		return nil, err
	}

	out, err := writeOutput(ctx, pc, pc.StringVar("escrow_filename", "escrow_recon.csv"), summary)
	if err != nil {
		return nil, fmt.Errorf("write escrow workpaper: %w", err)
	}

	trust, err := summary.SumDecimal("trust_account_amount")
	if err != nil {
		return nil, err
	}
	return &pipeline.StepResult{
		Status:  pipeline.StatusSuccess,
		Message: fmt.Sprintf("aggregated %d banks into %s", len(reconTables(pc)), out),
		Metadata: map[string]any{
			"banks":       len(reconTables(pc)),
			"trust_total": trust.String(),
			"workpaper":   out,
		},
	}, nil
}

// reconTables lists the per-bank result tables present in the context,
// sorted so the summary order is stable.
func reconTables(pc *pipeline.Context) []string {
	var names []string
	for _, name := range pc.AuxiliaryNames() {
		if strings.HasPrefix(name, "recon_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// summarizeInvoices aggregates handling fee invoices per category. Amounts
// compare against statements excluding tax.
func summarizeInvoices(invoices *table.Table) (*table.Table, map[string]decimal.Decimal, error) {
	out, err := table.New(
		table.Column{Name: "category", Kind: table.String},
		table.Column{Name: "invoices", Kind: table.Int64},
		table.Column{Name: "amount_excl_tax", Kind: table.Decimal},
		table.Column{Name: "tax_amount", Kind: table.Decimal},
		table.Column{Name: "amount_incl_tax", Kind: table.Decimal},
	)
	if err != nil {
		return nil, nil, err
	}

	type bucket struct {
		count           int64
		excl, tax, incl decimal.Decimal
	}
	buckets := make(map[string]*bucket)
	for i := 0; i < invoices.NumRows(); i++ {
		row := invoices.Row(i)
		cat := strings.ToLower(row.String("category"))
		b := buckets[cat]
		if b == nil {
			b = &bucket{}
			buckets[cat] = b
		}
		b.count++
		b.excl = b.excl.Add(row.Decimal("amount_excl_tax"))
		b.tax = b.tax.Add(row.Decimal("tax_amount"))
		b.incl = b.incl.Add(row.Decimal("amount_incl_tax"))
	}

	cats := make([]string, 0, len(buckets))
	for cat := range buckets {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	byCategory := make(map[string]decimal.Decimal, len(buckets))
	for _, cat := range cats {
		b := buckets[cat]
		if err := out.AppendRow(cat, b.count, b.excl, b.tax, b.incl); err != nil {
			return nil, nil, err
		}
		byCategory[cat] = b.excl
	}
	return out, byCategory, nil
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
