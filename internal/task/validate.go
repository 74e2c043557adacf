package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Allen15763/spe-bank-recon/config"
)

// Validation is the outcome of checking a mode's inputs before running it.
// Errors block the run; warnings do not, missing files may appear while
// the pipeline runs or only matter to optional steps.
type Validation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidateInputs checks directories and the input files the mode's steps
// will read. Structural problems (a path that exists but is not a
// directory) are errors; missing files are warnings.
func (r *Runner) ValidateInputs(mode string) Validation {
	v := Validation{Valid: true}
	m, ok := r.modes[mode]
	if !ok {
		v.Valid = false
		v.Errors = append(v.Errors, fmt.Sprintf("unknown mode %q", mode))
		return v
	}

	in := r.cfg.Task.InputDir
	if fi, err := os.Stat(in); err != nil {
		v.Warnings = append(v.Warnings, fmt.Sprintf("input directory %s does not exist", in))
	} else if !fi.IsDir() {
		v.Valid = false
		v.Errors = append(v.Errors, fmt.Sprintf("input path %s is not a directory", in))
	}
	if fi, err := os.Stat(r.cfg.Task.OutputDir); err == nil && !fi.IsDir() {
		v.Valid = false
		v.Errors = append(v.Errors, fmt.Sprintf("output path %s is not a directory", r.cfg.Task.OutputDir))
	}

	steps := make(map[string]bool, len(m.Steps))
	for _, ref := range m.Steps {
		steps[ref.Name] = true
	}

	warnMissing := func(name, usedBy string) {
		if _, err := os.Stat(filepath.Join(in, name)); err != nil {
			v.Warnings = append(v.Warnings, fmt.Sprintf("%s not found, needed by %s", name, usedBy))
		}
	}

	if steps["process_banks"] {
		if len(r.cfg.Task.Banks) == 0 {
			v.Valid = false
			v.Errors = append(v.Errors, "mode processes bank statements but no banks are configured")
		}
		for _, bank := range r.cfg.Task.Banks {
			warnMissing(bank.StatementPath, "Process_"+strings.ToUpper(bank.Name))
		}
	}
	if steps["aggregate_settlement"] {
		warnMissing("invoices.csv", "Aggregate_Settlement")
	}
	if steps["load_installment"] {
		warnMissing("installments.csv", "Load_Installment")
	}
	if steps["load_daily_check_params"] {
		warnMissing("charge_rates.csv", "Load_Daily_Check_Params")
	}
	if steps["process_frr"] {
		warnMissing(fmt.Sprintf("frr_%s.csv", periodMonth(r.cfg)), "Process_FRR")
	}
	if steps["process_dfr"] {
		warnMissing("dfr_balances.csv", "Process_DFR")
	}

	return v
}

// periodMonth resolves the period the run will cover, for naming the
// period bound inputs. Mirrors the window defaulting in Load_Parameters:
// configured start date first, previous calendar month otherwise.
func periodMonth(cfg *config.Config) string {
	if cfg.Task.PeriodStart != "" {
		if t, err := time.Parse("2006-01-02", cfg.Task.PeriodStart); err == nil {
			return t.Format("200601")
		}
	}
	ref := time.Now().UTC()
	return time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0).Format("200601")
}
