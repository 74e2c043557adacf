package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
)

// LoadParameters seeds the run context with the date window, directories,
// tolerance and output file names every later step reads. It must be the
// first step of every mode.
type LoadParameters struct {
	pipeline.BaseStep
	cfg *config.Config
	now func() time.Time
}

// NewLoadParameters returns the parameter loading step.
func NewLoadParameters(cfg *config.Config) *LoadParameters {
	return &LoadParameters{
		BaseStep: pipeline.BaseStep{
			StepName:    "Load_Parameters",
			Description: "load date window, directories and output names",
			Config:      pipeline.StepConfig{Required: true},
		},
		cfg: cfg,
		now: time.Now,
	}
}

func (s *LoadParameters) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	win, err := s.window(pc)
	if err != nil {
		return nil, err
	}

	month := win.Month()
	pc.SetVariable("beg_date", pipeline.StringValue(win.Beg.Format("2006-01-02")))
	pc.SetVariable("end_date", pipeline.StringValue(win.End.Format("2006-01-02")))
	pc.SetVariable("last_beg_date", pipeline.StringValue(win.LastBeg.Format("2006-01-02")))
	pc.SetVariable("last_end_date", pipeline.StringValue(win.LastEnd.Format("2006-01-02")))
	pc.SetVariable("current_month", pipeline.StringValue(month))
	pc.SetVariable("last_month", pipeline.StringValue(win.LastBeg.Format("200601")))

	pc.SetVariable("input_dir", pipeline.StringValue(s.cfg.Task.InputDir))
	pc.SetVariable("output_dir", pipeline.StringValue(s.cfg.Task.OutputDir))
	pc.SetVariable("tolerance", pipeline.StringValue(s.cfg.Task.Tolerance))

	pc.SetVariable("escrow_filename", pipeline.StringValue(fmt.Sprintf("escrow_recon_%s.csv", month)))
	pc.SetVariable("trust_account_filename", pipeline.StringValue(fmt.Sprintf("trust_account_fee_%s.csv", month)))
	pc.SetVariable("daily_check_filename", pipeline.StringValue(fmt.Sprintf("daily_check_%s.csv", month)))
	pc.SetVariable("entry_filename", pipeline.StringValue(fmt.Sprintf("journal_entries_%s.csv", month)))

	return &pipeline.StepResult{
		Status:  pipeline.StatusSuccess,
		Message: fmt.Sprintf("parameters loaded for period %s", month),
		Metadata: map[string]any{
			"period":     month,
			"date_range": fmt.Sprintf("%s~%s", win.Beg.Format("2006-01-02"), win.End.Format("2006-01-02")),
			"banks":      len(s.cfg.Task.Banks),
		},
	}, nil
}

// window resolves the reconciliation window: run variables win over config,
// and with neither set the window defaults to the previous calendar month.
// The comparison window is always the month before the current one.
func (s *LoadParameters) window(pc *pipeline.Context) (period, error) {
	var win period

	beg := pc.StringVar("beg_date", s.cfg.Task.PeriodStart)
	end := pc.StringVar("end_date", s.cfg.Task.PeriodEnd)

	switch {
	case beg == "" && end == "":
		ref := s.now().UTC()
		firstOfThis := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		win.Beg = firstOfThis.AddDate(0, -1, 0)
		win.End = firstOfThis.AddDate(0, 0, -1)
	case beg == "" || end == "":
		return win, fmt.Errorf("beg_date and end_date must be set together")
	default:
		var err error
		if win.Beg, err = time.Parse("2006-01-02", beg); err != nil {
			return win, fmt.Errorf("beg_date: %w", err)
		}
		if win.End, err = time.Parse("2006-01-02", end); err != nil {
			return win, fmt.Errorf("end_date: %w", err)
		}
	}
	if win.End.Before(win.Beg) {
		return win, fmt.Errorf("end_date %s precedes beg_date %s",
			win.End.Format("2006-01-02"), win.Beg.Format("2006-01-02"))
	}

	firstOfCurrent := time.Date(win.Beg.Year(), win.Beg.Month(), 1, 0, 0, 0, 0, time.UTC)
	win.LastBeg = firstOfCurrent.AddDate(0, -1, 0)
	win.LastEnd = firstOfCurrent.AddDate(0, 0, -1)
	return win, nil
}
