package task

import (
	"fmt"
	"sync"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/datasource"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/task/recon"
)

// Deps carries what step factories need.
type Deps struct {
	Config  *config.Config
	Sources *datasource.Cache
}

// Factory builds the pipeline steps for one mode entry. Most entries map
// to exactly one step; process_banks expands to one step per configured
// bank.
type Factory func(deps *Deps, ref StepRef) ([]pipeline.Step, error)

// Registry maps step names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty step registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given name. Overwrites any existing
// registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[name] = f
}

// Get returns the factory for name, or nil and false if not found.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns all registered step names (unordered).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

// DefaultRegistry registers every built in step.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register("load_parameters", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewLoadParameters(deps.Config)
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("process_banks", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		banks := deps.Config.Task.Banks
		if len(banks) == 0 {
			return nil, fmt.Errorf("no banks configured")
		}
		steps := make([]pipeline.Step, 0, len(banks))
		for _, bank := range banks {
			st := recon.NewStatementStep(bank, deps.Sources)
			st.Config = ref.Policy(st.Config)
			steps = append(steps, st)
		}
		return steps, nil
	})
	r.Register("aggregate_settlement", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewAggregateSettlement(deps.Sources)
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("load_installment", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewLoadInstallment(deps.Sources)
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("generate_trust_account", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewGenerateTrustAccount()
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("load_daily_check_params", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewLoadDailyCheckParams(deps.Sources)
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("process_frr", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewProcessFRR(deps.Sources)
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("process_dfr", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewProcessDFR(deps.Sources)
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("calculate_apcc", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewCalculateAPCC()
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("validate_daily_check", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewValidateDailyCheck()
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("prepare_entries", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewPrepareEntries()
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})
	r.Register("output_workpaper", func(deps *Deps, ref StepRef) ([]pipeline.Step, error) {
		st := recon.NewOutputWorkpaper()
		st.Config = ref.Policy(st.Config)
		return []pipeline.Step{st}, nil
	})

	return r
}
