package task

import (
	"testing"
	"time"

	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
)

func TestDefaultModes(t *testing.T) {
	modes := DefaultModes()

	want := []string{"daily_check", "entry", "escrow", "full", "full_with_entry", "installment"}
	got := ModeNames(modes)
	if len(got) != len(want) {
		t.Fatalf("modes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("modes = %v, want %v", got, want)
		}
	}

	for name, m := range modes {
		if m.Name != name {
			t.Errorf("mode %q: Name = %q", name, m.Name)
		}
		if m.Description == "" {
			t.Errorf("mode %q: empty description", name)
		}
		if m.Steps[0].Name != "load_parameters" {
			t.Errorf("mode %q: first step = %q, want load_parameters", name, m.Steps[0].Name)
		}
	}

	if n := len(modes["full_with_entry"].Steps); n != 12 {
		t.Errorf("full_with_entry has %d steps, want 12", n)
	}
	if n := len(modes["escrow"].Steps); n != 3 {
		t.Errorf("escrow has %d steps, want 3", n)
	}

	// the bank step carries a retry override in the definition
	var banks StepRef
	for _, ref := range modes["full"].Steps {
		if ref.Name == "process_banks" {
			banks = ref
		}
	}
	if banks.RetryCount != 2 {
		t.Errorf("process_banks retry_count = %d, want 2", banks.RetryCount)
	}
	if banks.RetryDelay.Duration() != 5*time.Second {
		t.Errorf("process_banks retry_delay = %s, want 5s", banks.RetryDelay.Duration())
	}
}

func TestParseModesStringOrStruct(t *testing.T) {
	src := []byte(`
modes:
  demo:
    description: mixed step forms
    steps:
      - load_parameters
      - name: process_banks
        retry_count: 3
        retry_delay: 2s
        timeout: 1m
        required: true
`)
	modes, err := ParseModes(src)
	if err != nil {
		t.Fatalf("ParseModes: %v", err)
	}
	m := modes["demo"]
	if len(m.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(m.Steps))
	}
	if m.Steps[0].Name != "load_parameters" || m.Steps[0].RetryCount != 0 {
		t.Errorf("plain ref parsed wrong: %+v", m.Steps[0])
	}
	ref := m.Steps[1]
	if ref.Name != "process_banks" || ref.RetryCount != 3 || !ref.Required {
		t.Errorf("struct ref parsed wrong: %+v", ref)
	}
	if ref.Timeout.Duration() != time.Minute {
		t.Errorf("timeout = %s, want 1m", ref.Timeout.Duration())
	}
}

func TestParseModesRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"no modes":   `modes: {}`,
		"no steps":   "modes:\n  broken:\n    description: x\n    steps: []",
		"empty name": "modes:\n  broken:\n    steps:\n      - name: ''\n",
		"bad timing": "modes:\n  broken:\n    steps:\n      - name: x\n        timeout: tomorrow\n",
	}
	for label, src := range cases {
		if _, err := ParseModes([]byte(src)); err == nil {
			t.Errorf("%s: ParseModes should fail", label)
		}
	}
}

func TestStepRefPolicy(t *testing.T) {
	def := pipeline.StepConfig{RetryCount: 1, RetryDelay: time.Second, Required: true}

	// zero overrides keep the defaults
	got := (StepRef{Name: "x"}).Policy(def)
	if got != def {
		t.Errorf("empty ref changed policy: %+v", got)
	}

	ref := StepRef{Name: "x", RetryCount: 5, Timeout: Duration(time.Minute)}
	got = ref.Policy(pipeline.StepConfig{})
	if got.RetryCount != 5 || got.Timeout != time.Minute {
		t.Errorf("overrides not applied: %+v", got)
	}
	if got.Required {
		t.Error("required should stay off when the ref does not set it")
	}
}
