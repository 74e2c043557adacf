// Package task assembles reconciliation pipelines from mode definitions,
// runs them against the configured inputs and resumes interrupted runs
// from their checkpoints.
package task

import (
	_ "embed"
	"fmt"
	"sort"
	"time"

	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"gopkg.in/yaml.v3"
)

//go:embed modes.yaml
var modesYAML []byte

// Mode is one runnable pipeline composition.
type Mode struct {
	Name        string    `yaml:"-"`
	Description string    `yaml:"description"`
	Steps       []StepRef `yaml:"steps"`
}

// StepRef is a single step entry: either a plain name or name + policy
// overrides. In YAML, a step can be written as:
//   - load_parameters
//   - name: process_banks
//     retry_count: 2
//     retry_delay: 5s
type StepRef struct {
	Name       string   `yaml:"name"`
	RetryCount int      `yaml:"retry_count"`
	RetryDelay Duration `yaml:"retry_delay"`
	Timeout    Duration `yaml:"timeout"`
	Required   bool     `yaml:"required"`
}

// UnmarshalYAML allows a step to be a string (step name only) or a struct.
func (s *StepRef) UnmarshalYAML(value *yaml.Node) error {
	var nameOnly string
	if err := value.Decode(&nameOnly); err == nil {
		s.Name = nameOnly
		return nil
	}
	type raw StepRef
	return value.Decode((*raw)(s))
}

// Policy merges the ref's overrides into a step's default policy. Zero
// values leave the default alone; required can only be turned on.
func (s StepRef) Policy(def pipeline.StepConfig) pipeline.StepConfig {
	if s.RetryCount > 0 {
		def.RetryCount = s.RetryCount
	}
	if s.RetryDelay > 0 {
		def.RetryDelay = s.RetryDelay.Duration()
	}
	if s.Timeout > 0 {
		def.Timeout = s.Timeout.Duration()
	}
	if s.Required {
		def.Required = true
	}
	return def
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g.
// "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

type modeSet struct {
	Modes map[string]Mode `yaml:"modes"`
}

// ParseModes parses YAML bytes holding a "modes" map from mode name to
// description and step list.
func ParseModes(data []byte) (map[string]Mode, error) {
	var set modeSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, err
	}
	if len(set.Modes) == 0 {
		return nil, fmt.Errorf("no modes defined")
	}
	for name, m := range set.Modes {
		if len(m.Steps) == 0 {
			return nil, fmt.Errorf("mode %q: no steps", name)
		}
		for i, ref := range m.Steps {
			if ref.Name == "" {
				return nil, fmt.Errorf("mode %q step %d: name required", name, i)
			}
		}
		m.Name = name
		set.Modes[name] = m
	}
	return set.Modes, nil
}

// DefaultModes returns the built in mode definitions.
func DefaultModes() map[string]Mode {
	modes, err := ParseModes(modesYAML)
	if err != nil {
		panic(fmt.Sprintf("task: embedded modes: %v", err))
	}
	return modes
}

// ModeNames lists the mode names sorted.
func ModeNames(modes map[string]Mode) []string {
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
