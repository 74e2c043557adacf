package config

import (
	"fmt"
	"strings"
)

// normalizeBanks cleans bank entries and removes duplicate categories.
func normalizeBanks(banks []BankConfig) []BankConfig {
	if len(banks) == 0 {
		return nil
	}
	norm := make([]BankConfig, 0, len(banks))
	for _, b := range banks {
		b.Name = strings.TrimSpace(b.Name)
		b.StatementPath = strings.TrimSpace(b.StatementPath)
		b.FeeRate = strings.TrimSpace(b.FeeRate)
		b.FeeAccount = strings.TrimSpace(b.FeeAccount)
		b.Categories = sanitizeCategoryList(b.Categories)
		norm = append(norm, b)
	}
	return norm
}

// validateBanks ensures configured banks do not conflict and are well-formed.
func validateBanks(banks []BankConfig) error {
	seen := make(map[string]struct{}, len(banks))
	for i, b := range banks {
		if b.Name == "" {
			return fmt.Errorf("task.banks[%d].name required", i)
		}
		key := strings.ToLower(b.Name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("bank conflict: %q configured more than once", b.Name)
		}
		seen[key] = struct{}{}
		if b.StatementPath == "" {
			return fmt.Errorf("task.banks[%d] (%s): statement_path required", i, b.Name)
		}
		if b.FeeRate != "" && b.FeeAccount == "" {
			return fmt.Errorf("task.banks[%d] (%s): fee_account required when fee_rate is set", i, b.Name)
		}
	}
	return nil
}

func sanitizeCategoryList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, raw := range values {
		cat := strings.ToLower(strings.TrimSpace(raw))
		if cat == "" {
			continue
		}
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	return out
}
