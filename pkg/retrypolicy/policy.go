package retrypolicy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the retry constants. Delays are in milliseconds to keep the
// YAML representation plain.
type Policy struct {
	MaxAttempts int   `yaml:"max_attempts"`
	BaseMs      int64 `yaml:"base_ms"`
	MaxMs       int64 `yaml:"max_ms"`
	MaxJitterMs int64 `yaml:"max_jitter_ms"`
}

// DefaultPolicy returns the production defaults: five attempts, thirty
// minute base doubling up to a day, five minutes of jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseMs:      30 * 60 * 1000,
		MaxMs:       24 * 60 * 60 * 1000,
		MaxJitterMs: 5 * 60 * 1000,
	}
}

// Validate checks policy invariants. MaxJitterMs must not exceed BaseMs:
// that bound is what keeps successive backoff delays non-decreasing.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retrypolicy: max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseMs <= 0 {
		return fmt.Errorf("retrypolicy: base_ms must be positive, got %d", p.BaseMs)
	}
	if p.MaxMs < p.BaseMs {
		return fmt.Errorf("retrypolicy: max_ms %d is below base_ms %d", p.MaxMs, p.BaseMs)
	}
	if p.MaxJitterMs < 0 || p.MaxJitterMs > p.BaseMs {
		return fmt.Errorf("retrypolicy: max_jitter_ms must be in [0, base_ms], got %d", p.MaxJitterMs)
	}
	return nil
}

// LoadPolicy reads a policy YAML file. Missing fields fall back to the
// defaults; the merged result is validated.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("retrypolicy: failed to read %s: %w", path, err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("retrypolicy: failed to parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
