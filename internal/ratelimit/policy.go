package ratelimit

import (
	"sort"
	"strings"
	"time"
)

// Policy is a sliding window admission rule.
type Policy struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window" mapstructure:"window"`
}

// Validate rejects non-positive limits and windows.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return invalidPolicy("max requests must be positive, got %d", p.MaxRequests)
	}
	if p.Window <= 0 {
		return invalidPolicy("window must be positive, got %s", p.Window)
	}
	return nil
}

// Preset names.
const (
	PresetImport = "import"
	PresetSearch = "search"
	PresetAuth   = "auth"
)

// Presets are the policies callers use by default. The limiter does not
// enforce them; they are looked up by name and passed on each check.
var Presets = map[string]Policy{
	// CSV/collection import batches.
	PresetImport: {MaxRequests: 10, Window: time.Hour},
	// Third-party card search API.
	PresetSearch: {MaxRequests: 50, Window: time.Minute},
	// Login attempts.
	PresetAuth: {MaxRequests: 5, Window: 15 * time.Minute},
}

// PolicySet is a named collection of policies.
type PolicySet map[string]Policy

// NewPolicySet copies the presets and applies overrides on top. Overrides
// with an empty name are skipped; invalid overrides return an error.
func NewPolicySet(overrides map[string]Policy) (PolicySet, error) {
	set := make(PolicySet, len(Presets)+len(overrides))
	for name, policy := range Presets {
		set[name] = policy
	}

	for name, policy := range overrides {
		name = normalizeName(name)
		if name == "" {
			continue
		}
		if err := policy.Validate(); err != nil {
			return nil, invalidPolicy("policy %q: %v", name, err)
		}
		set[name] = policy
	}
	return set, nil
}

// Lookup returns the named policy.
func (s PolicySet) Lookup(name string) (Policy, bool) {
	if s == nil {
		policy, ok := Presets[normalizeName(name)]
		return policy, ok
	}
	policy, ok := s[normalizeName(name)]
	return policy, ok
}

// Resolve returns the named policy, or builds one from maxRequests and window
// when name is empty. The returned name is normalized and empty for inline
// policies. Giving both forms is an error.
func (s PolicySet) Resolve(name string, maxRequests int, window time.Duration) (string, Policy, error) {
	name = normalizeName(name)
	if name != "" {
		if maxRequests != 0 || window != 0 {
			return "", Policy{}, invalidPolicy("give either a policy name or max requests and window")
		}
		policy, ok := s.Lookup(name)
		if !ok {
			return "", Policy{}, invalidPolicy("unknown policy %q", name)
		}
		return name, policy, nil
	}

	policy := Policy{MaxRequests: maxRequests, Window: window}
	if err := policy.Validate(); err != nil {
		return "", Policy{}, err
	}
	return "", policy, nil
}

// Names returns the policy names in sorted order.
func (s PolicySet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaxWindow returns the widest window in the set.
func (s PolicySet) MaxWindow() time.Duration {
	var widest time.Duration
	for _, policy := range s {
		if policy.Window > widest {
			widest = policy.Window
		}
	}
	return widest
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
