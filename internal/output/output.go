package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cardkeep/cardkeep/internal/ratelimit"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Replay and check actions.
const (
	ActionCheck   = "check"
	ActionReset   = "reset"
	ActionCleanup = "cleanup"
)

// PolicyEntry is the rendered form of a named policy.
type PolicyEntry struct {
	Name        string `json:"name"`
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
	WindowMS    int64  `json:"window_ms"`
}

// DecisionEntry is one row of a check run or replay.
type DecisionEntry struct {
	Seq          int    `json:"seq"`
	At           string `json:"at"`
	Action       string `json:"action"`
	Key          string `json:"key,omitempty"`
	Policy       string `json:"policy,omitempty"`
	Allowed      bool   `json:"allowed"`
	Limit        int    `json:"limit,omitempty"`
	Remaining    int    `json:"remaining,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	Evicted      int    `json:"evicted,omitempty"`
	Tracked      int    `json:"tracked"`
	Error        string `json:"error,omitempty"`
}

// Formatter renders CLI results.
type Formatter interface {
	FormatPolicies(entries []PolicyEntry) (string, error)
	FormatDecisions(entries []DecisionEntry) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// PolicyEntries converts a policy set to entries sorted by name.
func PolicyEntries(set ratelimit.PolicySet) []PolicyEntry {
	entries := make([]PolicyEntry, 0, len(set))
	for _, name := range set.Names() {
		policy := set[name]
		entries = append(entries, PolicyEntry{
			Name:        name,
			MaxRequests: policy.MaxRequests,
			Window:      policy.Window.String(),
			WindowMS:    policy.Window.Milliseconds(),
		})
	}
	return entries
}

// DecisionFromCheck fills a check row from a limiter decision.
func DecisionFromCheck(seq int, at time.Duration, key, policy string, decision ratelimit.Decision) DecisionEntry {
	return DecisionEntry{
		Seq:          seq,
		At:           at.String(),
		Action:       ActionCheck,
		Key:          key,
		Policy:       policy,
		Allowed:      decision.Allowed,
		Limit:        decision.Limit,
		Remaining:    decision.Remaining,
		RetryAfterMS: decision.RetryAfter.Milliseconds(),
	}
}

// Summary counts allowed and denied checks.
type Summary struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
	Errors  int `json:"errors"`
}

// Summarize tallies check outcomes. Reset and cleanup rows are not counted.
func Summarize(entries []DecisionEntry) Summary {
	var s Summary
	for _, entry := range entries {
		switch {
		case entry.Error != "":
			s.Errors++
		case entry.Action != ActionCheck:
		case entry.Allowed:
			s.Allowed++
		default:
			s.Denied++
		}
	}
	return s
}

func (s Summary) String() string {
	text := fmt.Sprintf("%d allowed, %d denied", s.Allowed, s.Denied)
	if s.Errors > 0 {
		text += fmt.Sprintf(", %d errors", s.Errors)
	}
	return text
}

func marshalJSON(value interface{}, indent bool) (string, error) {
	var (
		data []byte
		err  error
	)
	if indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// outcome is the status cell for a decision row.
func outcome(entry DecisionEntry) string {
	switch {
	case entry.Error != "":
		return "error"
	case entry.Action == ActionReset:
		return "reset"
	case entry.Action == ActionCleanup:
		return fmt.Sprintf("evicted %d", entry.Evicted)
	case entry.Allowed:
		return "allowed"
	default:
		return "denied"
	}
}

// detail is the notes cell for a decision row.
func detail(entry DecisionEntry) string {
	switch {
	case entry.Error != "":
		return entry.Error
	case entry.Action != ActionCheck:
		return fmt.Sprintf("%d tracked", entry.Tracked)
	case entry.Allowed:
		return fmt.Sprintf("%d/%d remaining", entry.Remaining, entry.Limit)
	default:
		return fmt.Sprintf("retry in %s", (time.Duration(entry.RetryAfterMS) * time.Millisecond).String())
	}
}

func policyLabel(entry DecisionEntry) string {
	if entry.Action != ActionCheck {
		return ""
	}
	if entry.Policy == "" {
		return "custom"
	}
	return entry.Policy
}
