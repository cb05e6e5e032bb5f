package output

import (
	"fmt"
	"strings"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

// FormatPolicies renders policies as Markdown.
func (f *MarkdownFormatter) FormatPolicies(entries []PolicyEntry) (string, error) {
	var sb strings.Builder
	sb.WriteString("| Policy | Max Requests | Window |\n")
	sb.WriteString("|--------|-------------:|--------|\n")
	for _, entry := range entries {
		sb.WriteString(fmt.Sprintf("| %s | %d | %s |\n",
			escapeMarkdownCell(entry.Name), entry.MaxRequests, entry.Window))
	}
	return sb.String(), nil
}

// FormatDecisions renders decisions as Markdown.
func (f *MarkdownFormatter) FormatDecisions(entries []DecisionEntry) (string, error) {
	var sb strings.Builder
	sb.WriteString("| # | At | Action | Key | Policy | Result | Notes |\n")
	sb.WriteString("|---|----|--------|-----|--------|--------|-------|\n")
	for _, entry := range entries {
		sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s | %s | %s |\n",
			entry.Seq,
			entry.At,
			entry.Action,
			escapeMarkdownCell(entry.Key),
			escapeMarkdownCell(policyLabel(entry)),
			outcome(entry),
			escapeMarkdownCell(detail(entry)),
		))
	}
	if len(entries) > 0 {
		sb.WriteString(fmt.Sprintf("\n**Summary**: %s\n", Summarize(entries)))
	}
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
