package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatPolicies renders policies as a table.
func (f *TableFormatter) FormatPolicies(entries []PolicyEntry) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Policy", "Max Requests", "Window"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})

	for _, entry := range entries {
		t.AppendRow(table.Row{entry.Name, entry.MaxRequests, entry.Window})
	}
	return t.Render(), nil
}

// FormatDecisions renders decisions as a table with a summary footer.
func (f *TableFormatter) FormatDecisions(entries []DecisionEntry) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"#", "At", "Action", "Key", "Policy", "Result", "Notes"})

	for _, entry := range entries {
		t.AppendRow(table.Row{
			entry.Seq,
			entry.At,
			entry.Action,
			entry.Key,
			policyLabel(entry),
			outcome(entry),
			detail(entry),
		})
	}

	if len(entries) > 0 {
		t.AppendFooter(table.Row{"", "", "", "", "", Summarize(entries).String(), ""})
	}
	return t.Render(), nil
}
