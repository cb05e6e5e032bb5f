package output

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatPolicies renders policies as a JSON array.
func (f *JSONFormatter) FormatPolicies(entries []PolicyEntry) (string, error) {
	if entries == nil {
		entries = []PolicyEntry{}
	}
	return marshalJSON(entries, f.Indent)
}

// FormatDecisions renders decisions with a summary.
func (f *JSONFormatter) FormatDecisions(entries []DecisionEntry) (string, error) {
	if entries == nil {
		entries = []DecisionEntry{}
	}
	return marshalJSON(struct {
		Decisions []DecisionEntry `json:"decisions"`
		Summary   Summary         `json:"summary"`
	}{entries, Summarize(entries)}, f.Indent)
}
