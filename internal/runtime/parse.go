package runtime

import "strings"

const (
	queryMarker  = "---QUERY---"
	resultMarker = "---RESULT---"
)

// SubStep is one query/result pair found in a step result.
type SubStep struct {
	Query  string
	Result string
}

// ParseSubSteps extracts ---QUERY--- / ---RESULT--- blocks from a step
// result. Text before the first query marker is ignored. Input that does
// not follow the format yields no sub-steps.
func ParseSubSteps(text string) []SubStep {
	if !strings.Contains(text, queryMarker) {
		return nil
	}
	var out []SubStep
	blocks := strings.Split(text, queryMarker)
	for _, block := range blocks[1:] {
		q, r, ok := strings.Cut(block, resultMarker)
		if !ok {
			// A query without a result breaks the format; keep nothing.
			return nil
		}
		if strings.Contains(r, resultMarker) {
			return nil
		}
		query := strings.TrimSpace(q)
		if query == "" {
			return nil
		}
		out = append(out, SubStep{Query: query, Result: strings.TrimSpace(r)})
	}
	return out
}
