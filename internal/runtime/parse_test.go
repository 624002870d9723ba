package runtime

import "testing"

func TestParseSubSteps(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []SubStep
	}{
		{"plain text", "ok", nil},
		{"empty", "", nil},
		{
			"single block",
			"---QUERY---\nneighbors\n---RESULT---\nagg-2\n",
			[]SubStep{{Query: "neighbors", Result: "agg-2"}},
		},
		{
			"preamble ignored",
			"found:\n---QUERY---\na\n---RESULT---\nb",
			[]SubStep{{Query: "a", Result: "b"}},
		},
		{
			"two blocks",
			"---QUERY---\na\n---RESULT---\nb\n---QUERY---\nc\n---RESULT---\nd",
			[]SubStep{{Query: "a", Result: "b"}, {Query: "c", Result: "d"}},
		},
		{"query without result", "---QUERY---\na\n", nil},
		{"empty query", "---QUERY---\n---RESULT---\nb", nil},
		{"double result", "---QUERY---\na\n---RESULT---\nb\n---RESULT---\nc", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSubSteps(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d sub-steps, got %+v", len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sub-step %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}
