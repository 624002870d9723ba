package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const maxQueryResultChars = 20000

// Query sends a natural-language or structured query to a named diagnostic
// backend (topology graph, telemetry, logs) and returns its findings as
// ---QUERY--- / ---RESULT--- blocks.
type Query struct {
	backends map[string]string
	client   *http.Client
}

// NewQuery creates a Query tool over the given backend name → URL map.
func NewQuery(backends map[string]string) *Query {
	return &Query{
		backends: backends,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (q *Query) Name() string { return "query_backend" }
func (q *Query) Description() string {
	return "Query a diagnostic backend (" + strings.Join(q.backendNames(), ", ") + ") and return its findings"
}
func (q *Query) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"backend": {"type": "string", "description": "Backend name"},
			"query": {"type": "string", "description": "What to look up"}
		},
		"required": ["backend", "query"]
	}`)
}

func (q *Query) backendNames() []string {
	names := make([]string, 0, len(q.backends))
	for name := range q.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Results []queryResult `json:"results"`
}

type queryResult struct {
	Query string            `json:"query"`
	Text  string            `json:"text,omitempty"`
	Rows  []json.RawMessage `json:"rows,omitempty"`
}

func (q *Query) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Backend string `json:"backend"`
		Query   string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	endpoint, ok := q.backends[params.Backend]
	if !ok {
		return "", fmt.Errorf("unknown backend %q (have: %s)", params.Backend, strings.Join(q.backendNames(), ", "))
	}

	body, err := json.Marshal(queryRequest{Query: params.Query})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", params.Backend, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s error (status %d): %s", params.Backend, resp.StatusCode, string(data))
	}

	var result queryResponse
	if err := json.Unmarshal(data, &result); err != nil || len(result.Results) == 0 {
		// Not the structured format; hand the raw answer back as one block.
		return truncate(formatBlock(params.Query, string(data))), nil
	}

	var sb strings.Builder
	for _, r := range result.Results {
		text := r.Text
		if len(r.Rows) > 0 {
			lines := make([]string, len(r.Rows))
			for i, row := range r.Rows {
				lines[i] = string(row)
			}
			text = strings.Join(lines, "\n")
		}
		query := r.Query
		if query == "" {
			query = params.Query
		}
		sb.WriteString(formatBlock(query, text))
	}
	return truncate(sb.String()), nil
}

func formatBlock(query, result string) string {
	return "---QUERY---\n" + strings.TrimSpace(query) + "\n---RESULT---\n" + strings.TrimSpace(result) + "\n"
}

func truncate(s string) string {
	if len(s) > maxQueryResultChars {
		return s[:maxQueryResultChars] + "\n[truncated]"
	}
	return s
}
