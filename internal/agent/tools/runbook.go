package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const maxRunbookChars = 50000

// Runbook fetches an operational runbook page and converts its HTML to
// markdown. Relative paths resolve against the configured base URL.
type Runbook struct {
	baseURL string
	client  *http.Client
}

// NewRunbook creates a Runbook tool. baseURL may be empty, in which case
// only absolute URLs are accepted.
func NewRunbook(baseURL string) *Runbook {
	return &Runbook{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *Runbook) Name() string { return "fetch_runbook" }
func (r *Runbook) Description() string {
	return "Fetch a runbook page and return its content as markdown"
}
func (r *Runbook) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "Runbook URL or path relative to the runbook site"}
		},
		"required": ["url"]
	}`)
}

func (r *Runbook) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if r.baseURL == "" {
		return "", fmt.Errorf("relative runbook path %q but no runbook base URL configured", raw)
	}
	base, err := url.Parse(r.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

func (r *Runbook) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.URL == "" {
		return "", fmt.Errorf("url is required")
	}
	target, err := r.resolve(params.URL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "incidentd/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch runbook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	var md string
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		md, err = htmltomarkdown.ConvertString(string(body))
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
	} else {
		md = string(body)
	}

	if len(md) > maxRunbookChars {
		md = md[:maxRunbookChars] + "\n\n[Content truncated]"
	}
	return md, nil
}
