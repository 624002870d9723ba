package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestQueryStructuredResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Query != "neighbors of core-1" {
			t.Errorf("unexpected query: %s", req.Query)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"query": "MATCH (n)-[:LINK]-(m {name:'core-1'}) RETURN n", "rows": []any{map[string]string{"name": "edge-7"}}},
				{"query": "interface status", "text": "eth0 down since 09:12"},
			},
		})
	}))
	defer server.Close()

	q := NewQuery(map[string]string{"graph": server.URL})
	args, _ := json.Marshal(map[string]string{"backend": "graph", "query": "neighbors of core-1"})
	result, err := q.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(result, "---QUERY---") != 2 {
		t.Errorf("expected two query blocks, got %q", result)
	}
	if !strings.Contains(result, `{"name":"edge-7"}`) {
		t.Errorf("expected row in result, got %q", result)
	}
	if !strings.Contains(result, "eth0 down since 09:12") {
		t.Errorf("expected text result, got %q", result)
	}
}

func TestQueryPlainResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cpu 97% on core-1"))
	}))
	defer server.Close()

	q := NewQuery(map[string]string{"telemetry": server.URL})
	args, _ := json.Marshal(map[string]string{"backend": "telemetry", "query": "cpu core-1"})
	result, err := q.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	want := "---QUERY---\ncpu core-1\n---RESULT---\ncpu 97% on core-1\n"
	if result != want {
		t.Errorf("expected %q, got %q", want, result)
	}
}

func TestQueryUnknownBackend(t *testing.T) {
	q := NewQuery(map[string]string{"graph": "http://127.0.0.1:1"})
	args, _ := json.Marshal(map[string]string{"backend": "logs", "query": "x"})
	_, err := q.Execute(context.Background(), args)
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}

func TestQueryBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	q := NewQuery(map[string]string{"graph": server.URL})
	args, _ := json.Marshal(map[string]string{"backend": "graph", "query": "x"})
	if _, err := q.Execute(context.Background(), args); err == nil {
		t.Fatal("expected error for 503")
	}
}
