package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRunbookName(t *testing.T) {
	r := NewRunbook("")
	if r.Name() != "fetch_runbook" {
		t.Errorf("expected 'fetch_runbook', got %q", r.Name())
	}
}

func TestRunbookExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Link Down</h1><p>Check the optic first.</p></body></html>`))
	}))
	defer server.Close()

	r := NewRunbook("")
	args, _ := json.Marshal(map[string]string{"url": server.URL})
	result, err := r.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "Link Down") {
		t.Errorf("expected 'Link Down' in result, got %q", result)
	}
	if !strings.Contains(result, "Check the optic first") {
		t.Errorf("expected body text in result, got %q", result)
	}
}

func TestRunbookRelativePath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("restart the BGP session"))
	}))
	defer server.Close()

	r := NewRunbook(server.URL + "/runbooks/")
	args, _ := json.Marshal(map[string]string{"url": "bgp-flap.html"})
	result, err := r.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/runbooks/bgp-flap.html" {
		t.Errorf("expected resolved path /runbooks/bgp-flap.html, got %s", gotPath)
	}
	if result != "restart the BGP session" {
		t.Errorf("expected plain text passthrough, got %q", result)
	}
}

func TestRunbookRelativeWithoutBase(t *testing.T) {
	r := NewRunbook("")
	args, _ := json.Marshal(map[string]string{"url": "bgp-flap.html"})
	if _, err := r.Execute(context.Background(), args); err == nil {
		t.Fatal("expected error for relative path without base URL")
	}
}

func TestRunbookMissingURL(t *testing.T) {
	r := NewRunbook("")
	args, _ := json.Marshal(map[string]string{})
	if _, err := r.Execute(context.Background(), args); err == nil {
		t.Fatal("expected error for missing URL")
	}
}

func TestRunbookTruncation(t *testing.T) {
	long := strings.Repeat("x", 60000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>" + long + "</p></body></html>"))
	}))
	defer server.Close()

	r := NewRunbook("")
	args, _ := json.Marshal(map[string]string{"url": server.URL})
	result, err := r.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if len(result) > 51000 {
		t.Errorf("expected truncation, got length %d", len(result))
	}
}
