package main

import (
	"errors"
	"os"
	"testing"
)

func TestPIDFile(t *testing.T) {
	pf := daemonPIDFile(t.TempDir())

	if _, err := pf.process(); !errors.Is(err, errNotRunning) {
		t.Fatalf("expected errNotRunning before write, got %v", err)
	}

	if err := pf.write(); err != nil {
		t.Fatal(err)
	}
	proc, err := pf.process()
	if err != nil {
		t.Fatal(err)
	}
	if proc.Pid != os.Getpid() {
		t.Errorf("expected own pid %d, got %d", os.Getpid(), proc.Pid)
	}

	pf.remove()
	if _, err := pf.process(); !errors.Is(err, errNotRunning) {
		t.Errorf("expected errNotRunning after remove, got %v", err)
	}
}

func TestPIDFileGarbage(t *testing.T) {
	pf := daemonPIDFile(t.TempDir())
	if err := os.WriteFile(string(pf), []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := pf.process()
	if err == nil || errors.Is(err, errNotRunning) {
		t.Errorf("expected parse error, got %v", err)
	}
}
