package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var errNotRunning = errors.New("no running daemon")

// pidFile is the path of the file a serving daemon records its PID in.
type pidFile string

func daemonPIDFile(dataDir string) pidFile {
	return pidFile(filepath.Join(dataDir, "incidentd.pid"))
}

func (p pidFile) write() error {
	if err := os.WriteFile(string(p), []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

func (p pidFile) remove() { os.Remove(string(p)) }

// process returns the daemon's process after probing it with signal 0. A
// stale file left by a crashed daemon reports errNotRunning.
func (p pidFile) process() (*os.Process, error) {
	data, err := os.ReadFile(string(p))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w (no PID file)", errNotRunning)
	}
	if err != nil {
		return nil, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file %s: %w", p, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("%w (process %d gone)", errNotRunning, pid)
	}
	return proc, nil
}

// signal delivers sig to the daemon and returns its PID.
func (p pidFile) signal(sig syscall.Signal) (int, error) {
	proc, err := p.process()
	if err != nil {
		return 0, err
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("send %v to %d: %w", sig, proc.Pid, err)
	}
	return proc.Pid, nil
}

// daemon returns the PID file of the configured data directory.
func daemon() pidFile {
	return daemonPIDFile(loadConfig().DataDir)
}
