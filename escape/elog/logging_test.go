/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package elog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "test.log")
	fout, err := os.Create(p)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	return New(fout), p
}

func TestLevelFromString(t *testing.T) {
	cases := map[string]Level{
		"debug":    DEBUG,
		"INFO":     INFO,
		"Warn":     WARN,
		"WARNING":  WARN,
		"error":    ERROR,
		"critical": CRITICAL,
		"fatal":    FATAL,
		"off":      OFF,
	}
	for in, want := range cases {
		got, err := LevelFromString(in)
		if err != nil {
			t.Errorf("LevelFromString(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("LevelFromString(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := LevelFromString("bogus"); err != ErrInvalidLevel {
		t.Errorf("expected ErrInvalidLevel for bogus input, got %v", err)
	}
}

func TestNewWritesStructuredLine(t *testing.T) {
	lg, path := newLogger(t)
	if err := lg.Info("workload started", KV("pid", 42)); err != nil {
		t.Fatalf("Info: %v", err)
	}
	lg.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(b)
	if !strings.Contains(line, "workload started") {
		t.Errorf("log line missing message: %q", line)
	}
	if !strings.Contains(line, "pid=\"42\"") {
		t.Errorf("log line missing kv field: %q", line)
	}
}

func TestSetLevelGatesLowerSeverity(t *testing.T) {
	lg, path := newLogger(t)
	if err := lg.SetLevel(WARN); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	lg.Debug("should not appear")
	lg.Info("also should not appear")
	lg.Warn("should appear")
	lg.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "should not appear") {
		t.Errorf("sub-threshold lines leaked through: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("at-threshold line missing: %q", out)
	}
}

func TestSetLevelStringRejectsUnknown(t *testing.T) {
	lg, _ := newLogger(t)
	defer lg.Close()
	if err := lg.SetLevelString("nonsense"); err != ErrInvalidLevel {
		t.Errorf("expected ErrInvalidLevel, got %v", err)
	}
}

func TestCloseIsIdempotentFailure(t *testing.T) {
	lg, _ := newLogger(t)
	if err := lg.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := lg.Close(); err != ErrNotOpen {
		t.Errorf("second Close should return ErrNotOpen, got %v", err)
	}
}

func TestKVErrNilStillEmitsField(t *testing.T) {
	lg, path := newLogger(t)
	if err := lg.Error("op failed", KVErr(nil)); err != nil {
		t.Fatalf("Error: %v", err)
	}
	lg.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `error=""`) {
		t.Errorf("expected empty error field, got %q", string(b))
	}
}

func TestNewDiscardLoggerNeverErrors(t *testing.T) {
	lg := NewDiscardLogger()
	if err := lg.Info("anything"); err != nil {
		t.Errorf("discard logger returned error: %v", err)
	}
	if err := lg.Close(); err != nil {
		t.Errorf("discard logger Close returned error: %v", err)
	}
}
