/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package args

import (
	"errors"
	"syscall"
	"testing"
)

func TestParseRepeatableFlagsAndTrailer(t *testing.T) {
	a, err := Parse([]string{
		"--signal", "SIGUSR1",
		"--signal", "SIGINT",
		"--launch-pod-command", "echo hi",
		"--port", "4242",
		"--path", "/etc",
		"--path", "/var/lib",
		"--", "sleep", "infinity",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(a.Signals) != 2 || !a.ContainsSignal(syscall.SIGUSR1) || !a.ContainsSignal(syscall.SIGINT) {
		t.Fatalf("signals = %v", a.Signals)
	}
	if a.LaunchPodCommand != "echo hi" || a.Port != 4242 {
		t.Fatalf("launch pod / port = %q / %d", a.LaunchPodCommand, a.Port)
	}
	if len(a.Paths) != 2 || a.Paths[0] != "/etc" || a.Paths[1] != "/var/lib" {
		t.Fatalf("paths = %v", a.Paths)
	}
	if len(a.ChildArgv) != 2 || a.ChildArgv[0] != "sleep" || a.ChildArgv[1] != "infinity" {
		t.Fatalf("child argv = %v", a.ChildArgv)
	}
}

func TestParseMissingTrailerFails(t *testing.T) {
	_, err := Parse([]string{"--signal", "SIGUSR1"})
	if !errors.Is(err, ErrNoWorkload) {
		t.Fatalf("expected ErrNoWorkload, got %v", err)
	}
}

func TestParseEmptyTrailerFails(t *testing.T) {
	_, err := Parse([]string{"--signal", "SIGUSR1", "--"})
	if !errors.Is(err, ErrNoWorkload) {
		t.Fatalf("expected ErrNoWorkload, got %v", err)
	}
}

func TestParseUnknownSignal(t *testing.T) {
	_, err := Parse([]string{"--signal", "NOTASIGNAL", "--", "true"})
	if !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("expected ErrUnknownSignal, got %v", err)
	}
}

func TestParseNumericSignal(t *testing.T) {
	a, err := Parse([]string{"--signal", "10", "--", "true"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !a.ContainsSignal(syscall.Signal(10)) {
		t.Fatalf("expected signal 10 in set, got %v", a.Signals)
	}
}
