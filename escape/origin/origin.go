/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package origin implements the Origin Supervisor (SPEC_FULL.md §4.7): it
// launches the workload, watches for either the workload exiting or one of
// the configured escape signals, and on escape hands off to the launch-pod
// command, the destination's connection, and the Freeze Controller.
//
// The signal plane is built on os/signal.Notify rather than a hand-rolled
// sigprocmask/sigwaitinfo pair: Go's runtime already owns signal
// disposition across its M:N scheduler, and every signal-handling example
// in this codebase's lineage (see utils/signals.go) reaches for
// signal.Notify rather than managing raw thread masks. Notify is given an
// explicit set (forwardableSignals, unioned with the configured escape
// signals) rather than no filter at all, so the "ignore all but forward"
// design in SPEC_FULL.md §5 doesn't also pick up Go's own SIGURG
// async-preemption signal. SIGCHLD needs no special casing because
// exec.Cmd.Wait reaps the child without relying on the process's own
// SIGCHLD disposition.
package origin

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/crewlab/escapepod/escape/args"
	"github.com/crewlab/escapepod/escape/elog"
	"github.com/crewlab/escapepod/escape/freeze"
	"github.com/crewlab/escapepod/escape/transport"
	"github.com/google/uuid"
)

// forwardableSignals is the fixed set of signals the supervisor forwards
// to the workload, modeled on utils/signals.go's WaitForQuit/
// GetQuitChannel list plus the common job-control and user-defined
// signals a supervised workload expects to see. The escape signals
// configured via --signal are unioned in at Notify time so they're
// delivered here too even if a caller names something outside this set
// (e.g. SIGWINCH is already covered, but nothing stops --signal 13, i.e.
// SIGPIPE given by number).
// Notify is never called with no filter: that would also catch SIGURG
// (Go's async-preemption signal), which fires constantly and would churn
// the forwarding path for no reason.
var forwardableSignals = []os.Signal{
	syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM,
	syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGWINCH, syscall.SIGTSTP, syscall.SIGCONT,
}

// event is the one-shot payload delivered to the supervisor: either the
// workload exited on its own, or an escape signal arrived.
type event struct {
	childExited bool
	exitCode    int
	sig         os.Signal
}

// Supervisor runs the origin side of one escapepod session.
type Supervisor struct {
	args      *args.Args
	lg        *elog.Logger
	sessionID string
}

// New builds a Supervisor from parsed CLI arguments and a logger. A fresh
// session id is minted here so every log line for this run, on both the
// origin and (once launched) the destination host, can be correlated
// (SPEC_FULL.md §11).
func New(a *args.Args, lg *elog.Logger) *Supervisor {
	return &Supervisor{args: a, lg: lg, sessionID: uuid.NewString()}
}

// Run executes the full Starting → WaitingForChildOrSignal →
// (Exited | Escaping → LaunchingPod → AwaitingDestination → Freezing →
// Done) state machine and returns the process exit code (SPEC_FULL.md
// §4.7, §6).
func (s *Supervisor) Run() int {
	srv, err := transport.Listen(fmt.Sprintf(":%d", s.args.Port))
	if err != nil {
		s.lg.Critical("failed to bind", elog.KVErr(err))
		return 1
	}
	defer srv.Close()
	s.lg.Info("session starting", elog.KV("session_id", s.sessionID))

	cmd := exec.Command(s.args.ChildArgv[0], s.args.ChildArgv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.lg.Critical("failed to start workload", elog.KVErr(err))
		return 1
	}
	s.lg.Info("entrypoint process started", elog.KV("pid", cmd.Process.Pid))

	events := make(chan event, 1)

	sigCh := make(chan os.Signal, 8)
	notifySet := append([]os.Signal{}, forwardableSignals...)
	for _, sig := range s.args.Signals {
		notifySet = append(notifySet, sig)
	}
	signal.Notify(sigCh, notifySet...)
	defer signal.Stop(sigCh)

	go s.signalWaiter(sigCh, cmd, events)
	go s.childWatcher(cmd, events)

	s.lg.Debug("waiting for signals", elog.KV("escape_set", fmt.Sprintf("%v", s.args.Signals)))
	ev := <-events

	if ev.childExited {
		s.lg.Info("child exited", elog.KV("code", ev.exitCode))
		return ev.exitCode
	}

	s.lg.Info("escape signal received", elog.KV("signal", ev.sig))
	return s.escape(srv, cmd.Process.Pid)
}

// signalWaiter classifies each delivered signal: escape-set members
// publish the one-shot escape event, everything else is forwarded to the
// workload process itself (not to its process group).
func (s *Supervisor) signalWaiter(sigCh chan os.Signal, cmd *exec.Cmd, events chan<- event) {
	for sig := range sigCh {
		unixSig, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		if s.args.ContainsSignal(unixSig) {
			select {
			case events <- event{sig: sig}:
			default:
			}
			return
		}
		s.lg.Debug("forwarding signal to workload", elog.KV("signal", sig), elog.KV("pid", cmd.Process.Pid))
		if err := cmd.Process.Signal(sig); err != nil {
			s.lg.Warn("failed to forward signal", elog.KVErr(err))
		}
	}
}

// childWatcher publishes ChildExited with the workload's normal exit
// status, or 128+signum for a signal-terminated exit (spec.md §6).
func (s *Supervisor) childWatcher(cmd *exec.Cmd, events chan<- event) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				code = 128 + int(status.Signal())
			} else {
				code = exitErr.ExitCode()
			}
		} else {
			code = 1
		}
	}
	select {
	case events <- event{childExited: true, exitCode: code}:
	default:
	}
}

// escape runs the launch-pod command, accepts the resulting destination
// connection, and streams the freeze over it (SPEC_FULL.md §4.7).
func (s *Supervisor) escape(srv *transport.Server, workloadPid int) int {
	port := srv.Addr().(*net.TCPAddr).Port
	podCmd := exec.Command("sh", "-c", s.args.LaunchPodCommand)
	podCmd.Env = append(os.Environ(),
		fmt.Sprintf("ESCAPEE_PORT=%d", port),
		fmt.Sprintf("ESCAPEE_SESSION=%s", s.sessionID))
	podCmd.Stdin = os.Stdin
	podCmd.Stdout = os.Stdout
	podCmd.Stderr = os.Stderr

	s.lg.Debug("running launch pod command", elog.KV("command", s.args.LaunchPodCommand))
	if err := podCmd.Run(); err != nil {
		s.lg.Critical("launch pod command failed", elog.KVErr(err))
		return 1
	}
	s.lg.Debug("launch pod command executed successfully")

	s.lg.Info("waiting for connection from destination")
	conn, err := srv.Accept()
	if err != nil {
		s.lg.Critical("failed to accept destination connection", elog.KVErr(err))
		return 1
	}

	if err := freeze.Run(conn, int32(workloadPid), s.lg); err != nil {
		s.lg.Critical("freeze failed", elog.KVErr(err))
		return 1
	}
	return 0
}
