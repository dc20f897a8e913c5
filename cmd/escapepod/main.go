/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Command escapepod is the single binary that plays both the origin
// supervisor and destination driver roles (SPEC_FULL.md §6, §10.3),
// distinguishing the two by the presence of ESCAPEE_ADDR in its
// environment.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/crewlab/escapepod/escape/args"
	"github.com/crewlab/escapepod/escape/destination"
	"github.com/crewlab/escapepod/escape/elog"
	"github.com/crewlab/escapepod/escape/origin"
	"github.com/crewlab/escapepod/escape/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	a, err := args.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	lg := elog.NewDiscardLogger()
	if path := os.Getenv("ESCAPEPOD_LOG"); path != "" {
		if fileLg, err := elog.NewFile(path); err == nil {
			lg = fileLg
		} else {
			fmt.Fprintln(os.Stderr, "escapepod: failed to open log file, discarding logs:", err)
		}
	}
	defer lg.Close()

	if a.IsDestination() {
		return runDestination(a, lg)
	}
	return origin.New(a, lg).Run()
}

// runDestination dials the origin named by ESCAPEE_ADDR and runs the
// destination driver against it (spec.md §6, SPEC_FULL.md §4.8). The
// restorer binary is expected next to this one under the fixed name
// escapepod-restore (spec.md §6's "Restorer binary" note).
func runDestination(a *args.Args, lg *elog.Logger) int {
	lg.Info("destination starting", elog.KV("session_id", a.SessionID), elog.KV("origin_addr", a.EscapeeAddr))

	conn, err := transport.Dial(a.EscapeeAddr)
	if err != nil {
		lg.Critical("failed to dial origin", elog.KV("addr", a.EscapeeAddr), elog.KVErr(err))
		return 1
	}
	defer conn.Close()

	restorerPath, err := restorerBinaryPath()
	if err != nil {
		lg.Critical("failed to resolve restorer binary path", elog.KVErr(err))
		return 1
	}

	if err := destination.Run(conn, restorerPath, lg); err != nil {
		lg.Critical("destination run failed", elog.KVErr(err))
		return 1
	}
	return 0
}

func restorerBinaryPath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(self), "escapepod-restore"), nil
}
