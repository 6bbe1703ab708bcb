// Command fileconveyor-supervisor is the optional outer wrapper of
// SPEC_FULL.md supplemented feature #5: it runs the fileconveyor daemon
// as a child process and restarts it after an unhandled crash, unless
// the operator stopped it from the console (Ctrl+C / Ctrl+Z).
//
// Grounded on
// _examples/original_source/code/daemon_thread_runner.py:
// DaemonThreadRunner distinguishes SIGINT/SIGTSTP (entered by an
// operator watching the console — never restart) from an ordinary
// crash (always worth retrying, spec.md §7's "Unhandled exceptions in
// the main loop" policy).
package main

import (
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/wimleers/fileconveyor/internal/fclog"
)

// SupervisorRestartInterval is how long the supervisor sleeps between
// restart attempts after the daemon exits with a non-zero status
// (spec.md §7).
const SupervisorRestartInterval = 5 * time.Second

var log = fclog.For("supervisor")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(childArgs []string) int {
	stoppedInConsole := false

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTSTP, syscall.SIGTERM)

	for {
		cmd := exec.Command(daemonPath(), childArgs...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin

		if err := cmd.Start(); err != nil {
			log.Errorf("failed to start fileconveyor: %v", err)
			return 1
		}
		log.Infof("started fileconveyor (pid %d)", cmd.Process.Pid)

		waitCh := make(chan error, 1)
		go func() { waitCh <- cmd.Wait() }()

		select {
		case sig := <-sigCh:
			// Every one of the three signals is forwarded to the
			// child and ends the supervisor without a restart.
			// SIGINT/SIGTSTP (an operator watching the console)
			// also set stoppedInConsole, mirroring
			// stopped_in_console.
			if sig == os.Interrupt || sig == syscall.SIGTSTP {
				stoppedInConsole = true
			}
			_ = cmd.Process.Signal(sig)
			<-waitCh
			log.Infof("stopped by signal %v, not restarting", sig)
			return 0
		case err := <-waitCh:
			if err == nil {
				log.Infof("fileconveyor exited cleanly")
				return 0
			}
			if stoppedInConsole {
				return 0
			}
			log.Errorf("fileconveyor crashed: %v; restarting in %s", err, SupervisorRestartInterval)
			time.Sleep(SupervisorRestartInterval)
		}
	}
}

// daemonPath locates the fileconveyor binary alongside the supervisor,
// falling back to PATH lookup.
func daemonPath() string {
	if self, err := os.Executable(); err == nil && strings.HasSuffix(filepath.Base(self), "fileconveyor-supervisor") {
		sibling := filepath.Join(filepath.Dir(self), "fileconveyor")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "fileconveyor"
}
