// Command fileconveyor runs the File Conveyor daemon: it loads a
// config file, starts the Arbitrator, and keeps running until it
// receives a termination signal or the Arbitrator encounters a fatal
// startup error (spec.md §6 External Interfaces, §7 Error Handling).
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
