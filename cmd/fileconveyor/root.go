package main

import (
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wimleers/fileconveyor/internal/arbitrator"
	"github.com/wimleers/fileconveyor/internal/config"
	"github.com/wimleers/fileconveyor/internal/fclog"
	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/pathscanner"
	"github.com/wimleers/fileconveyor/internal/store"

	_ "github.com/wimleers/fileconveyor/internal/transporter/ftp"
	_ "github.com/wimleers/fileconveyor/internal/transporter/local"
	_ "github.com/wimleers/fileconveyor/internal/transporter/s3"
	_ "github.com/wimleers/fileconveyor/internal/transporter/sftp"
)

var (
	configFile string
	pidFile    string
	verbosity  int
	workingDir string
	statePath  string
	supervised bool
)

var log = fclog.For("main")

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fileconveyor [config file]",
		Short: "File Conveyor watches source directories and syncs matching files to configured destinations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				configFile = args[0]
			}
			return run()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "config.xml", "path to the XML configuration file")
	flags.StringVar(&pidFile, "pid-file", "", "path to write the daemon's PID to (disabled if empty)")
	flags.CountVarP(&verbosity, "verbose", "v", "increase logging verbosity (-v debug, -vv trace)")
	flags.StringVar(&workingDir, "working-dir", "fileconveyor-working", "directory processed artifacts live under; emptied at startup and clean shutdown")
	flags.StringVar(&statePath, "state-file", "fileconveyor.db", "path to the embedded database holding durable queues and the synced-files index")
	flags.BoolVar(&supervised, "supervised", false, "run under fileconveyor-supervisor, which restarts the daemon after an unhandled crash")

	return cmd
}

func run() error {
	fclog.Configure(verbosity, nil)

	if supervised {
		return runUnderSupervisor()
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Errorf("configuration invalid: %v", err)
		return err
	}

	if pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			log.Errorf("failed to write PID file: %v", err)
			return err
		}
		defer os.Remove(pidFile)
	}

	if err := os.MkdirAll(workingDir, 0755); err != nil {
		log.Errorf("failed to create working directory %q: %v", workingDir, err)
		return err
	}

	db, err := store.Open(statePath, 5*time.Second)
	if err != nil {
		log.Errorf("failed to open state file %q: %v", statePath, err)
		return err
	}
	defer db.Close()

	scanner, err := pathscanner.New(db.Bolt(), cfg.IgnoredDirs)
	if err != nil {
		log.Errorf("failed to initialize path scanner: %v", err)
		return err
	}

	sources := make([]model.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, s)
	}
	servers := make([]model.Server, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, s)
	}

	a, err := arbitrator.New(db, sources, servers, cfg.Rules, workingDir, scanner)
	if err != nil {
		log.Errorf("startup validation failed: %v", err)
		return err
	}

	if err := a.Start(); err != nil {
		log.Errorf("failed to start: %v", err)
		return err
	}
	log.Infof("started, watching %d source(s) under %d rule(s)", len(sources), len(cfg.Rules))

	waitForShutdownSignal()

	log.Infof("shutting down")
	a.Stop()
	log.Infof("stopped cleanly")
	return nil
}

// waitForShutdownSignal blocks until SIGINT, SIGTSTP or SIGTERM is
// received, matching spec.md §6's CLI surface (orderly shutdown on any
// of the three).
func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTSTP, syscall.SIGTERM)
	<-sigCh
}

// runUnderSupervisor re-execs the current process under
// fileconveyor-supervisor (SPEC_FULL.md supplemented feature #5),
// passing every flag through except --supervised itself, so the child
// invocation doesn't recurse.
func runUnderSupervisor() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	supervisorPath := filepath.Join(filepath.Dir(self), "fileconveyor-supervisor")

	var childArgs []string
	for _, a := range os.Args[1:] {
		if a != "--supervised" {
			childArgs = append(childArgs, a)
		}
	}

	cmd := exec.Command(supervisorPath, childArgs...)
	cmd.Stdout, cmd.Stderr, cmd.Stdin = os.Stdout, os.Stderr, os.Stdin
	return cmd.Run()
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}
