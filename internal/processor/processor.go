// Package processor implements the Processor and Processor Chain of
// spec.md §4.6: an ordered, per-file transformation pipeline producing
// an output artifact, with a requeue escape hatch for processors whose
// prerequisites are not yet met.
//
// Grounded on
// _examples/original_source/fileconveyor/processors/processor.py: the
// base Processor class's path-splitting/output-basename conventions,
// and ProcessorChain.run()'s sequential-execution, intermediate-file
// cleanup, and exception-to-callback translation.
package processor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wimleers/fileconveyor/internal/fclog"
)

// ErrRequestToRequeue signals that a processor's prerequisites were not
// yet met; the Arbitrator should place the file on the failed-files
// list for a later retry (spec.md §4.6).
var ErrRequestToRequeue = errors.New("processor: requested requeue")

// ErrDocumentRootAndBasePathRequired signals a processor was skipped
// non-fatally because the owning source has no document root/base path
// configured (spec.md §4.6, SPEC_FULL.md supplemented feature).
var ErrDocumentRootAndBasePathRequired = errors.New("processor: document root and base path required")

// Context carries everything a Processor needs beyond the current
// input file: the original file this chain started from, the owning
// source's document root/base path, which server (if any) the chain is
// specializing for, and the working directory processed artifacts live
// under.
type Context struct {
	OriginalFile      string
	DocumentRoot      string
	BasePath          string
	ProcessForServer  string
	WorkingDir        string
}

// Processor transforms inputFile (the chain's original source file for
// the first processor that runs, a previous processor's output inside
// ctx.WorkingDir after that) into a new file inside ctx.WorkingDir, and
// returns its path.
type Processor interface {
	// Name identifies the processor for logging and chain configuration.
	Name() string
	// ValidExtensions lists the lowercase extensions (without the dot)
	// this processor applies to; an empty slice means "all extensions".
	ValidExtensions() []string
	// DifferentPerServer reports whether this processor's output can
	// differ depending on which destination server it runs for
	// (spec.md §4.6's per-server specialization trigger).
	DifferentPerServer() bool
	// Run performs the transformation and returns the output file path.
	Run(inputFile string, ctx Context) (string, error)
}

// WouldProcess reports whether p would process a file with this path,
// based solely on its declared valid extensions.
func WouldProcess(p Processor, path string) bool {
	exts := p.ValidExtensions()
	if len(exts) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// OutputPathFor computes the default output path for basename inside
// ctx.WorkingDir, mirroring originalFile's directory beneath it (the
// file's full directory path minus its leading separator, or the part
// below ctx.WorkingDir if it already lies there), and ensures that
// directory exists.
func OutputPathFor(ctx Context, originalFile, basename string) (string, error) {
	rel := sourceRelativeDir(ctx.WorkingDir, originalFile)
	dir := filepath.Join(ctx.WorkingDir, rel)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, basename), nil
}

// sourceRelativeDir mirrors get_path_parts: if the file's directory is
// already inside workingDir (because a previous processor already ran),
// strip that prefix so each successive processor writes back into the
// same relative subtree rather than nesting deeper.
func sourceRelativeDir(workingDir, file string) string {
	dir := filepath.Dir(file)
	if strings.HasPrefix(dir, workingDir) {
		dir = strings.TrimPrefix(dir, workingDir)
	}
	return strings.TrimPrefix(dir, string(filepath.Separator))
}

// registry is the extension point processors register themselves with,
// by name, so a Rule's configured processor-chain names resolve to
// concrete Processor values (spec.md §4.6; the distilled spec's
// concrete processors such as an image optimizer or CSS link rewriter
// are intentionally out of scope, per SPEC_FULL.md's domain-stack
// notes — this registry is what a later addition would plug into).
var registry = map[string]func() Processor{}

// Register adds a processor constructor under name. Typically called
// from an init() in the package implementing a concrete processor.
func Register(name string, ctor func() Processor) {
	registry[name] = ctor
}

// Lookup instantiates the processor registered under name, if any.
func Lookup(name string) (Processor, bool) {
	ctor, ok := registry[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// SuccessFunc is called once a chain finishes, with the chain's
// original input file and its final output file.
type SuccessFunc func(inputFile, outputFile string)

// ErrorFunc is called when a chain must be abandoned: either a
// processor requested a requeue, or failed unexpectedly.
type ErrorFunc func(inputFile string)

// Chain runs a sequence of named processors against a single input
// file, in order, deleting each processor's superseded intermediate
// output as it goes (spec.md §4.6).
type Chain struct {
	names   []string
	ctx     Context
	onOK    SuccessFunc
	onError ErrorFunc
	log     *fclog.Logger
}

// NewChain builds a Chain for inputFile. names is copied so the caller
// may reuse its backing slice across chains (mirrors
// ProcessorChainFactory.make_chain_for's copy.copy of the processor
// list).
func NewChain(names []string, inputFile string, ctx Context, onOK SuccessFunc, onError ErrorFunc) *Chain {
	cp := make([]string, len(names))
	copy(cp, names)
	ctx.OriginalFile = inputFile
	return &Chain{
		names:   cp,
		ctx:     ctx,
		onOK:    onOK,
		onError: onError,
		log:     fclog.For("processor-chain"),
	}
}

// Run executes the chain synchronously. The Arbitrator is responsible
// for running it on its own goroutine when concurrency is desired,
// mirroring ProcessorChain being a thread in the original but kept here
// as a plain method so the caller controls scheduling.
func (c *Chain) Run(inputFile string) {
	runID := uuid.NewString()
	log := c.log.With(map[string]interface{}{"run": runID}).WithInput(inputFile)
	output := inputFile
	for _, name := range c.names {
		proc, ok := Lookup(name)
		if !ok {
			log.Warnf("unknown processor %q, skipping", name)
			continue
		}
		if !WouldProcess(proc, output) {
			continue
		}
		oldOutput := output
		next, err := proc.Run(output, c.ctx)
		switch {
		case errors.Is(err, ErrRequestToRequeue):
			log.Warnf("processor %s requested requeue: %v", proc.Name(), err)
			c.onError(inputFile)
			return
		case errors.Is(err, ErrDocumentRootAndBasePathRequired):
			log.Warnf("processor %s skipped: document root/base path required", proc.Name())
			continue
		case err != nil:
			log.Errorf("processor %s failed: %v", proc.Name(), err)
			c.onError(inputFile)
			return
		}
		output = next
		// Never remove the original input file, only superseded
		// intermediates (spec.md §4.6).
		if oldOutput != output && oldOutput != inputFile {
			_ = os.Remove(oldOutput)
		}
	}
	log.Debugf("chain finished, output %s", output)
	c.onOK(inputFile, output)
}
