package arbitrator

import (
	"path/filepath"
	"strings"

	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/transporter"
)

// remKey identifies one (input, triggering event, rule) propagation,
// the composite identity spec.md §9's Design Notes calls out by name:
// "the RemainingTransporters map is keyed by a composite identity
// (input, event, rule)... reimplementations should use a structured
// tuple/key type rather than a stringified key." This is exactly that
// structured key type.
type remKey struct {
	input string
	event model.EventKind
	rule  string
}

// processJob is one pending Processor Chain run.
type processJob struct {
	item   model.PipelineItem
	rule   model.Rule
	server string // "" means the chain runs once, globally
	source model.Source
}

// transportJob is one pending transporter operation.
type transportJob struct {
	input      string
	event      model.EventKind
	rule       string
	server     string
	destPrefix string
	outputFile string
	action     transporter.Action
}

// dstRel computes the destination-relative path a transportJob is
// delivered under: the destination's configured path prefix plus the
// output file's basename.
func (j transportJob) dstRel() string {
	name := filepath.Base(j.outputFile)
	if j.destPrefix == "" {
		return name
	}
	return strings.TrimSuffix(j.destPrefix, "/") + "/" + name
}

// dbJob is one pending Synced-Files Index bookkeeping operation,
// produced once a transport operation completes.
type dbJob struct {
	input                string
	event                model.EventKind
	rule                 string
	server               string
	transportedBasename  string
	url                  string
}
