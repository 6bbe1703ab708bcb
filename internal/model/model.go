// Package model holds the domain types shared across File Conveyor's
// pipeline stages: sources, servers, rules, events, and the records that
// flow between the Arbitrator's queues (spec.md §3 Data Model).
package model

import (
	"fmt"
	"regexp"
)

// EventKind is the sum type of filesystem events a PipelineItem can carry.
type EventKind int

const (
	// CREATED indicates a file appeared that was not seen before.
	CREATED EventKind = iota
	// MODIFIED indicates a known file changed (mtime or content).
	MODIFIED
	// DELETED indicates a file disappeared.
	DELETED
	// DeleteOldFile is the internal pseudo-event used to force cleanup
	// of a stale artifact after a rename-on-modify (spec.md §4.8 DB stage).
	DeleteOldFile
)

func (e EventKind) String() string {
	switch e {
	case CREATED:
		return "CREATED"
	case MODIFIED:
		return "MODIFIED"
	case DELETED:
		return "DELETED"
	case DeleteOldFile:
		return "DELETE_OLD_FILE"
	default:
		return fmt.Sprintf("EventKind(%d)", int(e))
	}
}

// MergeEvent implements the event-coalescing table of spec.md §4.8. ok is
// false when the pair means "remove the pipeline item entirely"
// (CREATED followed by DELETED).
func MergeEvent(old, new EventKind) (merged EventKind, ok bool) {
	switch old {
	case CREATED:
		switch new {
		case CREATED, MODIFIED:
			return CREATED, true
		case DELETED:
			return 0, false
		}
	case MODIFIED:
		switch new {
		case CREATED, MODIFIED:
			return MODIFIED, true
		case DELETED:
			return DELETED, true
		}
	case DELETED:
		switch new {
		case CREATED, MODIFIED:
			return MODIFIED, true
		case DELETED:
			return DELETED, true
		}
	}
	// Defensive default: treat anything unexpected (e.g. merging with the
	// internal DeleteOldFile pseudo-event) as the newer event winning.
	return new, true
}

// PipelineItem is one unit of work tracked end-to-end: an (input path,
// event) pair. Identity key is InputPath.
type PipelineItem struct {
	InputPath string
	Event     EventKind
}

// Key returns the pipeline-queue identity key for this item.
func (p PipelineItem) Key() string { return p.InputPath }

// Source is a logical input root (spec.md §3 Source).
type Source struct {
	Name         string
	ScanPath     string
	DocumentRoot string // optional; "" means unset
	BasePath     string // optional; "" means unset, else begins/ends with "/"
}

// nameRe validates Source/Server identifiers: [A-Za-z0-9_-]+.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name is a legal Source/Server identifier.
func ValidName(name string) bool { return nameRe.MatchString(name) }

// Server is a sync destination (spec.md §3 Server). Settings is the opaque
// transporter-specific configuration map, immutable after config load.
type Server struct {
	Name           string
	Transporter    string
	MaxConnections int // 0 = unlimited
	Settings       map[string]string
}

// SizeCondition is the optional size-bound filter condition.
type SizeCondition struct {
	Enabled   bool
	Maximum   bool // true = "maximum", false = "minimum"
	Threshold int64
}

// Filter describes the match conditions of spec.md §4.5.
type Filter struct {
	Paths       []string // directory-fragment substrings
	Extensions  []string // without leading dot; matched case-insensitively
	IgnoredDirs []string // directory segment names
	Pattern     *regexp.Regexp
	Size        SizeCondition
}

// Destination is a rule's per-server delivery target.
type Destination struct {
	Server     string
	PathPrefix string // optional prefix prepended to the transported path
}

// Rule ties a Source to an optional Filter, an optional processor chain,
// and one or more Destinations (spec.md §3 Rule).
type Rule struct {
	Label           string
	Source          string
	Filter          *Filter // nil means "no filter", i.e. matches everything
	ProcessorChain  []string
	Destinations    []Destination
	DeletionDelay   *int // seconds; nil = leave source alone, 0 = immediate
}

// HasProcessorChain reports whether the rule has a non-empty chain.
func (r Rule) HasProcessorChain() bool { return len(r.ProcessorChain) > 0 }

// SyncedFile is one row of the Synced-Files Index (spec.md §3 SyncedFile).
type SyncedFile struct {
	InputPath          string
	TransportedBasename string
	URL                string
	Server             string
}

// ScheduledDeletion is a pending source-side deletion (spec.md §3).
type ScheduledDeletion struct {
	InputPath          string
	EarliestDeletionUnix int64
}
