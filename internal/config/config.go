// Package config loads and validates the XML configuration document of
// spec.md §6 into the immutable domain model the rest of File Conveyor
// consumes (model.Source, model.Server, model.Rule).
//
// Grounded on _examples/original_source/code/config.py: the same
// three-section document shape (sources/servers/rules), the same
// per-node validation rules, and the same "accumulate every error,
// report them all" behavior rather than failing on the first problem.
// No XML library exists anywhere in the retrieval pack (see DESIGN.md),
// so this package is built on the standard library's encoding/xml —
// the one ambient concern in this codebase not grounded on a
// third-party dependency.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/wimleers/fileconveyor/internal/model"
)

// Error collects every configuration problem found while loading, so an
// operator sees the whole list at once rather than fixing one mistake
// at a time (spec.md §7: configuration errors are fatal at startup).
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %d problem(s):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Config is the validated, immutable result of loading a config file.
type Config struct {
	IgnoredDirs []string
	Sources     map[string]model.Source
	Servers     map[string]model.Server
	Rules       []model.Rule
}

// xmlDocument mirrors the on-disk shape for encoding/xml to unmarshal
// into, kept private: callers only ever see the validated Config.
type xmlDocument struct {
	Sources xmlSources `xml:"sources"`
	Servers xmlServers `xml:"servers"`
	Rules   xmlRules   `xml:"rules"`
}

type xmlSources struct {
	IgnoredDirs string      `xml:"ignoredDirs,attr"`
	Source      []xmlSource `xml:"source"`
}

type xmlSource struct {
	Name         string `xml:"name,attr"`
	ScanPath     string `xml:"scanPath,attr"`
	DocumentRoot string `xml:"documentRoot,attr"`
	BasePath     string `xml:"basePath,attr"`
}

type xmlServers struct {
	Server []xmlServer `xml:"server"`
}

type xmlServer struct {
	Name           string          `xml:"name,attr"`
	Transporter    string          `xml:"transporter,attr"`
	MaxConnections string          `xml:"maxConnections,attr"`
	Settings       []xmlRawSetting `xml:",any"`
}

// xmlRawSetting captures an arbitrary child element's tag name and text
// content, mirroring config.py's getchildren() loop over transporter
// settings, since a server's settings schema differs per transporter.
type xmlRawSetting struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

type xmlRules struct {
	Rule []xmlRule `xml:"rule"`
}

type xmlRule struct {
	For            string             `xml:"for,attr"`
	Label          string             `xml:"label,attr"`
	Filter         *xmlFilter         `xml:"filter"`
	ProcessorChain *xmlProcessorChain `xml:"processorChain"`
	Destinations   xmlDestinations    `xml:"destinations"`
	DeletionDelay  *string            `xml:"deletionDelay"`
}

type xmlFilter struct {
	Paths       string   `xml:"paths"`
	Extensions  string   `xml:"extensions"`
	IgnoredDirs string   `xml:"ignoredDirs"`
	Pattern     string   `xml:"pattern"`
	Size        *xmlSize `xml:"size"`
}

type xmlSize struct {
	ConditionType string `xml:"conditionType,attr"`
	Threshold     string `xml:",chardata"`
}

type xmlProcessorChain struct {
	Processor []xmlProcessor `xml:"processor"`
}

type xmlProcessor struct {
	Name string `xml:"name,attr"`
}

type xmlDestinations struct {
	Destination []xmlDestination `xml:"destination"`
}

type xmlDestination struct {
	Server string `xml:"server,attr"`
	Path   string `xml:"path,attr"`
}

// listSep is the delimiter config.py's caller-side Filter expects
// between list-valued filter conditions (paths, extensions,
// ignoredDirs) and the sources-level ignoredDirs attribute.
const listSep = ":"

// Load reads and validates the config file at path, returning every
// problem found at once via *Error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: failed to read %q", path)
	}

	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Problems: []string{fmt.Sprintf("the XML file is invalid: %v", err)}}
	}

	l := &loader{cfg: &Config{
		Sources: map[string]model.Source{},
		Servers: map[string]model.Server{},
	}}
	l.parseSources(doc.Sources)
	l.parseServers(doc.Servers)
	l.parseRules(doc.Rules)

	if len(l.problems) > 0 {
		return nil, &Error{Problems: l.problems}
	}
	return l.cfg, nil
}

type loader struct {
	cfg      *Config
	problems []string
}

func (l *loader) fail(format string, args ...interface{}) {
	l.problems = append(l.problems, fmt.Sprintf(format, args...))
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, listSep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (l *loader) parseSources(sources xmlSources) {
	l.cfg.IgnoredDirs = splitList(sources.IgnoredDirs)

	for _, s := range sources.Source {
		if !model.ValidName(s.Name) {
			l.fail("the name %q for a source is invalid; only alphanumeric characters, dashes and underscores are allowed", s.Name)
		}
		if s.ScanPath == "" {
			l.fail("source %q has no scanPath configured", s.Name)
		} else if _, err := os.Stat(s.ScanPath); err != nil {
			l.fail("source %q scan path %q does not exist", s.Name, s.ScanPath)
		}
		if s.DocumentRoot != "" {
			if _, err := os.Stat(s.DocumentRoot); err != nil {
				l.fail("source %q document root %q does not exist", s.Name, s.DocumentRoot)
			}
		}
		if s.BasePath != "" && (!strings.HasPrefix(s.BasePath, "/") || !strings.HasSuffix(s.BasePath, "/")) {
			l.fail("source %q base path %q is invalid; it must begin and end with '/'", s.Name, s.BasePath)
		}
		l.cfg.Sources[s.Name] = model.Source{
			Name:         s.Name,
			ScanPath:     s.ScanPath,
			DocumentRoot: s.DocumentRoot,
			BasePath:     s.BasePath,
		}
	}
}

func (l *loader) parseServers(servers xmlServers) {
	for _, s := range servers.Server {
		maxConn := 0
		if s.MaxConnections != "" {
			n, err := strconv.Atoi(s.MaxConnections)
			if err != nil {
				l.fail("server %q has an invalid maxConnections value %q", s.Name, s.MaxConnections)
			} else {
				maxConn = n
			}
		}
		settings := make(map[string]string, len(s.Settings))
		for _, raw := range s.Settings {
			settings[raw.XMLName.Local] = strings.TrimSpace(raw.Text)
		}
		if s.Transporter == "" {
			l.fail("server %q has no transporter configured", s.Name)
		}
		l.cfg.Servers[s.Name] = model.Server{
			Name:           s.Name,
			Transporter:    s.Transporter,
			MaxConnections: maxConn,
			Settings:       settings,
		}
	}
}

func (l *loader) parseRules(rules xmlRules) {
	for _, r := range rules.Rule {
		if _, ok := l.cfg.Sources[r.For]; !ok {
			l.fail("rule %q references non-existing source %q", r.Label, r.For)
		}

		rule := model.Rule{Label: r.Label, Source: r.For}

		if r.Filter != nil {
			rule.Filter = l.parseFilter(r.Label, r.Filter)
		}
		if r.ProcessorChain != nil {
			for _, p := range r.ProcessorChain.Processor {
				rule.ProcessorChain = append(rule.ProcessorChain, p.Name)
			}
		}
		if len(r.Destinations.Destination) == 0 {
			l.fail("rule %q must configure at least one destination", r.Label)
		}
		for _, d := range r.Destinations.Destination {
			if d.Server == "" {
				l.fail("rule %q: a destination is missing its 'server' attribute", r.Label)
				continue
			}
			if _, ok := l.cfg.Servers[d.Server]; !ok {
				l.fail("rule %q: destination references non-existing server %q", r.Label, d.Server)
				continue
			}
			rule.Destinations = append(rule.Destinations, model.Destination{Server: d.Server, PathPrefix: d.Path})
		}
		if r.DeletionDelay != nil {
			seconds, err := strconv.Atoi(strings.TrimSpace(*r.DeletionDelay))
			if err != nil {
				l.fail("rule %q has an invalid deletionDelay value %q", r.Label, *r.DeletionDelay)
			} else {
				rule.DeletionDelay = &seconds
			}
		}

		// Config-driven ignoredDirs from <sources> applies to every
		// rule unless the rule's own filter already set one
		// (SPEC_FULL.md supplemented feature #1; mirrors config.py's
		// global ignored_dirs merged with each rule's Filter at use).
		if len(l.cfg.IgnoredDirs) > 0 {
			if rule.Filter == nil {
				rule.Filter = &model.Filter{}
			}
			if len(rule.Filter.IgnoredDirs) == 0 {
				rule.Filter.IgnoredDirs = l.cfg.IgnoredDirs
			}
		}

		l.cfg.Rules = append(l.cfg.Rules, rule)
	}
}

func (l *loader) parseFilter(label string, f *xmlFilter) *model.Filter {
	out := &model.Filter{
		Paths:       splitList(f.Paths),
		Extensions:  splitList(f.Extensions),
		IgnoredDirs: splitList(f.IgnoredDirs),
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(strings.TrimSpace(f.Pattern))
		if err != nil {
			l.fail("rule %q has an invalid filter pattern %q: %v", label, f.Pattern, err)
		} else {
			out.Pattern = re
		}
	}
	if f.Size != nil {
		threshold, err := strconv.ParseInt(strings.TrimSpace(f.Size.Threshold), 10, 64)
		if err != nil {
			l.fail("rule %q has an invalid filter size threshold %q", label, f.Size.Threshold)
		}
		switch f.Size.ConditionType {
		case "minimum":
			out.Size = model.SizeCondition{Enabled: true, Maximum: false, Threshold: threshold}
		case "maximum":
			out.Size = model.SizeCondition{Enabled: true, Maximum: true, Threshold: threshold}
		default:
			l.fail("rule %q has an invalid size conditionType %q; must be \"minimum\" or \"maximum\"", label, f.Size.ConditionType)
		}
	}
	return out
}
