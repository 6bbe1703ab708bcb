// Package fsmonitor implements the Filesystem Monitor of spec.md §4.4:
// an abstraction over an OS-level notification backend (fsnotify) that
// emits (root, path, event) records on a user callback, with a
// persistent mode that replays events missed while the daemon was not
// running by diffing against the Path Scanner's snapshot.
//
// The watch-loop shape (a goroutine owning the fsnotify watcher and a
// known/changed bookkeeping map, commands delivered over channels) is
// grounded on rclone's backend/local change-notification loop.
package fsmonitor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/wimleers/fileconveyor/internal/fclog"
	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/pathscanner"
)

// Event is a single notification delivered to the monitor's callback.
// Path is nil (empty) for DroppedEvents, per spec.md §4.4.
type Event struct {
	Root string
	Path string
	Kind model.EventKind
}

// DroppedEvents is a synthetic kind, distinct from model.EventKind,
// signaling that the backend may have lost events for Root and the
// Arbitrator should trigger a tree rescan (spec.md §4.4).
const DroppedEvents model.EventKind = 100

// Callback receives monitor events. It runs on the monitor's own
// goroutine, never concurrently with itself.
type Callback func(Event)

type watchedRoot struct {
	root      string
	persistent bool
}

// Monitor watches a set of roots and emits file-level CREATED/MODIFIED/
// DELETED/DroppedEvents events to a Callback (spec.md §4.4). CREATED and
// MODIFIED events for directories never reach the callback; DELETED is
// passed through for directories and files alike, since a removed path
// can no longer be stat()ed to tell them apart.
type Monitor struct {
	scanner  *pathscanner.Scanner
	callback Callback
	log      *fclog.Logger

	watcher *fsnotify.Watcher

	addCh    chan watchedRoot
	removeCh chan string
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu    sync.Mutex
	roots map[string]bool // watched root directories
	known map[string]bool // every path seen via fsnotify, across all roots
}

// New creates a Monitor. scanner is used for persistent-mode replay and
// for keeping the snapshot current as events are observed.
func New(scanner *pathscanner.Scanner, cb Callback) (*Monitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		scanner:  scanner,
		callback: cb,
		log:      fclog.For("fsmonitor"),
		watcher:  w,
		addCh:    make(chan watchedRoot),
		removeCh: make(chan string),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		roots:    make(map[string]bool),
		known:    make(map[string]bool),
	}
	return m, nil
}

// Start launches the monitor's event loop goroutine.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop shuts the monitor down and waits for its goroutine to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// AddDir asynchronously begins watching root. If persistent is true and
// a snapshot for root already exists, the events that occurred while
// unwatched are synthesized via the Path Scanner and delivered in
// root-first order before live events begin; if no snapshot exists an
// initial scan is performed silently, with no events (spec.md §4.4).
func (m *Monitor) AddDir(root string, persistent bool) {
	m.addCh <- watchedRoot{root: filepath.Clean(root), persistent: persistent}
}

// RemoveDir asynchronously stops watching root.
func (m *Monitor) RemoveDir(root string) {
	m.removeCh <- filepath.Clean(root)
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			_ = m.watcher.Close()
			return
		case wr := <-m.addCh:
			m.handleAddDir(wr)
		case root := <-m.removeCh:
			_ = m.watcher.Remove(root)
			m.forgetRoot(root)
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleFsnotifyEvent(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warnf("watcher error: %v", err)
		}
	}
}

func (m *Monitor) handleAddDir(wr watchedRoot) {
	if err := m.watchTree(wr.root); err != nil {
		m.log.Errorf("failed to watch %s: %v", wr.root, err)
		return
	}

	if !wr.persistent {
		return
	}

	// A brand-new root (no prior snapshot) performs its initial scan
	// silently; ScanTree/Scan against an empty snapshot reports every
	// entry as "created", which would be wrong to surface as events for
	// a never-before-seen root. This must be checked before ScanTree
	// runs, since ScanTree itself commits the snapshot rows that would
	// make HasSnapshot true afterwards.
	if !m.scanner.HasSnapshot(wr.root) {
		if err := m.scanner.InitialScan(wr.root); err != nil {
			m.log.Errorf("initial scan of %s failed: %v", wr.root, err)
		}
		return
	}

	results, err := m.scanner.ScanTree(wr.root)
	if err != nil {
		m.log.Errorf("replay scan of %s failed: %v", wr.root, err)
		m.emit(Event{Root: wr.root, Kind: DroppedEvents})
		return
	}
	for _, sub := range results {
		for _, name := range sub.Result.Created {
			p := filepath.Join(sub.Dir, name)
			if isDir(p) {
				continue // its files are reported by its own Scan
			}
			m.emit(Event{Root: wr.root, Path: p, Kind: model.CREATED})
		}
		for _, name := range sub.Result.Modified {
			m.emit(Event{Root: wr.root, Path: filepath.Join(sub.Dir, name), Kind: model.MODIFIED})
		}
		for _, name := range sub.Result.Deleted {
			m.emit(Event{Root: wr.root, Path: filepath.Join(sub.Dir, name), Kind: model.DELETED})
		}
	}
}

func (m *Monitor) watchTree(root string) error {
	if err := m.watcher.Add(root); err != nil {
		return err
	}
	m.mu.Lock()
	m.roots[root] = true
	m.known[root] = true
	m.mu.Unlock()
	return nil
}

func (m *Monitor) forgetRoot(root string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roots, root)
	prefix := root + string(filepath.Separator)
	for p := range m.known {
		if p == root || strings.HasPrefix(p, prefix) {
			delete(m.known, p)
		}
	}
}

// handleFsnotifyEvent translates a raw fsnotify event into a CREATED/
// MODIFIED/DELETED callback, mirroring rclone's known/changed
// bookkeeping: the entry type for remove/rename events must be looked
// up from what was last known, since stat() no longer works on a
// removed path.
func (m *Monitor) handleFsnotifyEvent(ev fsnotify.Event) {
	root := m.rootFor(ev.Name)
	if root == "" {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		m.mu.Lock()
		m.known[ev.Name] = true
		m.mu.Unlock()
		if isDir(ev.Name) {
			// Directory events are suppressed; watch it and let its
			// contents generate their own events (spec.md §4.4).
			_ = m.watcher.Add(ev.Name)
			return
		}
		m.emit(Event{Root: root, Path: ev.Name, Kind: model.CREATED})
	case ev.Has(fsnotify.Write):
		if isDir(ev.Name) {
			return
		}
		m.emit(Event{Root: root, Path: ev.Name, Kind: model.MODIFIED})
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		m.mu.Lock()
		_, wasKnown := m.known[ev.Name]
		delete(m.known, ev.Name)
		m.mu.Unlock()
		if !wasKnown {
			return
		}
		m.emit(Event{Root: root, Path: ev.Name, Kind: model.DELETED})
	}
}

// rootFor returns the longest watched root that is an ancestor of path.
func (m *Monitor) rootFor(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := ""
	for r := range m.roots {
		if r == path || strings.HasPrefix(path, r+string(filepath.Separator)) {
			if len(r) > len(best) {
				best = r
			}
		}
	}
	return best
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}

func (m *Monitor) emit(e Event) {
	m.callback(e)
}
