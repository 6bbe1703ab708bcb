package fsmonitor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/pathscanner"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) collect(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func newTestMonitor(t *testing.T) (*Monitor, *pathscanner.Scanner, *eventSink) {
	t.Helper()
	dbDir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dbDir, "scan.db"), 0644, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	scanner, err := pathscanner.New(db, nil)
	require.NoError(t, err)

	sink := &eventSink{}
	m, err := New(scanner, sink.collect)
	require.NoError(t, err)
	m.Start()
	t.Cleanup(m.Stop)

	return m, scanner, sink
}

func TestAddDirWithNoSnapshotScansSilently(t *testing.T) {
	m, scanner, sink := newTestMonitor(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

	m.AddDir(root, true)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, sink.snapshot())
	assert.True(t, scanner.HasSnapshot(root))
}

func TestAddDirPersistentReplaysMissedChanges(t *testing.T) {
	m, scanner, sink := newTestMonitor(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))
	require.NoError(t, scanner.InitialScan(root))

	// Simulate a change while "not running": a new file appears.
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("y"), 0644))

	m.AddDir(root, true)
	time.Sleep(50 * time.Millisecond)

	var found bool
	for _, e := range sink.snapshot() {
		if e.Kind == model.CREATED && filepath.Base(e.Path) == "b.txt" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAddDirNonPersistentDoesNotReplay(t *testing.T) {
	m, scanner, sink := newTestMonitor(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))
	require.NoError(t, scanner.InitialScan(root))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("y"), 0644))

	m.AddDir(root, false)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, sink.snapshot())
}

func TestLiveCreateEventIsDelivered(t *testing.T) {
	m, _, sink := newTestMonitor(t)
	root := t.TempDir()

	m.AddDir(root, false)
	time.Sleep(20 * time.Millisecond)

	path := filepath.Join(root, "new.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.Eventually(t, func() bool {
		for _, e := range sink.snapshot() {
			if e.Kind == model.CREATED && e.Path == path {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
