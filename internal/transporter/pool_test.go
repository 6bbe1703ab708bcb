package transporter

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/pacer"
)

type fakeBackend struct {
	mu     sync.Mutex
	stored map[string]string
}

func newFakeBackend() *fakeBackend { return &fakeBackend{stored: map[string]string{}} }

func (b *fakeBackend) Exists(_ context.Context, dstRel string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.stored[dstRel]
	return ok, nil
}
func (b *fakeBackend) Store(_ context.Context, srcAbs, dstRel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stored[dstRel] = srcAbs
	return nil
}
func (b *fakeBackend) Remove(_ context.Context, dstRel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stored, dstRel)
	return nil
}
func (b *fakeBackend) URL(dstRel string) string { return "http://fake/" + dstRel }

func newFakeTransporter() Transporter {
	w := NewWorker(newFakeBackend(), pacer.New(pacer.RetriesOption(1)), "test")
	w.Start()
	return w
}

func TestWorkerSyncFileAddModifyCallsOnDone(t *testing.T) {
	tr := newFakeTransporter()
	defer tr.Stop()

	done := make(chan string, 1)
	tr.SyncFile("/src/a.txt", "a.txt", AddModify, func(url string) { done <- url }, func(error) { t.Fatal("no error expected") })
	url := <-done
	assert.Equal(t, "http://fake/a.txt", url)
}

func TestPoolDispatchCreatesWorkerOnDemand(t *testing.T) {
	Register("FAKE", func(model.Server) (Transporter, error) { return newFakeTransporter(), nil })
	p := NewPool(model.Server{Transporter: "FAKE", MaxConnections: 2})

	deferred, err := p.Dispatch("/src/a.txt", "a.txt", AddModify, nil, nil)
	require.NoError(t, err)
	assert.False(t, deferred)
	assert.Equal(t, 1, len(p.workers))
}

func TestPoolDispatchReusesUnderloadedWorker(t *testing.T) {
	Register("FAKE2", func(model.Server) (Transporter, error) { return newFakeTransporter(), nil })
	p := NewPool(model.Server{Transporter: "FAKE2", MaxConnections: 5})

	_, err := p.Dispatch("/src/a.txt", "a.txt", AddModify, nil, nil)
	require.NoError(t, err)
	_, err = p.Dispatch("/src/b.txt", "b.txt", AddModify, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, len(p.workers))
}
