package player

import (
	"context"
	"testing"
	"time"
)

func newTestRegistry() (*Registry, *fakeSink, *fakeOpener) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	r := NewRegistry(testConfig(), opener, &fakeConnector{sink: sink}, nil)
	return r, sink, opener
}

func TestRegistryReturnsSameSession(t *testing.T) {
	r, _, _ := newTestRegistry()
	defer r.DestroyAll()

	a := r.GetOrCreate("g1:c1")
	b := r.GetOrCreate("g1:c1")
	if a != b {
		t.Error("same destination produced different sessions")
	}
	if c := r.GetOrCreate("g2:c1"); c == a {
		t.Error("different destinations shared a session")
	}
}

func TestRegistryPeekDoesNotCreate(t *testing.T) {
	r, _, _ := newTestRegistry()
	defer r.DestroyAll()

	if s := r.Peek("g1:c1"); s != nil {
		t.Error("peek created a session")
	}
	created := r.GetOrCreate("g1:c1")
	if s := r.Peek("g1:c1"); s != created {
		t.Error("peek did not return the live session")
	}
}

func TestRegistryDestroyTearsDownSession(t *testing.T) {
	r, sink, opener := newTestRegistry()

	s := r.GetOrCreate("g1:c1")
	if err := s.Enqueue(context.Background(), tr("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "transfer running", func() bool { return sink.streamCount() == 1 })

	r.Destroy("g1:c1")
	if got := r.Peek("g1:c1"); got != nil {
		t.Error("destroyed session still registered")
	}
	if !sink.isDestroyed() {
		t.Error("sink survived registry destroy")
	}
	if !opener.streamAt(0).isDestroyed() {
		t.Error("pipeline survived registry destroy")
	}
}

func TestRegistryRemovesSessionAfterIdleTeardown(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	settings := &fakeSettings{set: Settings{SecondsWaitAfterEmpty: 1}}
	r := NewRegistry(testConfig(), opener, &fakeConnector{sink: sink}, settings)
	defer r.DestroyAll()

	s := r.GetOrCreate("g1:c1")
	if err := s.Enqueue(context.Background(), tr("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "transfer running", func() bool { return sink.streamCount() == 1 })
	sink.finishCurrent()

	waitUntil(t, 3*time.Second, "session removal", func() bool { return r.Peek("g1:c1") == nil })
}
