package player

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/altheris/kagura/internal/track"
)

type fakeResolver struct {
	tracks     []track.Track
	fromSearch bool
	err        error
}

func (f *fakeResolver) Resolve(ctx context.Context, query, requester string) ([]track.Track, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return f.tracks, f.fromSearch, nil
}

func newTestEngine(sink *fakeSink, opener *fakeOpener, res TrackResolver, set Settings) *Engine {
	reg := NewRegistry(testConfig(), opener, &fakeConnector{sink: sink}, &fakeSettings{set: set})
	return NewEngine(reg, res)
}

func TestEngineEnqueueStartsAndReports(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	res := &fakeResolver{tracks: []track.Track{tr("a"), tr("b")}}
	eng := newTestEngine(sink, opener, res, Settings{})

	got, err := eng.Enqueue(context.Background(), "guild1:chan1", "some playlist", "tester")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got.AddedCount != 2 || got.FirstTitle != "a" || !got.WillPlayImmediately {
		t.Fatalf("unexpected result: %+v", got)
	}
	waitUntil(t, time.Second, "playback start", func() bool {
		return sink.streamCount() == 1
	})

	got, err = eng.Enqueue(context.Background(), "guild1:chan1", "more", "tester")
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if got.WillPlayImmediately {
		t.Fatal("second enqueue should not report immediate playback")
	}
}

func TestEngineEnqueueSearchTakesTopHit(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	res := &fakeResolver{tracks: []track.Track{tr("hit"), tr("second"), tr("third")}, fromSearch: true}
	eng := newTestEngine(sink, opener, res, Settings{})

	got, err := eng.Enqueue(context.Background(), "guild1:chan1", "free text", "tester")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got.AddedCount != 1 || got.FirstTitle != "hit" {
		t.Fatalf("want only the top hit, got %+v", got)
	}
}

func TestEngineEnqueueHonorsPlaylistLimit(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	res := &fakeResolver{tracks: []track.Track{tr("a"), tr("b"), tr("c"), tr("d")}}
	eng := newTestEngine(sink, opener, res, Settings{PlaylistLimit: 2})

	got, err := eng.Enqueue(context.Background(), "guild1:chan1", "big playlist", "tester")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got.AddedCount != 2 {
		t.Fatalf("want 2 tracks after limit, got %d", got.AddedCount)
	}
}

func TestEngineEnqueuePropagatesResolveError(t *testing.T) {
	res := &fakeResolver{err: errors.New("resolve blew up")}
	eng := newTestEngine(newFakeSink(), &fakeOpener{}, res, Settings{})

	if _, err := eng.Enqueue(context.Background(), "guild1:chan1", "q", "tester"); err == nil {
		t.Fatal("want resolve error")
	}
	if eng.registry.Peek("guild1:chan1") != nil {
		t.Fatal("no session should be created when resolution fails")
	}
}

func TestEngineOpsWithoutSession(t *testing.T) {
	eng := newTestEngine(newFakeSink(), &fakeOpener{}, &fakeResolver{}, Settings{})

	checks := map[string]error{
		"pause":  eng.Pause("guild1:chan1"),
		"resume": eng.Resume("guild1:chan1"),
		"skip":   eng.Skip(context.Background(), "guild1:chan1"),
		"stop":   eng.Stop("guild1:chan1"),
	}
	if err := eng.SetVolume("guild1:chan1", 80); err != nil {
		checks["set-volume"] = err
	} else {
		t.Error("SetVolume: want error without a session")
	}
	if _, err := eng.Volume("guild1:chan1"); err != nil {
		checks["volume"] = err
	} else {
		t.Error("Volume: want error without a session")
	}
	if _, err := eng.QueueView("guild1:chan1", 1, 10); err != nil {
		checks["queue-view"] = err
	} else {
		t.Error("QueueView: want error without a session")
	}
	if err := eng.Shuffle("guild1:chan1"); err != nil {
		checks["shuffle"] = err
	} else {
		t.Error("Shuffle: want error without a session")
	}
	if _, err := eng.Remove("guild1:chan1", 1, 1); err != nil {
		checks["remove"] = err
	} else {
		t.Error("Remove: want error without a session")
	}

	for name, err := range checks {
		if !errors.Is(err, ErrNoActiveSession) {
			t.Errorf("%s: want ErrNoActiveSession, got %v", name, err)
		}
	}
}

func TestEngineStopDestroysSession(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	res := &fakeResolver{tracks: []track.Track{tr("a"), tr("b")}}
	eng := newTestEngine(sink, opener, res, Settings{})

	if _, err := eng.Enqueue(context.Background(), "guild1:chan1", "q", "tester"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitUntil(t, time.Second, "playback start", func() bool {
		return sink.streamCount() == 1
	})

	if err := eng.Stop("guild1:chan1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if eng.registry.Peek("guild1:chan1") != nil {
		t.Error("session survived stop")
	}
	if !sink.isDestroyed() {
		t.Error("sink survived stop")
	}
	if !opener.streamAt(0).isDestroyed() {
		t.Error("active pipeline survived stop")
	}
	if _, err := eng.QueueView("guild1:chan1", 1, 10); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("QueueView after stop = %v, want ErrNoActiveSession", err)
	}
	if err := eng.Stop("guild1:chan1"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("second stop = %v, want ErrNoActiveSession", err)
	}
}

func TestEngineQueueView(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	res := &fakeResolver{tracks: []track.Track{tr("a"), tr("b"), tr("c")}}
	eng := newTestEngine(sink, opener, res, Settings{})

	if _, err := eng.Enqueue(context.Background(), "guild1:chan1", "q", "tester"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitUntil(t, time.Second, "playback start", func() bool {
		return sink.streamCount() == 1
	})

	view, err := eng.QueueView("guild1:chan1", 1, 10)
	if err != nil {
		t.Fatalf("QueueView: %v", err)
	}
	if view.Current == nil || view.Current.Title != "a" {
		t.Fatalf("want current track a, got %+v", view.Current)
	}
	if view.Total != 2 || len(view.Pending) != 2 {
		t.Fatalf("want 2 pending, got total=%d pending=%d", view.Total, len(view.Pending))
	}
	if view.Pending[0].Title != "b" || view.Pending[1].Title != "c" {
		t.Fatalf("unexpected pending order: %+v", view.Pending)
	}
}
