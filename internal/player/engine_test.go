package player

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/altheris/kagura/internal/config"
	"github.com/altheris/kagura/internal/guard"
	"github.com/altheris/kagura/internal/track"
)

type fakeStream struct {
	mu         sync.Mutex
	destroyed  bool
	waitMinErr error
}

func (f *fakeStream) Read(p []byte) (int, error) { return 0, io.EOF }
func (f *fakeStream) Buffered() int              { return 0 }

func (f *fakeStream) WaitMin(ctx context.Context, min int, timeout time.Duration) error {
	return f.waitMinErr
}

func (f *fakeStream) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
}

func (f *fakeStream) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

type fakeOpener struct {
	mu      sync.Mutex
	opens   []string
	volumes []int
	streams []*fakeStream
	openErr error
	errFor  map[string]error // per-URL open failures
	nextErr error            // applied to WaitMin of the next opened stream
}

func (f *fakeOpener) Open(ctx context.Context, url string, vol int) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	if err := f.errFor[url]; err != nil {
		return nil, err
	}
	st := &fakeStream{waitMinErr: f.nextErr}
	f.opens = append(f.opens, url)
	f.volumes = append(f.volumes, vol)
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeOpener) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeOpener) streamAt(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

type fakeSink struct {
	mu        sync.Mutex
	paused    bool
	destroyed bool
	streams   int
	readyErr  error
	finish    chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{finish: make(chan struct{})}
}

func (f *fakeSink) WaitReady(ctx context.Context, timeout time.Duration) error {
	return f.readyErr
}

func (f *fakeSink) Stream(ctx context.Context, src io.Reader) error {
	f.mu.Lock()
	f.streams++
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.finish:
		return nil
	}
}

func (f *fakeSink) finishCurrent() { f.finish <- struct{}{} }

func (f *fakeSink) SetPaused(paused bool) {
	f.mu.Lock()
	f.paused = paused
	f.mu.Unlock()
}

func (f *fakeSink) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeSink) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
}

func (f *fakeSink) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *fakeSink) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

type fakeConnector struct {
	mu       sync.Mutex
	sink     *fakeSink
	connects int
}

func (f *fakeConnector) Connect(ctx context.Context, dest string) (OutputSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.sink, nil
}

type fakeSettings struct {
	set Settings
}

func (f *fakeSettings) Settings(ctx context.Context, guildID string) (Settings, error) {
	return f.set, nil
}

func testConfig() *config.Config {
	return &config.Config{
		PreBufferBytes:     1,
		PreBufferTimeout:   100 * time.Millisecond,
		ReadyTimeout:       time.Second,
		IdleTimeoutSeconds: 0,
	}
}

func newTestSession(sink *fakeSink, opener *fakeOpener, settings SettingsSource) *Session {
	return NewSession(testConfig(), opener, &fakeConnector{sink: sink}, settings, guard.New(), "guild1:chan1")
}

func tr(title string) track.Track {
	return track.Track{Title: title, URL: "https://example.com/" + title, Duration: "3:00", RequestedBy: "tester"}
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueStartsPlayback(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := s.Status(); got != StatusPlaying {
		t.Errorf("status = %v, want playing", got)
	}
	now, ok := s.NowPlaying()
	if !ok || now.Title != "a" {
		t.Errorf("now playing = %+v ok=%v", now, ok)
	}
	waitUntil(t, time.Second, "sink stream", func() bool { return sink.streamCount() == 1 })
	if s.QueueSize() != 0 {
		t.Errorf("queue size = %d, want 0", s.QueueSize())
	}
}

func TestConcurrentEnqueueSingleTransition(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = s.Enqueue(context.Background(), tr(name))
		}(name)
	}
	wg.Wait()

	waitUntil(t, time.Second, "one active transfer", func() bool { return sink.streamCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := sink.streamCount(); got != 1 {
		t.Errorf("sink transfers = %d, want exactly 1", got)
	}
	if got := s.Status(); got != StatusPlaying {
		t.Errorf("status = %v, want playing", got)
	}
	if got := s.QueueSize(); got != 1 {
		t.Errorf("queue size = %d, want 1", got)
	}
}

func TestNaturalEndAdvances(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a"), tr("b")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "first transfer", func() bool { return sink.streamCount() == 1 })

	sink.finishCurrent()
	waitUntil(t, time.Second, "advance to b", func() bool {
		now, ok := s.NowPlaying()
		return ok && now.Title == "b"
	})
	waitUntil(t, time.Second, "second transfer", func() bool { return sink.streamCount() == 2 })

	sink.finishCurrent()
	waitUntil(t, time.Second, "idle after queue drained", func() bool { return s.Status() == StatusIdle })
	if _, ok := s.NowPlaying(); ok {
		t.Error("still reports a current track after the queue drained")
	}
}

func TestLoopRepushesFinishedTrack(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !s.ToggleLoop() {
		t.Fatal("loop did not enable")
	}
	waitUntil(t, time.Second, "first transfer", func() bool { return sink.streamCount() == 1 })

	sink.finishCurrent()
	waitUntil(t, time.Second, "looped restart", func() bool { return sink.streamCount() == 2 })
	now, ok := s.NowPlaying()
	if !ok || now.Title != "a" {
		t.Errorf("now playing = %+v ok=%v, want track a again", now, ok)
	}
}

func TestPauseResume(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Resume(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("resume while idle = %v, want ErrNoActiveSession", err)
	}

	if err := s.Enqueue(context.Background(), tr("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := s.Status(); got != StatusPaused {
		t.Errorf("status = %v, want paused", got)
	}
	if !sink.isPaused() {
		t.Error("sink was not paused")
	}
	if err := s.Pause(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("double pause = %v, want ErrNoActiveSession", err)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := s.Status(); got != StatusPlaying {
		t.Errorf("status = %v, want playing", got)
	}
	if sink.isPaused() {
		t.Error("sink still paused after resume")
	}
	if err := s.Resume(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("double resume = %v, want ErrNoActiveSession", err)
	}
}

func TestSkipWithEmptyQueueIsNoop(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	conn := &fakeConnector{sink: sink}
	s := NewSession(testConfig(), opener, conn, nil, guard.New(), "guild1:chan1")
	defer s.Destroy()

	if err := s.Skip(context.Background()); err != nil {
		t.Fatalf("skip on empty session: %v", err)
	}
	if opener.openCount() != 0 {
		t.Errorf("skip opened %d pipelines, want 0", opener.openCount())
	}
	if conn.connects != 0 {
		t.Errorf("skip connected %d sinks, want 0", conn.connects)
	}
}

func TestSkipAdvancesAndKillsOldPipeline(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a"), tr("b")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "first transfer", func() bool { return sink.streamCount() == 1 })
	first := opener.streamAt(0)

	if err := s.Skip(context.Background()); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if !first.isDestroyed() {
		t.Error("skipped pipeline was not destroyed")
	}
	now, ok := s.NowPlaying()
	if !ok || now.Title != "b" {
		t.Errorf("now playing = %+v ok=%v, want b", now, ok)
	}

	// Nothing queued behind b, so another skip changes nothing.
	if err := s.Skip(context.Background()); err != nil {
		t.Fatalf("second skip: %v", err)
	}
	now, ok = s.NowPlaying()
	if !ok || now.Title != "b" {
		t.Errorf("now playing after empty-queue skip = %+v ok=%v, want b", now, ok)
	}
	if got := s.Status(); got != StatusPlaying {
		t.Errorf("status = %v, want playing", got)
	}
}

func TestSkipWithEmptyQueueKeepsCurrentPlaying(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "transfer running", func() bool { return sink.streamCount() == 1 })

	if err := s.Skip(context.Background()); err != nil {
		t.Fatalf("skip: %v", err)
	}
	now, ok := s.NowPlaying()
	if !ok || now.Title != "a" {
		t.Errorf("now playing = %+v ok=%v, want a untouched", now, ok)
	}
	if got := s.Status(); got != StatusPlaying {
		t.Errorf("status = %v, want playing", got)
	}
	if opener.streamAt(0).isDestroyed() {
		t.Error("current pipeline was destroyed by a no-op skip")
	}
	if got := sink.streamCount(); got != 1 {
		t.Errorf("transfer count = %d, want 1", got)
	}
}

func TestSpawnFailureDuringAdvanceSkipsTrack(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{errFor: map[string]error{
		"https://example.com/b": errors.New("spawn failed"),
	}}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a"), tr("b"), tr("c")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "first transfer", func() bool { return sink.streamCount() == 1 })

	sink.finishCurrent()
	waitUntil(t, 2*time.Second, "c to start after b failed", func() bool {
		now, ok := s.NowPlaying()
		return ok && now.Title == "c"
	})
	if got := s.Status(); got != StatusPlaying {
		t.Errorf("status = %v, want playing", got)
	}
	if got := sink.streamCount(); got != 2 {
		t.Errorf("transfer count = %d, want 2", got)
	}
}

func TestSpawnFailureOnLastTrackGoesIdle(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{errFor: map[string]error{
		"https://example.com/bad": errors.New("spawn failed"),
	}}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a"), tr("bad")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "first transfer", func() bool { return sink.streamCount() == 1 })

	sink.finishCurrent()
	waitUntil(t, 2*time.Second, "idle after failed tail", func() bool {
		return s.Status() == StatusIdle
	})
	if _, ok := s.NowPlaying(); ok {
		t.Error("a track is still marked current")
	}
	if got := s.QueueSize(); got != 0 {
		t.Errorf("queue size = %d, want 0", got)
	}
}

func TestStopClearsSessionState(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a"), tr("b"), tr("c")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "transfer running", func() bool { return sink.streamCount() == 1 })

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := s.Status(); got != StatusIdle {
		t.Errorf("status = %v, want idle", got)
	}
	if got := s.QueueSize(); got != 0 {
		t.Errorf("queue size = %d, want 0", got)
	}
	if !opener.streamAt(0).isDestroyed() {
		t.Error("active pipeline survived stop")
	}

	if err := s.Stop(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("stop while idle = %v, want ErrNoActiveSession", err)
	}
}

func TestShuffleInvalidatesPrefetch(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a"), tr("b"), tr("c")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "prefetch armed", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.prefetch != nil
	})
	prefetched := opener.streamAt(1)

	if err := s.Shuffle(); err != nil {
		t.Fatalf("shuffle: %v", err)
	}
	s.mu.Lock()
	pf := s.prefetch
	s.mu.Unlock()
	if pf != nil {
		t.Error("prefetch survived shuffle")
	}
	if !prefetched.isDestroyed() {
		t.Error("prefetched pipeline was not destroyed")
	}
}

func TestVolumeRoundtripAndValidation(t *testing.T) {
	s := newTestSession(newFakeSink(), &fakeOpener{}, nil)
	defer s.Destroy()

	if got := s.Volume(); got != DefaultVolume {
		t.Errorf("initial volume = %d, want %d", got, DefaultVolume)
	}
	if err := s.SetVolume(150); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if got := s.Volume(); got != 150 {
		t.Errorf("volume = %d, want 150", got)
	}
	for _, bad := range []int{-1, 201} {
		if err := s.SetVolume(bad); err == nil {
			t.Errorf("SetVolume(%d) accepted out-of-range value", bad)
		}
	}
}

func TestVolumeChangeInvalidatesPrefetch(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a"), tr("b")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "prefetch armed", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.prefetch != nil
	})

	if err := s.SetVolume(80); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	s.mu.Lock()
	pf := s.prefetch
	s.mu.Unlock()
	if pf != nil {
		t.Error("prefetch kept a pipeline with a stale volume")
	}
}

func TestDefaultVolumeFromSettings(t *testing.T) {
	settings := &fakeSettings{set: Settings{DefaultVolume: 70}}
	s := newTestSession(newFakeSink(), &fakeOpener{}, settings)
	defer s.Destroy()

	if got := s.Volume(); got != 70 {
		t.Errorf("volume = %d, want settings default 70", got)
	}
}

func TestRemoveFromQueue(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a"), tr("b"), tr("c"), tr("d")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// a is playing; queue is b, c, d.
	removed, err := s.Remove(2, 2)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(removed) != 2 || removed[0].Title != "c" || removed[1].Title != "d" {
		t.Errorf("removed = %+v, want c and d", removed)
	}
	if got := s.QueueSize(); got != 1 {
		t.Errorf("queue size = %d, want 1", got)
	}

	if _, err := s.Remove(5, 1); err == nil {
		t.Error("remove past end succeeded")
	}
	if _, err := s.Remove(0, 1); err == nil {
		t.Error("remove at position 0 succeeded")
	}
}

func TestQueuePaging(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	tracks := []track.Track{tr("a")}
	for _, name := range []string{"b", "c", "d", "e", "f"} {
		tracks = append(tracks, tr(name))
	}
	if err := s.Enqueue(context.Background(), tracks...); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	page, total := s.QueuePage(1, 2)
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 || page[0].Title != "b" || page[1].Title != "c" {
		t.Errorf("page 1 = %+v", page)
	}
	page, _ = s.QueuePage(3, 2)
	if len(page) != 1 || page[0].Title != "f" {
		t.Errorf("page 3 = %+v", page)
	}
	page, _ = s.QueuePage(4, 2)
	if len(page) != 0 {
		t.Errorf("page past end = %+v, want empty", page)
	}
}

func TestIdleTimerArmsAndEnqueueDisarms(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	settings := &fakeSettings{set: Settings{SecondsWaitAfterEmpty: 60}}
	s := newTestSession(sink, opener, settings)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "transfer running", func() bool { return sink.streamCount() == 1 })

	sink.finishCurrent()
	waitUntil(t, time.Second, "idle timer armed", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.status == StatusIdle && s.idleTimer != nil
	})

	if err := s.Enqueue(context.Background(), tr("b")); err != nil {
		t.Fatalf("enqueue after idle: %v", err)
	}
	s.mu.Lock()
	timer := s.idleTimer
	s.mu.Unlock()
	if timer != nil {
		t.Error("idle timer survived re-enqueue")
	}
	if sink.isDestroyed() {
		t.Error("sink was torn down despite re-enqueue")
	}
}

func TestIdleTeardownDestroysSink(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{}
	settings := &fakeSettings{set: Settings{SecondsWaitAfterEmpty: 1}}
	s := newTestSession(sink, opener, settings)

	var gone sync.WaitGroup
	gone.Add(1)
	var once sync.Once
	s.onIdle = func(dest string) { once.Do(gone.Done) }

	if err := s.Enqueue(context.Background(), tr("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, "transfer running", func() bool { return sink.streamCount() == 1 })
	sink.finishCurrent()

	waitUntil(t, 3*time.Second, "sink teardown", func() bool { return sink.isDestroyed() })
	gone.Wait()
}

func TestEnqueuePreBufferFailure(t *testing.T) {
	sink := newFakeSink()
	opener := &fakeOpener{nextErr: errors.New("stalled")}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	if err := s.Enqueue(context.Background(), tr("a")); err == nil {
		t.Fatal("enqueue succeeded despite pre-buffer failure")
	}
	if !opener.streamAt(0).isDestroyed() {
		t.Error("failed pipeline was not destroyed")
	}
	if got := s.Status(); got != StatusIdle {
		t.Errorf("status = %v, want idle", got)
	}
}

func TestEnqueueReadyTimeout(t *testing.T) {
	sink := newFakeSink()
	sink.readyErr = errors.New("handshake stuck")
	opener := &fakeOpener{}
	s := newTestSession(sink, opener, nil)
	defer s.Destroy()

	err := s.Enqueue(context.Background(), tr("a"))
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("err = %v, want ErrReadyTimeout", err)
	}
	if !opener.streamAt(0).isDestroyed() {
		t.Error("pipeline survived failed handshake")
	}
}
