package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"rssbot/internal/eventbus"
)

// callLog records side effects from the test doubles in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string][]*Feed // consumed in order; the last one repeats
	errs    map[string]error
	panics  map[string]bool
	fetched chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: map[string][]*Feed{},
		errs:    map[string]error{},
		panics:  map[string]bool{},
		fetched: make(chan string, 64),
	}
}

func (f *fakeFetcher) queue(url string, feeds ...*Feed) {
	f.mu.Lock()
	f.results[url] = append(f.results[url], feeds...)
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*Feed, error) {
	select {
	case f.fetched <- url:
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[url] {
		panic("boom")
	}
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	q := f.results[url]
	if len(q) == 0 {
		return &Feed{Title: url}, nil
	}
	out := q[0]
	if len(q) > 1 {
		f.results[url] = q[1:]
	}
	return out, nil
}

type fakeStore struct {
	log   *callLog
	mu    sync.Mutex
	err   error
	saved [][]string
}

func (s *fakeStore) SaveKnown(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.log.add("save-failed")
		return s.err
	}
	s.saved = append(s.saved, slices.Clone(ids))
	s.log.add(fmt.Sprintf("save:%d", len(ids)))
	return nil
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type fakeDispatcher struct {
	log *callLog
}

func (d *fakeDispatcher) Dispatch(_ context.Context, rooms []string, msg Message) {
	for _, r := range rooms {
		d.log.add("send:" + r + ":" + msg.Plain)
	}
}

type harness struct {
	engine  *Engine
	fetcher *fakeFetcher
	store   *fakeStore
	log     *callLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := &callLog{}
	h := &harness{
		fetcher: newFakeFetcher(),
		store:   &fakeStore{log: log},
		log:     log,
	}
	h.engine = New(Options{
		Fetcher:    h.fetcher,
		Store:      h.store,
		Dispatcher: &fakeDispatcher{log: log},
	})
	return h
}

func entries(ids ...string) []Entry {
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry{ID: id, Title: "title " + id, Link: "https://x/" + id})
	}
	return out
}

func sends(calls []string) []string {
	var out []string
	for _, c := range calls {
		if strings.HasPrefix(c, "send:") {
			out = append(out, c)
		}
	}
	return out
}

func TestFetchOneBootstrapSilencing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	const url = "https://feed"
	if err := h.engine.SetRoomFeeds("!r", map[string]time.Duration{url: time.Minute}); err != nil {
		t.Fatal(err)
	}
	h.fetcher.queue(url,
		&Feed{Title: "F", Entries: entries("e1", "e2", "e3")},
		&Feed{Title: "F", Entries: entries("e4", "e3", "e2")},
	)

	ctx := context.Background()
	h.engine.fetchOne(ctx, url)
	if got := sends(h.log.snapshot()); len(got) != 0 {
		t.Fatalf("first fetch dispatched %v", got)
	}
	for _, id := range []string{"e1", "e2", "e3"} {
		if !h.engine.dedup.Known(id) {
			t.Fatalf("%s not recorded as known", id)
		}
	}

	h.engine.fetchOne(ctx, url)
	got := sends(h.log.snapshot())
	want := []string{"send:!r:[F][https://x/e4] title e4"}
	if !slices.Equal(got, want) {
		t.Fatalf("sends = %v, want %v", got, want)
	}
}

func TestFetchOneOldestFirstAndNeverRepeated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	const url = "https://feed"
	h.engine.Seed([]string{"old"})
	_ = h.engine.SetRoomFeeds("!r", map[string]time.Duration{url: time.Minute})
	h.fetcher.queue(url,
		&Feed{Title: "F", Entries: entries("n2", "n1", "old")},
		&Feed{Title: "F", Entries: entries("n2", "n1", "old")},
		&Feed{Title: "F", Entries: entries("n3", "n1", "old")},
	)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.engine.fetchOne(ctx, url)
	}
	got := sends(h.log.snapshot())
	want := []string{
		"send:!r:[F][https://x/n1] title n1",
		"send:!r:[F][https://x/n2] title n2",
		"send:!r:[F][https://x/n3] title n3",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("sends = %v, want %v", got, want)
	}
}

func TestFetchOneRoutesToSubscribersOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	const url = "https://shared"
	_ = h.engine.SetRoomFeeds("!r1", map[string]time.Duration{url: 60 * time.Second})
	_ = h.engine.SetRoomFeeds("!r2", map[string]time.Duration{url: 300 * time.Second})
	_ = h.engine.SetRoomFeeds("!r3", map[string]time.Duration{"https://unrelated": 60 * time.Second})
	h.engine.Seed([]string{"seen"})
	h.fetcher.queue(url, &Feed{Title: "S", Entries: entries("new", "seen")})

	snap := h.engine.Snapshot()
	var interval time.Duration
	for _, f := range snap.Feeds {
		if f.URL == url {
			interval = f.Interval
		}
	}
	if interval != 60*time.Second {
		t.Fatalf("effective interval = %v, want 60s", interval)
	}

	h.engine.fetchOne(context.Background(), url)
	got := sends(h.log.snapshot())
	want := []string{
		"send:!r1:[S][https://x/new] title new",
		"send:!r2:[S][https://x/new] title new",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("sends = %v, want %v", got, want)
	}
}

func TestFetchOnePersistsBeforeDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	const url = "https://feed"
	h.engine.Seed([]string{"a"})
	_ = h.engine.SetRoomFeeds("!r", map[string]time.Duration{url: time.Minute})
	h.fetcher.queue(url, &Feed{Title: "F", Entries: entries("c", "b", "a")})

	h.engine.fetchOne(context.Background(), url)
	got := h.log.snapshot()
	want := []string{
		"save:3",
		"send:!r:[F][https://x/b] title b",
		"send:!r:[F][https://x/c] title c",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestFetchOnePersistenceFailureBlocksDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	const url = "https://feed"
	h.engine.Seed([]string{"a"})
	_ = h.engine.SetRoomFeeds("!r", map[string]time.Duration{url: time.Minute})
	h.fetcher.queue(url,
		&Feed{Title: "F", Entries: entries("b", "a")},
		&Feed{Title: "F", Entries: entries("b", "a")},
	)
	h.store.setErr(errors.New("disk full"))

	ctx := context.Background()
	h.engine.fetchOne(ctx, url)
	if got := sends(h.log.snapshot()); len(got) != 0 {
		t.Fatalf("dispatched despite persistence failure: %v", got)
	}
	if !h.engine.Snapshot().Dirty {
		t.Fatal("engine should be dirty after failed save")
	}

	// b is known now; a refetch must not announce it
	h.fetcher.queue(url)
	h.engine.fetchOne(ctx, url)
	if got := sends(h.log.snapshot()); len(got) != 0 {
		t.Fatalf("dispatched on refetch: %v", got)
	}

	h.store.setErr(nil)
	if err := h.engine.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if h.engine.Snapshot().Dirty {
		t.Fatal("engine still dirty after flush")
	}
	if got := h.store.saved[len(h.store.saved)-1]; !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("flushed set = %v", got)
	}
	if err := h.engine.Flush(ctx); err != nil {
		t.Fatalf("clean flush: %v", err)
	}
	if n := len(h.store.saved); n != 1 {
		t.Fatalf("clean flush saved again; saves=%d", n)
	}
}

func TestFetchOneNoNewEntriesSkipsSave(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.engine.Seed([]string{"a"})
	h.fetcher.queue("https://feed", &Feed{Title: "F", Entries: entries("a")})
	h.engine.fetchOne(context.Background(), "https://feed")
	if got := h.log.snapshot(); len(got) != 0 {
		t.Fatalf("calls = %v, want none", got)
	}
}

func TestRunSurvivesFetchErrorsAndPanics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.errs["https://a"] = errors.New("connection refused")
	h.fetcher.panics["https://b"] = true
	_ = h.engine.SetRoomFeeds("!r", map[string]time.Duration{
		"https://a": time.Hour,
		"https://b": time.Hour,
		"https://c": time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = h.engine.Run(ctx)
		close(done)
	}()

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case url := <-h.fetcher.fetched:
			seen[url] = true
		case <-deadline:
			t.Fatalf("only fetched %v", seen)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// failed feeds still wait a full interval
	for _, f := range h.engine.Snapshot().Feeds {
		if f.LastFetchedAt.IsZero() {
			t.Fatalf("%s lastFetchedAt not advanced", f.URL)
		}
	}
}

func TestRunWakesOnScheduleChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_ = h.engine.SetRoomFeeds("!r1", map[string]time.Duration{"https://a": 100 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.Run(ctx) }()

	select {
	case url := <-h.fetcher.fetched:
		if url != "https://a" {
			t.Fatalf("first fetch = %s", url)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed a not fetched")
	}

	// the loop is now sleeping for ~100s
	time.Sleep(100 * time.Millisecond)
	_ = h.engine.SetRoomFeeds("!r2", map[string]time.Duration{"https://b": time.Second})

	start := time.Now()
	select {
	case url := <-h.fetcher.fetched:
		if url != "https://b" {
			t.Fatalf("fetch after change = %s, want https://b", url)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("schedule change did not wake the loop")
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("woke after %v", d)
	}

	// b is refetched on its own 1s interval; a is not due
	select {
	case url := <-h.fetcher.fetched:
		if url != "https://b" {
			t.Fatalf("unexpected fetch of %s", url)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("b not refetched after its interval")
	}
}

func TestRunIdlesWithEmptySchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.Run(ctx) }()

	select {
	case url := <-h.fetcher.fetched:
		t.Fatalf("unexpected fetch of %s", url)
	case <-time.After(100 * time.Millisecond):
	}

	_ = h.engine.SetRoomFeeds("!r", map[string]time.Duration{"https://a": time.Hour})
	select {
	case <-h.fetcher.fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("feed not fetched after config arrived")
	}
}

func TestRunConcurrentFetches(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.engine.SetFetchLimits(4, time.Second)
	feeds := map[string]time.Duration{}
	for i := 0; i < 8; i++ {
		feeds[fmt.Sprintf("https://f%d", i)] = time.Hour
	}
	_ = h.engine.SetRoomFeeds("!r", feeds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.Run(ctx) }()

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < len(feeds) {
		select {
		case url := <-h.fetcher.fetched:
			seen[url] = true
		case <-deadline:
			t.Fatalf("fetched %d of %d feeds", len(seen), len(feeds))
		}
	}
}

func TestSetRoomConfigRejectsAndRetains(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	good := []byte(`{"feeds":[{"url":"https://a","update_interval_secs":60}]}`)
	if err := h.engine.SetRoomConfig("!r", good); err != nil {
		t.Fatal(err)
	}
	bad := []byte(`{"feeds":[{"url":"https://b","update_interval_secs":"soon"}]}`)
	if err := h.engine.SetRoomConfig("!r", bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	got := h.engine.RoomFeeds("!r")
	if len(got) != 1 || got[0].URL != "https://a" || got[0].Requested != time.Minute {
		t.Fatalf("room feeds = %+v", got)
	}

	if err := h.engine.SetRoomConfig("!r", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if got := h.engine.RoomsFor("https://a"); len(got) != 0 {
		t.Fatalf("rooms after clearing = %v", got)
	}
	if err := h.engine.SetRoomFeeds("!r", map[string]time.Duration{"https://a": 0}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero interval err = %v", err)
	}
}

func TestScheduleChangePublishesEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	e := New(Options{Fetcher: newFakeFetcher(), Dispatcher: &fakeDispatcher{log: &callLog{}}, Bus: bus})

	_ = e.SetRoomFeeds("!r", map[string]time.Duration{"https://a": time.Minute})
	ev := <-ch
	if ev.Type != eventbus.TypeScheduleChanged || ev.Data["feeds"] != 1 {
		t.Fatalf("event = %+v", ev)
	}

	e.RemoveRoom("!unknown")
	e.RemoveRoom("!r")
	ev = <-ch
	if ev.Type != eventbus.TypeScheduleChanged || ev.Data["feeds"] != 0 {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}
