package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"rssbot/internal/config"
	"rssbot/internal/relay"
	"rssbot/internal/transport"
	logx "rssbot/pkg/logx"
)

type notice struct{ room, plain, html string }

type fakeAdapter struct {
	mu      sync.Mutex
	notices []notice
}

func (f *fakeAdapter) SendNotice(_ context.Context, room, plain, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice{room, plain, html})
	return nil
}
func (f *fakeAdapter) GetAccountData(context.Context, string, any) error { return transport.ErrNotFound }
func (f *fakeAdapter) SetAccountData(context.Context, string, any) error { return nil }
func (f *fakeAdapter) UserID() string                                    { return "@rss:x" }
func (f *fakeAdapter) Start(context.Context, chan<- transport.Event) error {
	return nil
}
func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) sent() []notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notice(nil), f.notices...)
}

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, string) (*relay.Feed, error) { return &relay.Feed{}, nil }

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, []string, relay.Message) {}

func testApp(t *testing.T) (*App, *fakeAdapter) {
	t.Helper()
	ad := &fakeAdapter{}
	eng := relay.New(relay.Options{Fetcher: nopFetcher{}, Dispatcher: nopDispatcher{}, Logger: logx.Nop()})
	return &App{log: logx.Nop(), adapter: ad, engine: eng, prefix: "!rss"}, ad
}

func roomConfig(t *testing.T, feeds map[string]int64) json.RawMessage {
	t.Helper()
	p := relay.RoomConfigPayload{}
	for url, secs := range feeds {
		p.Feeds = append(p.Feeds, relay.FeedSubscription{URL: url, UpdateIntervalSecs: secs})
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleRoomEvents(t *testing.T) {
	t.Parallel()
	a, _ := testApp(t)
	ctx := context.Background()

	a.handleEvent(ctx, transport.Event{Kind: transport.EventRoomConfig, RoomID: "!a:x",
		Content: roomConfig(t, map[string]int64{"https://f/1": 60, "https://f/2": 600})})
	a.handleEvent(ctx, transport.Event{Kind: transport.EventRoomConfig, RoomID: "!b:x",
		Content: roomConfig(t, map[string]int64{"https://f/2": 120})})

	if got := a.engine.RoomsFor("https://f/2"); strings.Join(got, ",") != "!a:x,!b:x" {
		t.Fatalf("RoomsFor = %v", got)
	}

	// invalid payload keeps the previous subscriptions
	a.handleEvent(ctx, transport.Event{Kind: transport.EventRoomConfig, RoomID: "!a:x",
		Content: json.RawMessage(`{"feeds":[{"url":""}]}`)})
	if n := len(a.engine.RoomFeeds("!a:x")); n != 2 {
		t.Fatalf("room a feeds after bad config = %d, want 2", n)
	}

	a.handleEvent(ctx, transport.Event{Kind: transport.EventRoomLeft, RoomID: "!b:x"})
	if got := a.engine.RoomsFor("https://f/2"); strings.Join(got, ",") != "!a:x" {
		t.Fatalf("RoomsFor after leave = %v", got)
	}

	// a nil config unsubscribes the room
	a.handleEvent(ctx, transport.Event{Kind: transport.EventRoomConfig, RoomID: "!a:x"})
	if feeds := a.engine.Snapshot().Feeds; len(feeds) != 0 {
		t.Fatalf("feeds = %+v, want none", feeds)
	}
}

func TestHandleCommand(t *testing.T) {
	t.Parallel()
	a, ad := testApp(t)
	ctx := context.Background()

	a.handleEvent(ctx, transport.Event{Kind: transport.EventRoomConfig, RoomID: "!a:x",
		Content: roomConfig(t, map[string]int64{"https://f/1": 600})})
	a.handleEvent(ctx, transport.Event{Kind: transport.EventRoomConfig, RoomID: "!b:x",
		Content: roomConfig(t, map[string]int64{"https://f/1": 60})})

	a.handleEvent(ctx, transport.Event{Kind: transport.EventCommand, RoomID: "!a:x", Sender: "@bob:x", Text: "!rss"})
	a.handleEvent(ctx, transport.Event{Kind: transport.EventCommand, RoomID: "!c:x", Sender: "@bob:x", Text: "!rss list"})
	a.handleEvent(ctx, transport.Event{Kind: transport.EventCommand, RoomID: "!a:x", Sender: "@bob:x", Text: "!rss frobnicate"})

	got := ad.sent()
	if len(got) != 3 {
		t.Fatalf("notices = %d, want 3", len(got))
	}
	if got[0].room != "!a:x" || !strings.Contains(got[0].plain, "https://f/1 every 10m0s (polled every 1m0s for another room)") {
		t.Fatalf("list reply = %+v", got[0])
	}
	if !strings.Contains(got[0].html, `<a href="https://f/1">`) {
		t.Fatalf("list html = %q", got[0].html)
	}
	if !strings.Contains(got[1].plain, "not subscribed") {
		t.Fatalf("empty list reply = %q", got[1].plain)
	}
	if !strings.Contains(got[2].plain, "!rss help") {
		t.Fatalf("help reply = %q", got[2].plain)
	}
}

func TestCommandReplyEscapesHTML(t *testing.T) {
	t.Parallel()
	_, h := commandReply("!rss", "!rss", []relay.RoomFeed{{URL: `https://f/?a=1&b="<x>"`, Requested: time.Hour, Effective: time.Hour}})
	if strings.Contains(h, "<x>") || !strings.Contains(h, "&amp;") {
		t.Fatalf("html not escaped: %s", h)
	}
}

type countingFlusher struct {
	mu sync.Mutex
	n  int
	ch chan struct{}
}

func (f *countingFlusher) Flush(context.Context) error {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	select {
	case f.ch <- struct{}{}:
	default:
	}
	return nil
}

func TestFlushJobRuns(t *testing.T) {
	t.Parallel()
	f := &countingFlusher{ch: make(chan struct{}, 1)}
	j := newFlushJob(f, logx.Nop())
	if err := j.Start(context.Background(), "@every 1s"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer j.Stop(context.Background())

	select {
	case <-f.ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("flush job did not run")
	}

	if err := j.Start(context.Background(), "not a schedule"); err == nil {
		t.Fatalf("expected error for bad schedule")
	}
}

func TestMapConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	n, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if n.RetryBase != 500*time.Millisecond || n.SendTimeout != 15*time.Second || n.Workers != 1 {
		t.Fatalf("notifier config = %+v", n)
	}
	conc, timeout, err := mapFetchLimits(cfg)
	if err != nil || conc != 1 || timeout != 30*time.Second {
		t.Fatalf("fetch limits = %d %v %v", conc, timeout, err)
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "account_data" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage config = %+v %v", sc, err)
	}
}
