package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rssbot/internal/eventbus"
	"rssbot/internal/notifier"
	"rssbot/internal/relay"
	rtsup "rssbot/internal/runtime/supervisor"
	logx "rssbot/pkg/logx"
)

type fakeEngine struct{ snap relay.Snapshot }

func (f fakeEngine) Snapshot() relay.Snapshot { return f.snap }

type fakeNotifier struct{ st notifier.Stats }

func (f fakeNotifier) Stats() notifier.Stats { return f.st }

func testService(t *testing.T, healthy func() error) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	eng := fakeEngine{snap: relay.Snapshot{
		Feeds: []relay.FeedStatus{{
			URL:          "https://example.org/feed.xml",
			Interval:     time.Minute,
			IntervalSecs: 60,
			Rooms:        []string{"!a:x", "!b:x"},
		}},
		Rooms:      2,
		KnownCount: 7,
	}}
	deps := Deps{
		Engine:   eng,
		Notifier: fakeNotifier{st: notifier.Stats{Sent: 3, Failed: 1, Pending: 2}},
		Bus:      bus,
		Supervisors: func() map[string]rtsup.Snapshot {
			return map[string]rtsup.Snapshot{"app": {Active: 4}}
		},
		Healthy: healthy,
	}
	return New(Config{}, deps, logx.Nop()), bus
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	b, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(b)
}

func TestStatusReport(t *testing.T) {
	t.Parallel()
	s, _ := testService(t, nil)

	code, body := get(t, s.Handler(), "/status")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	var rep struct {
		Relay struct {
			Feeds []struct {
				URL          string   `json:"url"`
				IntervalSecs int64    `json:"interval_secs"`
				Rooms        []string `json:"rooms"`
			} `json:"feeds"`
			KnownCount int `json:"known_count"`
		} `json:"relay"`
		Dispatch    notifier.Stats             `json:"dispatch"`
		Supervisors map[string]json.RawMessage `json:"supervisors"`
	}
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		t.Fatalf("decode: %v\n%s", err, body)
	}
	if len(rep.Relay.Feeds) != 1 || rep.Relay.Feeds[0].IntervalSecs != 60 || len(rep.Relay.Feeds[0].Rooms) != 2 {
		t.Fatalf("feeds = %+v", rep.Relay.Feeds)
	}
	if rep.Relay.KnownCount != 7 || rep.Dispatch.Sent != 3 || rep.Dispatch.Pending != 2 {
		t.Fatalf("unexpected report: %s", body)
	}
	if _, ok := rep.Supervisors["app"]; !ok {
		t.Fatalf("missing supervisor snapshot: %s", body)
	}
	// next_due is omitted for never-fetched feeds
	if strings.Contains(body, "next_due") {
		t.Fatalf("unexpected next_due: %s", body)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s, _ := testService(t, nil)
	if code, body := get(t, s.Handler(), "/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}

	s, _ = testService(t, func() error { return errors.New("sync down") })
	if code, body := get(t, s.Handler(), "/healthz"); code != http.StatusServiceUnavailable || !strings.Contains(body, "sync down") {
		t.Fatalf("healthz = %d %q", code, body)
	}
}

func TestMetricsFromBus(t *testing.T) {
	t.Parallel()
	s, bus := testService(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TypeFeedFetched})
	bus.Publish(eventbus.Event{Type: eventbus.TypeFeedFailed})
	bus.Publish(eventbus.Event{Type: eventbus.TypeEntryAnnounced})
	bus.Publish(eventbus.Event{Type: eventbus.TypeEntryAnnounced})
	bus.Publish(eventbus.Event{Type: eventbus.TypeMessageSent})

	want := []string{
		`rssbot_feed_fetches_total{result="ok"} 1`,
		`rssbot_feed_fetches_total{result="error"} 1`,
		`rssbot_entries_announced_total 2`,
		`rssbot_messages_total{result="sent"} 1`,
		`rssbot_messages_total{result="failed"} 0`,
		`rssbot_feeds_scheduled 1`,
		`rssbot_known_entries 7`,
		`rssbot_messages_pending 2`,
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body := get(t, s.Handler(), "/metrics")
		missing := ""
		for _, w := range want {
			if !strings.Contains(body, w) {
				missing = w
				break
			}
		}
		if missing == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics missing %q:\n%s", missing, body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPprofMounted(t *testing.T) {
	t.Parallel()
	s, _ := testService(t, nil)
	if code, _ := get(t, s.Handler(), "/debug/pprof/"); code != http.StatusOK {
		t.Fatalf("pprof index = %d", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8089":          false,
		"0.0.0.0:80":     false,
		"bad":            false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
