package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatAlertJSON(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"error","time":"2024-01-01T00:00:00Z","message":"fetch failed","url":"https://example.org/feed","comp":"relay"}` + "\n")
	got := formatAlertJSON(line)
	want := "[ERROR] fetch failed\n- comp=relay\n- url=https://example.org/feed"
	if got != want {
		t.Fatalf("formatAlertJSON = %q, want %q", got, want)
	}
}

func TestFormatAlertJSONNotJSON(t *testing.T) {
	t.Parallel()
	if got := formatAlertJSON([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatAlertJSON = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestNewWriterFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" || m["n"] != float64(3) {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error should not be logged: %v", m)
	}
}

func TestNopAndZeroLogger(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Error("dropped")
	Nop().Error("dropped")
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lv := range []string{"", "debug", "INFO", "warning", "error", "trace"} {
		if !ValidLevel(lv) {
			t.Fatalf("ValidLevel(%q) = false", lv)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestServiceForwardsAlertsAboveMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()
	sink := &recordingSink{}
	svc.SetSinks(sink)

	log.Info("not forwarded")
	log.Warn("forwarded", String("url", "https://example.org"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := sink.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("got %d alerts, want 1: %v", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "[WARN] forwarded") {
		t.Fatalf("unexpected alert: %q", msgs[0])
	}
}

func TestNewConsoleLevel(t *testing.T) {
	l := NewConsole("warn")
	if l.IsZero() {
		t.Fatal("console logger is zero")
	}
	if l.Enabled(LevelInfo) || !l.Enabled(LevelError) {
		t.Fatalf("level filter wrong: info=%v error=%v", l.Enabled(LevelInfo), l.Enabled(LevelError))
	}
	if !NewConsole("bogus").Enabled(LevelInfo) {
		t.Fatal("unknown level should default to info")
	}
}
