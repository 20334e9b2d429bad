package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rssbot/internal/eventbus"
	logx "rssbot/pkg/logx"
)

// Options configures an Engine. Fetcher and Dispatcher are required; a nil
// Store keeps the known set in memory only.
type Options struct {
	Fetcher    Fetcher
	Store      KnownStore
	Dispatcher Dispatcher
	Logger     logx.Logger
	Bus        eventbus.Bus

	// Concurrency bounds parallel fetches within one pass (<=1: sequential).
	Concurrency int
	// FetchTimeout caps a single fetch (0: no limit).
	FetchTimeout time.Duration

	// Now overrides the clock used for schedule decisions.
	Now func() time.Time
}

// Engine is the single owner of room subscriptions, the effective schedule
// and the known-identifier set.
type Engine struct {
	mu    sync.Mutex
	sched *schedule
	dedup *Deduplicator
	dirty bool // known set grew but the last save failed

	// saveMu orders saves so an older snapshot never overwrites a newer one.
	saveMu sync.Mutex

	wake chan struct{}

	fetcher    Fetcher
	store      KnownStore
	dispatcher Dispatcher
	log        logx.Logger
	bus        eventbus.Bus
	now        func() time.Time

	concurrency  atomic.Int64
	fetchTimeout atomic.Int64
}

func New(opts Options) *Engine {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		sched:      newSchedule(),
		dedup:      NewDeduplicator(nil),
		wake:       make(chan struct{}, 1),
		fetcher:    opts.Fetcher,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		log:        log,
		bus:        opts.Bus,
		now:        now,
	}
	e.SetFetchLimits(opts.Concurrency, opts.FetchTimeout)
	return e
}

// SetFetchLimits updates fetch concurrency and timeout; it takes effect on
// the next pass.
func (e *Engine) SetFetchLimits(concurrency int, timeout time.Duration) {
	if concurrency < 1 {
		concurrency = 1
	}
	if timeout < 0 {
		timeout = 0
	}
	e.concurrency.Store(int64(concurrency))
	e.fetchTimeout.Store(int64(timeout))
}

// Seed adds previously persisted identifiers to the known set.
func (e *Engine) Seed(ids []string) {
	e.mu.Lock()
	for _, id := range ids {
		e.dedup.known[id] = struct{}{}
	}
	e.mu.Unlock()
}

// SetRoomConfig decodes raw (see ParseRoomConfig) and replaces the room's
// subscriptions. An invalid payload leaves the previous config in place.
func (e *Engine) SetRoomConfig(roomID string, raw json.RawMessage) error {
	feeds, err := ParseRoomConfig(raw)
	if err != nil {
		return err
	}
	return e.SetRoomFeeds(roomID, feeds)
}

// SetRoomFeeds replaces the room's subscriptions with feeds (url -> interval).
func (e *Engine) SetRoomFeeds(roomID string, feeds map[string]time.Duration) error {
	for url, d := range feeds {
		if url == "" || d <= 0 {
			return fmt.Errorf("%w: %q: interval must be positive", ErrInvalidConfig, url)
		}
	}
	e.mu.Lock()
	e.sched.setRoom(roomID, feeds)
	n := len(e.sched.feeds)
	e.mu.Unlock()

	e.log.Debug("room config applied", logx.String("room", roomID), logx.Int("room_feeds", len(feeds)), logx.Int("feeds", n))
	e.scheduleChanged(n)
	return nil
}

// RemoveRoom drops the room's subscriptions.
func (e *Engine) RemoveRoom(roomID string) {
	e.mu.Lock()
	removed := e.sched.removeRoom(roomID)
	n := len(e.sched.feeds)
	e.mu.Unlock()

	if !removed {
		return
	}
	e.log.Debug("room removed", logx.String("room", roomID), logx.Int("feeds", n))
	e.scheduleChanged(n)
}

func (e *Engine) scheduleChanged(feeds int) {
	select {
	case e.wake <- struct{}{}:
	default:
	}
	e.publish(eventbus.TypeScheduleChanged, map[string]any{"feeds": feeds})
}

// RoomsFor lists the rooms currently subscribed to url.
func (e *Engine) RoomsFor(url string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return roomsFor(e.sched.rooms, url)
}

// RoomFeed describes one subscription of a room.
type RoomFeed struct {
	URL       string
	Requested time.Duration
	Effective time.Duration
}

// RoomFeeds lists the room's subscriptions in URL order.
func (e *Engine) RoomFeeds(roomID string) []RoomFeed {
	e.mu.Lock()
	defer e.mu.Unlock()
	feeds := e.sched.rooms[roomID]
	out := make([]RoomFeed, 0, len(feeds))
	for _, url := range sortedKeys(feeds) {
		rf := RoomFeed{URL: url, Requested: feeds[url]}
		if st, ok := e.sched.feeds[url]; ok {
			rf.Effective = st.interval
		}
		out = append(out, rf)
	}
	return out
}

// Run is the fetch loop. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("fetch loop started")
	defer e.log.Info("fetch loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		now := e.now()
		e.mu.Lock()
		due := e.sched.claimDue(now)
		e.mu.Unlock()

		if len(due) > 0 {
			e.fetchAll(ctx, due)
		}

		e.mu.Lock()
		wait, scheduled := e.sched.nextWait(e.now())
		e.mu.Unlock()

		if scheduled && wait <= 0 {
			continue
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if scheduled {
			timer = time.NewTimer(wait)
			timeout = timer.C
			e.log.Trace("sleeping", logx.Duration("wait", wait))
		} else {
			e.log.Debug("no feeds scheduled; waiting for config")
		}

		select {
		case <-ctx.Done():
		case <-e.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (e *Engine) fetchAll(ctx context.Context, urls []string) {
	workers := int(e.concurrency.Load())
	if workers <= 1 || len(urls) == 1 {
		for _, url := range urls {
			if ctx.Err() != nil {
				return
			}
			e.fetchOne(ctx, url)
		}
		return
	}
	if workers > len(urls) {
		workers = len(urls)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range jobs {
				e.fetchOne(ctx, url)
			}
		}()
	}
	for _, url := range urls {
		select {
		case jobs <- url:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
}

// fetchOne fetches a feed, records its new entries, persists the known set
// and only then announces the new entries oldest first.
func (e *Engine) fetchOne(ctx context.Context, url string) {
	log := e.log.With(logx.String("url", url))
	start := time.Now()

	fctx := ctx
	if d := time.Duration(e.fetchTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	log.Debug("fetching feed")
	feed, err := e.safeFetch(fctx, url)
	if err != nil {
		log.Warn("feed fetch failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		e.publish(eventbus.TypeFeedFailed, map[string]any{"url": url, "err": err.Error()})
		return
	}

	e.mu.Lock()
	fresh, anyKnown := e.dedup.Classify(feed.Entries)
	e.mu.Unlock()

	log.Debug("feed fetched",
		logx.Int("entries", len(feed.Entries)),
		logx.Int("new", len(fresh)),
		logx.Duration("took", time.Since(start)),
	)
	e.publish(eventbus.TypeFeedFetched, map[string]any{"url": url, "entries": len(feed.Entries), "new": len(fresh)})

	if len(fresh) == 0 {
		return
	}
	if err := e.persist(ctx); err != nil {
		log.Error("known identifiers not persisted; withholding announcements", logx.Err(err), logx.Int("new", len(fresh)))
		return
	}
	if !anyKnown {
		log.Info("first fetch of feed; entries recorded without announcing", logx.Int("entries", len(fresh)))
		return
	}

	for i := len(fresh) - 1; i >= 0; i-- {
		entry := fresh[i]
		rooms := e.RoomsFor(url)
		if len(rooms) == 0 {
			log.Debug("feed has no subscribers anymore; skipping announcement", logx.String("entry", entry.ID))
			continue
		}
		log.Info("announcing entry", logx.String("entry", entry.ID), logx.String("title", entry.Title), logx.Int("rooms", len(rooms)))
		e.dispatcher.Dispatch(ctx, rooms, Render(feed.Title, entry))
		e.publish(eventbus.TypeEntryAnnounced, map[string]any{"url": url, "entry": entry.ID, "rooms": len(rooms)})
	}
}

// safeFetch calls the fetcher with panic recovery. A panic is logged with a
// correlation id and reported as an error.
func (e *Engine) safeFetch(ctx context.Context, url string) (feed *Feed, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			e.log.Error("fetcher panic",
				logx.String("url", url),
				logx.String("correlation_id", correlationID),
				logx.Any("panic", fmt.Sprintf("%v", r)),
				logx.String("stack", string(debug.Stack())),
			)
			feed = nil
			err = fmt.Errorf("fetcher panic (correlation_id: %s)", correlationID)
		}
	}()
	feed, err = e.fetcher.Fetch(ctx, url)
	if err == nil && feed == nil {
		err = fmt.Errorf("fetch %s: empty result", url)
	}
	return feed, err
}

// persist saves the full known set. On failure the engine stays dirty until
// a later save succeeds.
func (e *Engine) persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	ids := e.dedup.Snapshot()
	e.mu.Unlock()

	if err := e.store.SaveKnown(ctx, ids); err != nil {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return fmt.Errorf("save known identifiers: %w", err)
	}

	e.mu.Lock()
	e.dirty = false
	e.mu.Unlock()
	e.publish(eventbus.TypeKnownPersisted, map[string]any{"count": len(ids)})
	return nil
}

// Flush retries persistence if a previous save failed. It is a no-op when
// the stored set is current.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	dirty := e.dirty
	e.mu.Unlock()
	if !dirty {
		return nil
	}
	e.log.Info("retrying known identifier persistence")
	return e.persist(ctx)
}

func (e *Engine) publish(typ string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
