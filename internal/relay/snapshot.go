package relay

import "time"

// FeedStatus is the scheduling state of one feed.
type FeedStatus struct {
	URL           string        `json:"url"`
	Interval      time.Duration `json:"-"`
	IntervalSecs  int64         `json:"interval_secs"`
	LastFetchedAt time.Time     `json:"last_fetched_at,omitzero"`
	NextDue       time.Time     `json:"next_due,omitzero"` // zero: due now
	Rooms         []string      `json:"rooms"`
}

// Snapshot is a point-in-time copy of the engine state for status output.
type Snapshot struct {
	Feeds      []FeedStatus `json:"feeds"`
	Rooms      int          `json:"rooms"`
	KnownCount int          `json:"known_count"`
	Dirty      bool         `json:"persist_pending"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Snapshot{
		Feeds:      make([]FeedStatus, 0, len(e.sched.feeds)),
		Rooms:      len(e.sched.rooms),
		KnownCount: e.dedup.Len(),
		Dirty:      e.dirty,
	}
	for _, url := range sortedKeys(e.sched.feeds) {
		st := e.sched.feeds[url]
		fs := FeedStatus{
			URL:           url,
			Interval:      st.interval,
			IntervalSecs:  int64(st.interval / time.Second),
			LastFetchedAt: st.lastFetched,
			Rooms:         roomsFor(e.sched.rooms, url),
		}
		if !st.lastFetched.IsZero() {
			fs.NextDue = st.lastFetched.Add(st.interval)
		}
		out.Feeds = append(out.Feeds, fs)
	}
	return out
}
