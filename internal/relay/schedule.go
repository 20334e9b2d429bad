package relay

import (
	"slices"
	"time"
)

type feedState struct {
	interval    time.Duration
	lastFetched time.Time // zero = never
}

// schedule holds every room's subscriptions and the effective per-feed
// schedule derived from them. It is not synchronized; Engine guards it.
type schedule struct {
	rooms map[string]map[string]time.Duration
	feeds map[string]*feedState
}

func newSchedule() *schedule {
	return &schedule{
		rooms: map[string]map[string]time.Duration{},
		feeds: map[string]*feedState{},
	}
}

// setRoom replaces the room's subscriptions wholesale and recomputes.
func (s *schedule) setRoom(roomID string, feeds map[string]time.Duration) {
	cp := make(map[string]time.Duration, len(feeds))
	for url, d := range feeds {
		cp[url] = d
	}
	s.rooms[roomID] = cp
	s.recompute()
}

// removeRoom reports whether the room was known.
func (s *schedule) removeRoom(roomID string) bool {
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	s.recompute()
	return true
}

// recompute rebuilds the effective schedule from all room subscriptions.
// Feeds that survive keep their lastFetched; new feeds start at "never";
// feeds no room asks for are dropped.
func (s *schedule) recompute() {
	lowest := map[string]time.Duration{}
	for _, feeds := range s.rooms {
		for url, d := range feeds {
			if cur, ok := lowest[url]; !ok || d < cur {
				lowest[url] = d
			}
		}
	}

	next := make(map[string]*feedState, len(lowest))
	for url, d := range lowest {
		st := &feedState{interval: d}
		if prev, ok := s.feeds[url]; ok {
			st.lastFetched = prev.lastFetched
		}
		next[url] = st
	}
	s.feeds = next
}

// claimDue returns the feeds due at now in URL order and marks them fetched
// at now.
func (s *schedule) claimDue(now time.Time) []string {
	var due []string
	for url, st := range s.feeds {
		if !st.lastFetched.Add(st.interval).After(now) {
			due = append(due, url)
			st.lastFetched = now
		}
	}
	slices.Sort(due)
	return due
}

// nextWait returns the time until the earliest feed is due, clamped at zero.
// ok is false when nothing is scheduled.
func (s *schedule) nextWait(now time.Time) (wait time.Duration, ok bool) {
	for _, st := range s.feeds {
		d := st.lastFetched.Add(st.interval).Sub(now)
		if !ok || d < wait {
			wait, ok = d, true
		}
	}
	if ok && wait < 0 {
		wait = 0
	}
	return wait, ok
}
