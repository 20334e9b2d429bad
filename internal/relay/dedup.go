package relay

import "slices"

// Deduplicator remembers every entry identifier ever seen. It only grows.
// It is not synchronized; Engine guards it.
type Deduplicator struct {
	known map[string]struct{}
}

func NewDeduplicator(seed []string) *Deduplicator {
	d := &Deduplicator{known: make(map[string]struct{}, len(seed))}
	for _, id := range seed {
		d.known[id] = struct{}{}
	}
	return d
}

// Classify walks entries in order. Unknown identifiers are recorded and
// returned in fresh (input order kept); anyKnown reports whether at least one
// entry had been seen before.
func (d *Deduplicator) Classify(entries []Entry) (fresh []Entry, anyKnown bool) {
	for _, e := range entries {
		if _, ok := d.known[e.ID]; ok {
			anyKnown = true
			continue
		}
		d.known[e.ID] = struct{}{}
		fresh = append(fresh, e)
	}
	return fresh, anyKnown
}

func (d *Deduplicator) Known(id string) bool {
	_, ok := d.known[id]
	return ok
}

func (d *Deduplicator) Len() int { return len(d.known) }

// Snapshot returns the known set in sorted order.
func (d *Deduplicator) Snapshot() []string {
	out := make([]string, 0, len(d.known))
	for id := range d.known {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
