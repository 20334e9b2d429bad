package relay

import (
	"slices"
	"time"

	"github.com/samber/lo"
)

// roomsFor lists, in ID order, every room whose subscriptions contain url.
func roomsFor(rooms map[string]map[string]time.Duration, url string) []string {
	out := lo.Filter(lo.Keys(rooms), func(roomID string, _ int) bool {
		_, ok := rooms[roomID][url]
		return ok
	})
	slices.Sort(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
