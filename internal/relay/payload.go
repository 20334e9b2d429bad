package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidConfig wraps every room configuration decoding failure.
var ErrInvalidConfig = errors.New("invalid room config")

// RoomConfigPayload is the wire shape of a room's feed-configuration state.
type RoomConfigPayload struct {
	Feeds []FeedSubscription `json:"feeds"`
}

type FeedSubscription struct {
	URL                string `json:"url"`
	UpdateIntervalSecs int64  `json:"update_interval_secs"`
}

// KnownPayload is the wire shape of the persisted known-identifier set.
type KnownPayload struct {
	KnownGUIDs []string `json:"known_guids"`
}

// maxIntervalSecs keeps interval*time.Second well inside int64.
const maxIntervalSecs = int64(math.MaxInt64 / int64(time.Second))

// ParseRoomConfig decodes a room configuration payload into url -> interval.
//
// An empty payload (nil, "null" or "{}") means the room subscribes to
// nothing. Anything else must carry a "feeds" list whose entries all have a
// non-empty string "url" (without surrounding whitespace) and a positive
// integer "update_interval_secs"; otherwise the whole payload is rejected.
// A URL listed twice keeps the smaller interval.
func ParseRoomConfig(raw json.RawMessage) (map[string]time.Duration, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]time.Duration{}, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(doc) == 0 {
		return map[string]time.Duration{}, nil
	}
	feedsRaw, ok := doc["feeds"]
	if !ok {
		return nil, fmt.Errorf("%w: missing \"feeds\"", ErrInvalidConfig)
	}

	var items []map[string]any
	if err := json.Unmarshal(feedsRaw, &items); err != nil {
		return nil, fmt.Errorf("%w: feeds: %v", ErrInvalidConfig, err)
	}

	out := make(map[string]time.Duration, len(items))
	for i, it := range items {
		url, ok := it["url"].(string)
		if !ok || url == "" {
			return nil, fmt.Errorf("%w: feeds[%d].url must be a non-empty string", ErrInvalidConfig, i)
		}
		// URLs are feed identities and are never rewritten
		if strings.TrimSpace(url) != url {
			return nil, fmt.Errorf("%w: feeds[%d].url has surrounding whitespace", ErrInvalidConfig, i)
		}
		secs, ok := it["update_interval_secs"].(float64)
		if !ok || secs != math.Trunc(secs) || secs < 1 || secs > float64(maxIntervalSecs) {
			return nil, fmt.Errorf("%w: feeds[%d].update_interval_secs must be a positive integer", ErrInvalidConfig, i)
		}
		d := time.Duration(secs) * time.Second
		if prev, dup := out[url]; !dup || d < prev {
			out[url] = d
		}
	}
	return out, nil
}
