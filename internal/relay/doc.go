// Package relay is the feed-scheduling and deduplication engine.
//
// The Engine owns, behind one mutex:
//   - per-room feed subscriptions and the effective schedule derived from them
//     (one interval per feed: the minimum across subscribing rooms)
//   - the set of known entry identifiers
//
// Engine.Run is the single fetch loop. It sleeps until the earliest feed is
// due and is woken early whenever a room configuration changes. New entries
// are persisted through a KnownStore before they are handed to a Dispatcher,
// oldest first, for every room subscribed to the feed at that moment.
package relay
