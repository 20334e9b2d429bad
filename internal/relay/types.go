package relay

import "context"

// Entry is one item of a fetched feed.
type Entry struct {
	ID    string
	Title string
	Link  string
}

// Feed is the result of one fetch. Entries are ordered as the source lists
// them, newest first for well-behaved feeds.
type Feed struct {
	Title   string
	Entries []Entry
}

// Message is a rendered announcement.
type Message struct {
	Plain string
	HTML  string
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Feed, error)
}

// KnownStore persists the whole known-identifier set (overwrite semantics).
type KnownStore interface {
	SaveKnown(ctx context.Context, ids []string) error
}

// Dispatcher delivers msg to every room in rooms. Delivery failures are the
// dispatcher's concern; one room failing must not affect the others.
type Dispatcher interface {
	Dispatch(ctx context.Context, rooms []string, msg Message)
}
