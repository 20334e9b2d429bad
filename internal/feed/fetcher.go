// Package feed fetches and parses syndication feeds (RSS, Atom, JSON Feed)
// into relay entries.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"rssbot/internal/relay"
)

const DefaultUserAgent = "rssbot/1.0 (+matrix)"

type Options struct {
	UserAgent string
	// Client overrides the HTTP client; its Timeout is left alone. Per-fetch
	// deadlines come from the context.
	Client *http.Client
}

// Fetcher implements relay.Fetcher on top of gofeed.
type Fetcher struct {
	parser *gofeed.Parser
}

func NewFetcher(opts Options) *Fetcher {
	p := gofeed.NewParser()
	p.UserAgent = strings.TrimSpace(opts.UserAgent)
	if p.UserAgent == "" {
		p.UserAgent = DefaultUserAgent
	}
	p.Client = opts.Client
	if p.Client == nil {
		p.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Fetcher{parser: p}
}

// Fetch downloads and parses url. Entries keep the document order. An item's
// identifier is its GUID, falling back to its link; items with neither are
// skipped. The feed title falls back to the URL.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*relay.Feed, error) {
	parsed, err := f.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", url, err)
	}
	return convert(url, parsed), nil
}

func convert(url string, parsed *gofeed.Feed) *relay.Feed {
	out := &relay.Feed{Title: strings.TrimSpace(parsed.Title)}
	if out.Title == "" {
		out.Title = url
	}
	out.Entries = make([]relay.Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		id := strings.TrimSpace(item.GUID)
		if id == "" {
			id = strings.TrimSpace(item.Link)
		}
		if id == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = "(untitled)"
		}
		out.Entries = append(out.Entries, relay.Entry{
			ID:    id,
			Title: title,
			Link:  strings.TrimSpace(item.Link),
		})
	}
	return out
}
