package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by adapters when a requested room state or account
// data item does not exist.
var ErrNotFound = errors.New("transport: not found")

type EventKind string

const (
	// EventRoomConfig carries a room's feed-configuration state. A nil Content
	// means the room has no configuration (it subscribes to nothing).
	EventRoomConfig EventKind = "room_config"
	// EventRoomLeft is emitted when the bot leaves or is removed from a room.
	EventRoomLeft EventKind = "room_left"
	// EventCommand is a "!rss" message addressed to the bot.
	EventCommand EventKind = "command"
)

type Event struct {
	Kind    EventKind
	RoomID  string
	Sender  string
	Content json.RawMessage
	Text    string
}

// Sender delivers a notice into a room. plain is the fallback body; html is
// the rich rendering and may be empty.
type Sender interface {
	SendNotice(ctx context.Context, roomID, plain, html string) error
}

// AccountData is per-account persistent key-value storage on the server.
type AccountData interface {
	GetAccountData(ctx context.Context, key string, out any) error
	SetAccountData(ctx context.Context, key string, v any) error
}

// Adapter is a chat transport. Start performs the initial room discovery
// (emitting one EventRoomConfig per joined room) and then streams events
// into out until ctx is done or Stop is called.
type Adapter interface {
	Sender
	AccountData

	UserID() string
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error
}
