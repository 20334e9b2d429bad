package matrix

import (
	"encoding/json"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"rssbot/internal/transport"
)

type action int

const (
	actionNone action = iota
	actionEmit
	actionInvite
	// actionRefresh re-reads the room config (the bot joined the room).
	actionRefresh
)

// classify maps a sync event to what the adapter should do with it.
// Messages and the bot's join/leave events older than since are replayed
// history and ignored; pending invites are honoured whatever their age.
func classify(evt *event.Event, self id.UserID, prefix string, since time.Time) (action, transport.Event) {
	if evt == nil {
		return actionNone, transport.Event{}
	}
	base := transport.Event{RoomID: string(evt.RoomID), Sender: string(evt.Sender)}

	switch evt.Type.Type {
	case ConfigEventType:
		if evt.StateKey == nil || *evt.StateKey != "" {
			return actionNone, base
		}
		base.Kind = transport.EventRoomConfig
		base.Content = configContent(evt.Content.VeryRaw)
		return actionEmit, base

	case event.StateMember.Type:
		if evt.StateKey == nil || id.UserID(*evt.StateKey) != self {
			return actionNone, base
		}
		m := membership(evt.Content.VeryRaw)
		if m == "invite" {
			return actionInvite, base
		}
		if replayed(evt, since) {
			return actionNone, base
		}
		switch m {
		case "join":
			base.Kind = transport.EventRoomConfig
			return actionRefresh, base
		case "leave", "ban":
			base.Kind = transport.EventRoomLeft
			return actionEmit, base
		}
		return actionNone, base

	case event.EventMessage.Type:
		if evt.Sender == self || evt.StateKey != nil {
			return actionNone, base
		}
		if replayed(evt, since) {
			return actionNone, base
		}
		body := strings.TrimSpace(messageBody(evt.Content.VeryRaw))
		if !isCommand(body, prefix) {
			return actionNone, base
		}
		base.Kind = transport.EventCommand
		base.Text = body
		return actionEmit, base
	}
	return actionNone, base
}

func replayed(evt *event.Event, since time.Time) bool {
	return !since.IsZero() && time.UnixMilli(evt.Timestamp).Before(since)
}

// isCommand reports whether body is prefix alone or prefix followed by
// whitespace ("!rssfoo" is not a command).
func isCommand(body, prefix string) bool {
	if !strings.HasPrefix(body, prefix) {
		return false
	}
	rest := body[len(prefix):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n'
}

// configContent treats a redacted (empty) state event as no config.
func configContent(raw json.RawMessage) json.RawMessage {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "{}" || s == "null" {
		return nil
	}
	return raw
}

func membership(raw json.RawMessage) string {
	var c struct {
		Membership string `json:"membership"`
	}
	_ = json.Unmarshal(raw, &c)
	return c.Membership
}

func messageBody(raw json.RawMessage) string {
	var c struct {
		Body string `json:"body"`
	}
	_ = json.Unmarshal(raw, &c)
	return c.Body
}
