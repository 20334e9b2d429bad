package app

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/samber/lo"

	"rssbot/internal/relay"
	"rssbot/internal/transport/matrix"
)

// commandReply answers a room command. text starts with prefix.
func commandReply(prefix, text string, feeds []relay.RoomFeed) (plain, htmlBody string) {
	args := strings.Fields(strings.TrimSpace(strings.TrimPrefix(text, prefix)))
	sub := ""
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}
	switch sub {
	case "", "list":
		return listReply(feeds)
	default:
		return helpReply(prefix)
	}
}

func listReply(feeds []relay.RoomFeed) (string, string) {
	if len(feeds) == 0 {
		msg := "This room is not subscribed to any feeds."
		return msg, html.EscapeString(msg)
	}

	var p, h strings.Builder
	fmt.Fprintf(&p, "Subscribed feeds (%d):", len(feeds))
	fmt.Fprintf(&h, "Subscribed feeds (%d):<ul>", len(feeds))
	for _, f := range feeds {
		line := fmt.Sprintf("every %s", formatInterval(f.Requested))
		if f.Effective > 0 && f.Effective < f.Requested {
			line += fmt.Sprintf(" (polled every %s for another room)", formatInterval(f.Effective))
		}
		fmt.Fprintf(&p, "\n- %s %s", f.URL, line)
		fmt.Fprintf(&h, `<li><a href="%s">%s</a> %s</li>`,
			html.EscapeString(f.URL), html.EscapeString(f.URL), html.EscapeString(line))
	}
	h.WriteString("</ul>")
	return p.String(), h.String()
}

var commandHelp = []struct{ cmd, desc string }{
	{"", "list this room's feeds"},
	{"list", "list this room's feeds"},
	{"help", "show this help"},
}

func helpReply(prefix string) (string, string) {
	lines := lo.Map(commandHelp, func(c struct{ cmd, desc string }, _ int) string {
		return strings.TrimSpace(prefix+" "+c.cmd) + " - " + c.desc
	})
	plain := "Commands:\n" + strings.Join(lines, "\n") +
		"\nFeeds are configured through the room state event " + matrix.ConfigEventType + "."
	items := lo.Map(lines, func(l string, _ int) string { return "<li>" + html.EscapeString(l) + "</li>" })
	htmlBody := "Commands:<ul>" + strings.Join(items, "") + "</ul>Feeds are configured through the room state event <code>" +
		html.EscapeString(matrix.ConfigEventType) + "</code>."
	return plain, htmlBody
}

func formatInterval(d time.Duration) string {
	if d <= 0 {
		return "?"
	}
	if d%time.Second == 0 {
		return d.String()
	}
	return d.Round(time.Second).String()
}
