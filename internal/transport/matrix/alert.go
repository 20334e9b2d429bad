package matrix

import (
	"context"
	"html"

	"rssbot/internal/transport"
	logx "rssbot/pkg/logx"
)

// AlertSink posts operator alerts into a Matrix room as notices.
type AlertSink struct {
	sender transport.Sender
	room   string
}

var _ logx.AlertSink = (*AlertSink)(nil)

func NewAlertSink(sender transport.Sender, room string) *AlertSink {
	return &AlertSink{sender: sender, room: room}
}

func (s *AlertSink) Name() string { return "matrix" }

func (s *AlertSink) SendAlert(ctx context.Context, text string) error {
	return s.sender.SendNotice(ctx, s.room, text, "<pre>"+html.EscapeString(text)+"</pre>")
}
