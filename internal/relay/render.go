package relay

import (
	"fmt"
	"html"
)

// Render formats an entry announcement:
//
//	plain: [Feed Title][https://link] Entry title
//	html:  [<a href="https://link">Feed Title</a>] Entry title
func Render(feedTitle string, e Entry) Message {
	return Message{
		Plain: fmt.Sprintf("[%s][%s] %s", feedTitle, e.Link, e.Title),
		HTML: fmt.Sprintf(`[<a href="%s">%s</a>] %s`,
			html.EscapeString(e.Link), html.EscapeString(feedTitle), html.EscapeString(e.Title)),
	}
}
