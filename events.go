package main

import (
	"fmt"
	"time"

	"tocclient/internal/bridge"
	"tocclient/internal/text"
	"tocclient/internal/toc"
)

// Line kinds shown to the user
const (
	LineIncoming = iota
	LineOutgoing
	LineSystem
	LineError
)

// Line is one entry in the conversation log
type Line struct {
	Kind      int
	From      string
	To        string
	Content   string
	Timestamp time.Time
}

func formatLine(l Line) string {
	timestamp := l.Timestamp.Format("15:04:05")
	switch l.Kind {
	case LineIncoming:
		return fmt.Sprintf("[%s][%s]: %s", timestamp, l.From, l.Content)
	case LineOutgoing:
		return fmt.Sprintf("[%s][to %s]: %s", timestamp, l.To, l.Content)
	case LineError:
		return fmt.Sprintf("[%s][ERROR] %s", timestamp, l.Content)
	default:
		return fmt.Sprintf("[%s] %s", timestamp, l.Content)
	}
}

func buddyStatus(b toc.Buddy) string {
	switch {
	case !b.Online:
		return "offline"
	case !b.Available:
		return "away"
	case b.IdleTime > 0:
		return fmt.Sprintf("idle %dm", int(b.IdleTime/time.Minute))
	default:
		return "online"
	}
}

// handlers routes client events to the app and, when running, the HTTP
// bridge. Everything here runs on the listener goroutine.
func (a *App) handlers(hub *bridge.Hub) toc.Handlers {
	return toc.Handlers{
		Message: func(m toc.Message) {
			a.setPeer(m.From)
			content := text.StripHTML(m.Text)
			if m.AutoResponse {
				content += " (auto)"
			}
			a.print(Line{Kind: LineIncoming, From: m.From, Content: content})
			if hub != nil {
				hub.Message(m)
			}
		},
		Error: func(r *toc.ErrorRecord) {
			a.print(Line{Kind: LineError, Content: r.Message})
			if hub != nil {
				hub.Error(r)
			}
		},
		Config: func() {
			a.print(Line{Kind: LineSystem, Content: fmt.Sprintf("buddy list received (%d buddies)", a.session.Roster().Len())})
			a.rosterChanged()
			if hub != nil {
				hub.Config()
			}
		},
		BuddyUpdate: func(b toc.Buddy) {
			a.print(Line{Kind: LineSystem, Content: fmt.Sprintf("%s is %s", b.ScreenName, buddyStatus(b))})
			a.rosterChanged()
			if hub != nil {
				hub.BuddyUpdate(b)
			}
		},
		Disconnect: func(err error) {
			a.print(Line{Kind: LineError, Content: fmt.Sprintf("connection lost: %v", err)})
			if hub != nil {
				hub.Disconnect(err)
			}
			a.disconnected()
		},
	}
}
