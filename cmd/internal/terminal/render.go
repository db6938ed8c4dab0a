package terminal

import (
	"time"

	"roomrelay/cmd/internal/relay"

	"github.com/gookit/color"
)

// SelfLabel replaces the local participant's identity in rendered lines.
const SelfLabel = "You"

const clockLayout = "15:04:05"

var (
	clockStyle    = color.New(color.FgDarkGray)
	selfStyle     = color.New(color.FgGreen, color.OpBold)
	peerStyle     = color.New(color.FgCyan, color.OpBold)
	announceStyle = color.New(color.FgYellow)
	noticeStyle   = color.New(color.FgRed)
)

// Renderer formats relay deliveries as terminal lines:
//
//	[15:04:05] bob: hello
//	[15:04:05] * You joined the room
//
// Senders are shown by username; display names stay with the event for other front ends.
// The zero value renders plain text in local time with no self relabeling.
type Renderer struct {
	// Self is the local username. Events it authored are labeled SelfLabel.
	Self     string
	Color    bool
	Location *time.Location
}

// Event renders ev. ok is false for kinds that have no terminal form.
func (r Renderer) Event(ev relay.Event) (line string, ok bool) {
	who := r.identity(ev.Username)
	switch ev.Kind {
	case relay.EventMessage:
		return r.clock(ev.Timestamp) + " " + who + ": " + ev.Body, true
	case relay.EventJoined:
		return r.clock(ev.Timestamp) + " " + r.paint(announceStyle, "* ") + who + r.paint(announceStyle, " joined the room"), true
	case relay.EventLeft:
		return r.clock(ev.Timestamp) + " " + r.paint(announceStyle, "* ") + who + r.paint(announceStyle, " left the room"), true
	default:
		return "", false
	}
}

// Message renders a replayed history message exactly like a live one.
func (r Renderer) Message(m relay.Message) string {
	line, _ := r.Event(relay.FromMessage(m, ""))
	return line
}

// Notice renders a local status line that did not travel through the room.
func (r Renderer) Notice(text string) string {
	return r.paint(noticeStyle, "! "+text)
}

func (r Renderer) identity(username string) string {
	if r.Self != "" && username == r.Self {
		return r.paint(selfStyle, SelfLabel)
	}
	return r.paint(peerStyle, username)
}

func (r Renderer) clock(ts time.Time) string {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	return r.paint(clockStyle, "["+ts.In(loc).Format(clockLayout)+"]")
}

func (r Renderer) paint(s color.Style, text string) string {
	if !r.Color {
		return text
	}
	return s.Render(text)
}
