package conversation

import (
	"fmt"
	"strings"

	"github.com/ashureev/polya-classroom/internal/domain"
)

// RefPrefix prefixes message reference ids in prompts ("CON#12").
const RefPrefix = "CON#"

// Ref returns the stable reference id of an event.
func Ref(e domain.Event) string {
	return fmt.Sprintf("%s%d", RefPrefix, e.Seq)
}

// FormatTranscript renders events as "CON#k Name: text" lines. The reference
// id is the event's seq, so citations stay valid as the window slides.
func FormatTranscript(events []domain.Event) string {
	if len(events) == 0 {
		return "(no messages yet)"
	}
	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := e.SenderName
		if name == "" {
			name = e.Source
		}
		fmt.Fprintf(&b, "%s %s: %s", Ref(e), name, e.Content)
	}
	return b.String()
}

// Tail returns the last n events (all of them when n <= 0).
func Tail(events []domain.Event, n int) []domain.Event {
	if n <= 0 || n >= len(events) {
		return events
	}
	return events[len(events)-n:]
}
