// Package alert defines the alert message model and the reporters that
// deliver it.
package alert

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"
)

// MaxTextLength bounds the text of any single rendered block.
const MaxTextLength = 3000

const truncatedMarker = "... truncated ...\n"

// Field is a short heading/value pair shown in the summary grid.
type Field struct {
	Heading string
	Text    string
}

// Block is a long-form section, such as a traceback or a progress log.
type Block struct {
	Heading string
	Text    string
	// Code renders the text as a preformatted block.
	Code bool
}

// Message is a rendered alert.
type Message struct {
	Text        string
	Fields      []Field
	Blocks      []Block
	Attachments []Block
}

// Reporter delivers alerts. Report is fire-and-forget: delivery failures are
// logged by the implementation and never returned to the caller.
type Reporter interface {
	Report(ctx context.Context, msg Message)
}

// Discard drops every alert.
type Discard struct{}

// Report implements Reporter.
func (Discard) Report(context.Context, Message) {}

// Recorder keeps every alert in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Report implements Reporter.
func (r *Recorder) Report(_ context.Context, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// Messages returns a copy of the recorded alerts.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// TruncateHead keeps the beginning of text so that it fits in limit bytes.
func TruncateHead(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	keep := limit - len(truncatedMarker)
	if keep < 0 {
		keep = 0
	}
	return validUTF8Prefix(text[:keep]) + "\n" + strings.TrimSuffix(truncatedMarker, "\n")
}

// TruncateTail keeps the end of text so that it fits in limit bytes. Logs and
// tracebacks carry the interesting part at the end.
func TruncateTail(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	keep := limit - len(truncatedMarker)
	if keep < 0 {
		keep = 0
	}
	tail := text[len(text)-keep:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return truncatedMarker + tail
}

func validUTF8Prefix(s string) string {
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
