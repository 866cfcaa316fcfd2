package sse

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Labels of the upstream chat stream.
const (
	EventStart = "start"
	EventToken = "token"
	EventEnd   = "end"
)

// Transcript accumulates one assistant reply from chat stream frames.
type Transcript struct {
	MessageID string
	Started   bool
	Ended     bool
	Frames    int

	text strings.Builder
}

// Apply folds f into the transcript and returns the text it added, if any.
// Unknown labels are counted but otherwise ignored.
func (t *Transcript) Apply(f Frame) string {
	t.Frames++
	switch f.Event {
	case EventStart:
		t.Started = true
		if id := gjson.Get(f.Data, "message_id"); id.Exists() {
			t.MessageID = id.String()
		}
	case EventToken:
		delta := TokenDelta(f.Data)
		t.text.WriteString(delta)
		return delta
	case EventEnd:
		t.Ended = true
	}
	return ""
}

func (t *Transcript) Text() string { return t.text.String() }

// TokenDelta extracts the text of a token frame. Payloads that are not JSON
// are taken verbatim; JSON without a string delta adds nothing.
func TokenDelta(data string) string {
	if !gjson.Valid(data) {
		return data
	}
	delta := gjson.Get(data, "delta")
	if delta.Type != gjson.String {
		return ""
	}
	return delta.String()
}
