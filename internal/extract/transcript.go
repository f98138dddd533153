// Package extract turns raw model output into display-ready text.
//
// Model answers arrive either as one structured JSON object, which callers
// decode themselves and pass through, or as a streamed transcript: newline
// delimited lines that are each a JSON event, an opaque plain-text fragment or
// the [DONE] sentinel. [ExtractText] rebuilds the final string from such a
// transcript, [ParseSynonyms] splits free text into a bounded word list and
// [CleanQuotationMarks] removes the quotes models like to wrap sentences in.
//
// Nothing in this package returns an error. Malformed lines are downgraded to
// plain text and an unusable transcript yields an empty result.
package extract

import (
	"encoding/json"
	"strings"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"

	eventTextDelta = "text-delta"
)

// LineKind classifies one transcript line.
type LineKind int

const (
	// LineSkip carries no text: blank lines and the [DONE] sentinel.
	LineSkip LineKind = iota

	// LineDecoded is a line that parsed as JSON. Text holds the extracted
	// fragment and may be empty when the event carries none.
	LineDecoded

	// LinePlainText is a line that is not JSON. Text holds it verbatim.
	LinePlainText
)

// String implements fmt.Stringer.
func (k LineKind) String() string {
	switch k {
	case LineDecoded:
		return "decoded"
	case LinePlainText:
		return "plain-text"
	default:
		return "skip"
	}
}

// Line is the result of decoding one transcript line.
type Line struct {
	Kind LineKind
	Text string
}

// DecodeLine classifies a single transcript line and returns the text it
// contributes. A trailing carriage return is ignored.
func DecodeLine(raw string) Line {
	raw = strings.TrimSuffix(raw, "\r")
	if strings.TrimSpace(raw) == "" {
		return Line{Kind: LineSkip}
	}

	data := strings.TrimPrefix(raw, dataPrefix)
	if data == doneMarker || data == "" {
		return Line{Kind: LineSkip}
	}

	var event any
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return Line{Kind: LinePlainText, Text: data}
	}
	return Line{Kind: LineDecoded, Text: eventText(event)}
}

// eventText picks the text fragment out of a decoded event. A text-delta
// event contributes its delta; any other object contributes its text field.
// Non-string fields and non-object values contribute nothing.
func eventText(event any) string {
	obj, ok := event.(map[string]any)
	if !ok {
		return ""
	}
	if typ, _ := obj["type"].(string); typ == eventTextDelta {
		if delta, _ := obj["delta"].(string); delta != "" {
			return delta
		}
	}
	text, _ := obj["text"].(string)
	return text
}

// ExtractText concatenates the text fragments of every line in transcript and
// trims the result. It tolerates any mix of JSON events and plain-text lines.
func ExtractText(transcript string) string {
	var b strings.Builder
	for _, raw := range strings.Split(transcript, "\n") {
		line := DecodeLine(raw)
		if line.Kind == LineSkip {
			continue
		}
		b.WriteString(line.Text)
	}
	return strings.TrimSpace(b.String())
}

// deltaEvent is the wire shape of a streamed text fragment.
type deltaEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// DoneLine terminates a transcript.
const DoneLine = dataPrefix + doneMarker

// DeltaLine renders text as a single text-delta transcript line without the
// trailing newline. Newlines inside text are JSON-escaped, so the result is
// always one line.
func DeltaLine(text string) string {
	// Marshalling a struct of two strings cannot fail.
	b, _ := json.Marshal(deltaEvent{Type: eventTextDelta, Delta: text})
	return dataPrefix + string(b)
}

// Transcript accumulates streamed fragments in transcript form. The zero
// value is ready to use. It is not safe for concurrent use.
type Transcript struct {
	b    strings.Builder
	done bool
}

// WriteDelta appends one text-delta line. Empty fragments are dropped.
func (t *Transcript) WriteDelta(text string) {
	if text == "" {
		return
	}
	t.b.WriteString(DeltaLine(text))
	t.b.WriteByte('\n')
}

// Close appends the [DONE] sentinel once.
func (t *Transcript) Close() {
	if t.done {
		return
	}
	t.done = true
	t.b.WriteString(DoneLine)
	t.b.WriteByte('\n')
}

// String returns the raw transcript.
func (t *Transcript) String() string {
	return t.b.String()
}

// Text returns [ExtractText] of the transcript so far.
func (t *Transcript) Text() string {
	return ExtractText(t.b.String())
}
