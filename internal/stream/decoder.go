// Package stream reconstructs semantic events from the upstream's
// newline-delimited "data: <json>" response stream. Chunk boundaries
// are arbitrary with respect to frame boundaries, so the decoder keeps
// its own line and frame buffers.
package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/relayforge/gemini-relay/internal/gemini"
)

const dataPrefix = "data:"

// Event is one semantic unit decoded from the stream. Exactly one of
// the payload fields is meaningful per event; Finish is set only on the
// terminal event produced by Finish().
type Event struct {
	// Role is "assistant" on the very first delta of a response.
	Role      string
	TextDelta string
	Thought   bool
	ToolCall  *ToolCall
	// ThoughtSignature is the continuity token to thread into the next
	// assistant-authored request part.
	ThoughtSignature string
	// SignatureOnly marks a tool-result acknowledgment: the continuity
	// token updates but no visible delta is produced.
	SignatureOnly bool
	Usage         *Usage
	Finish        string
}

// ToolCall is a decoded function call with a synthesized identifier.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Usage carries token counts. On the terminal event, reasoning tokens
// are folded into OutputTokens for schema compatibility.
type Usage struct {
	PromptTokens    int
	OutputTokens    int
	ReasoningTokens int
}

// Decoder turns raw stream bytes into Events. It is not safe for
// concurrent use; one decoder serves exactly one response stream.
type Decoder struct {
	logger *slog.Logger

	lineBuf bytes.Buffer
	pending bytes.Buffer

	first            bool
	sawToolCall      bool
	pendingSignature bool
	usage            Usage
}

// NewDecoder creates a decoder for a single response stream.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger, first: true}
}

// Write consumes one delivered chunk and returns the events completed
// by it, in frame arrival order.
func (d *Decoder) Write(p []byte) []Event {
	d.lineBuf.Write(p)
	var events []Event
	for {
		raw := d.lineBuf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(raw[:idx]), "\r")
		d.lineBuf.Next(idx + 1)

		if line == "" {
			events = append(events, d.flushFrame()...)
			continue
		}
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimPrefix(line, dataPrefix), " ")
		d.pending.WriteString(payload)
	}
	return events
}

// Finish flushes any unterminated trailing frame and emits the terminal
// event carrying the finish reason and merged usage totals.
func (d *Decoder) Finish() []Event {
	var events []Event
	if rest := strings.TrimSpace(d.lineBuf.String()); rest != "" {
		if strings.HasPrefix(rest, dataPrefix) {
			d.pending.WriteString(strings.TrimPrefix(strings.TrimPrefix(rest, dataPrefix), " "))
		}
		d.lineBuf.Reset()
	}
	events = append(events, d.flushFrame()...)

	finish := "stop"
	if d.sawToolCall || d.pendingSignature {
		finish = "tool_calls"
	}
	total := d.usage
	total.OutputTokens += total.ReasoningTokens
	events = append(events, Event{Finish: finish, Usage: &total})
	return events
}

// flushFrame parses the pending frame buffer as one structured
// envelope. Malformed frames are logged and dropped; the stream
// continues.
func (d *Decoder) flushFrame() []Event {
	if d.pending.Len() == 0 {
		return nil
	}
	raw := d.pending.Bytes()
	d.pending = bytes.Buffer{}

	var frame gemini.ResponseFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.logger.Warn("dropping malformed stream frame",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(raw)))
		return nil
	}
	return d.frameEvents(frame.Data())
}

func (d *Decoder) frameEvents(data gemini.ResponseData) []Event {
	var events []Event

	if len(data.Candidates) > 0 {
		for _, part := range data.Candidates[0].Content.Parts {
			switch {
			case part.FunctionCall != nil:
				d.sawToolCall = true
				ev := Event{
					ToolCall: &ToolCall{
						ID:   "call_" + uuid.NewString(),
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					},
					ThoughtSignature: part.ThoughtSignature,
				}
				events = append(events, d.stamp(ev))

			case part.Text != "":
				ev := Event{
					TextDelta:        part.Text,
					Thought:          part.Thought,
					ThoughtSignature: part.ThoughtSignature,
				}
				if !part.Thought {
					d.pendingSignature = false
				}
				events = append(events, d.stamp(ev))

			case part.FunctionResponse != nil || part.ThoughtSignature != "":
				d.pendingSignature = part.ThoughtSignature != ""
				events = append(events, Event{
					SignatureOnly:    true,
					ThoughtSignature: part.ThoughtSignature,
				})
			}
		}
	}

	if u := data.UsageMetadata; u != nil {
		d.usage = Usage{
			PromptTokens:    u.PromptTokenCount,
			OutputTokens:    u.CandidatesTokenCount,
			ReasoningTokens: u.ThoughtsTokenCount,
		}
		events = append(events, Event{Usage: &Usage{
			PromptTokens:    u.PromptTokenCount,
			OutputTokens:    u.CandidatesTokenCount,
			ReasoningTokens: u.ThoughtsTokenCount,
		}})
	}
	return events
}

// DecodeResponse converts a complete non-streaming response into the
// same event sequence a streamed delivery of it would have produced,
// terminal event included.
func DecodeResponse(data gemini.ResponseData, logger *slog.Logger) []Event {
	d := NewDecoder(logger)
	events := d.frameEvents(data)
	return append(events, d.Finish()...)
}

// stamp marks the first visible delta with the assistant role.
func (d *Decoder) stamp(ev Event) Event {
	if d.first {
		ev.Role = "assistant"
		d.first = false
	}
	return ev
}
