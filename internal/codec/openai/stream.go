package openai

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	openaiapi "github.com/relayforge/gemini-relay/internal/api/openai"
	"github.com/relayforge/gemini-relay/internal/stream"
)

// ChunkBuilder renders decoded events as incremental delta chunks for
// one streaming response.
type ChunkBuilder struct {
	id        string
	created   int64
	model     string
	session   *Session
	toolIndex int
}

// NewChunkBuilder creates a builder for one streaming response.
func NewChunkBuilder(model string, session *Session) *ChunkBuilder {
	return &ChunkBuilder{
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		model:   model,
		session: session,
	}
}

// FromEvent converts one decoded event into a client-facing chunk.
// Events that only update internal state (continuity token updates,
// mid-stream usage) yield no chunk.
func (b *ChunkBuilder) FromEvent(ev stream.Event) (openaiapi.ChatCompletionChunk, bool) {
	b.session.Update(ev.ThoughtSignature)

	chunk := openaiapi.ChatCompletionChunk{
		ID:      b.id,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.model,
	}

	switch {
	case ev.Finish != "":
		finish := ev.Finish
		chunk.Choices = []openaiapi.ChunkChoice{{FinishReason: &finish}}
		if ev.Usage != nil {
			chunk.Usage = &openaiapi.Usage{
				PromptTokens:     ev.Usage.PromptTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.PromptTokens + ev.Usage.OutputTokens,
			}
		}
		return chunk, true

	case ev.ToolCall != nil:
		args, _ := json.Marshal(ev.ToolCall.Args)
		index := b.toolIndex
		b.toolIndex++
		chunk.Choices = []openaiapi.ChunkChoice{{
			Delta: openaiapi.ChatCompletionMessage{
				Role: ev.Role,
				ToolCalls: []openaiapi.ToolCall{{
					Index: &index,
					ID:    ev.ToolCall.ID,
					Type:  "function",
					Function: openaiapi.FunctionCall{
						Name:      ev.ToolCall.Name,
						Arguments: string(args),
					},
				}},
			},
		}}
		return chunk, true

	case ev.TextDelta != "":
		delta := openaiapi.ChatCompletionMessage{Role: ev.Role}
		if ev.Thought {
			delta.ReasoningContent = ev.TextDelta
		} else {
			delta.Content = ev.TextDelta
		}
		chunk.Choices = []openaiapi.ChunkChoice{{Delta: delta}}
		return chunk, true

	default:
		return chunk, false
	}
}
