// Package tokens estimates prompt token counts for inbound chat
// requests. The backend reports authoritative usage on most responses;
// the estimate fills the gap when a response carries none.
package tokens

import (
	"encoding/json"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/relayforge/gemini-relay/internal/api/openai"
)

// Per-message framing overhead, per the chat-completion accounting
// convention: 3 tokens per message plus 1 for the role, plus 3 for the
// trailing assistant priming.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerToolDef = 7
	assistantPriming = 3
)

// Counter estimates token counts with a byte-pair encoding. The backend
// model family has no public tokenizer, so the o200k_base encoding is
// used as a close approximation.
type Counter struct {
	initOnce sync.Once
	codec    tokenizer.Codec
	initErr  error
}

// NewCounter creates a counter. The encoding loads lazily on first use.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) getCodec() (tokenizer.Codec, error) {
	c.initOnce.Do(func() {
		c.codec, c.initErr = tokenizer.Get(tokenizer.O200kBase)
	})
	return c.codec, c.initErr
}

// CountText counts tokens in a plain text string.
func (c *Counter) CountText(text string) (int, error) {
	codec, err := c.getCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EstimatePrompt estimates the prompt token count for a chat request,
// messages and tool declarations included.
func (c *Counter) EstimatePrompt(req *openai.ChatCompletionRequest) (int, error) {
	codec, err := c.getCodec()
	if err != nil {
		return 0, err
	}
	encode := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, _ := codec.Encode(s)
		return len(ids)
	}

	total := 0
	for _, msg := range req.Messages {
		total += tokensPerMessage + tokensPerRole
		total += encode(msg.Content)
		total += encode(msg.ReasoningContent)
		for _, call := range msg.ToolCalls {
			total += encode(call.Function.Name)
			total += encode(call.Function.Arguments)
			total += 3
		}
	}

	for _, tool := range req.Tools {
		total += encode(tool.Function.Name)
		total += encode(tool.Function.Description)
		if tool.Function.Parameters != nil {
			raw, _ := json.Marshal(tool.Function.Parameters)
			total += encode(string(raw))
		}
		total += tokensPerToolDef
	}

	total += assistantPriming
	return total, nil
}
