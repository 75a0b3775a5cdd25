package openai

import (
	"strings"
	"testing"

	openaiapi "github.com/relayforge/gemini-relay/internal/api/openai"
	"github.com/relayforge/gemini-relay/internal/stream"
)

func TestBuildEnvelopeBasicConversation(t *testing.T) {
	tr := NewTranslator("test-agent/1.0", NewSession())
	req := &openaiapi.ChatCompletionRequest{
		Model: "gemini-2.5-pro",
		Messages: []openaiapi.ChatCompletionMessage{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Hi"},
			{Role: "assistant", Content: "Hello"},
			{Role: "user", Content: "Bye"},
		},
	}

	env, err := tr.BuildEnvelope(req, "gemini-2.5-pro", "proj-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if env.Model != "gemini-2.5-pro" || env.Project != "proj-1" {
		t.Fatalf("envelope routing: model=%q project=%q", env.Model, env.Project)
	}
	if !strings.HasPrefix(env.RequestID, "agent-") {
		t.Fatalf("request id = %q", env.RequestID)
	}
	if env.UserAgent != "test-agent/1.0" {
		t.Fatalf("user agent = %q", env.UserAgent)
	}

	if env.Request.SystemInstruction == nil {
		t.Fatal("system instruction missing")
	}
	if got := env.Request.SystemInstruction.Parts[0].Text; got != "Be brief." {
		t.Fatalf("system text = %q", got)
	}

	contents := env.Request.Contents
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	wantRoles := []string{"user", "model", "user"}
	for i, want := range wantRoles {
		if contents[i].Role != want {
			t.Fatalf("content %d role = %q, want %q", i, contents[i].Role, want)
		}
	}

	// Default pro budget carries a thinking config.
	tc := env.Request.GenerationConfig.ThinkingConfig
	if tc == nil || !tc.IncludeThoughts || tc.ThinkingBudget != 8192 {
		t.Fatalf("thinking config = %+v", tc)
	}
}

func TestBuildEnvelopeToolRoundTrip(t *testing.T) {
	tr := NewTranslator("agent", NewSession())
	req := &openaiapi.ChatCompletionRequest{
		Model: "gemini-2.5-flash",
		Messages: []openaiapi.ChatCompletionMessage{
			{Role: "user", Content: "weather in Oslo?"},
			{Role: "assistant", ToolCalls: []openaiapi.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: openaiapi.FunctionCall{
					Name:      "get/weather",
					Arguments: `{"city":"Oslo"}`,
				},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: `{"temp": 4}`},
		},
		Tools: []openaiapi.Tool{{
			Type: "function",
			Function: openaiapi.FunctionTool{
				Name:       "get/weather",
				Parameters: map[string]any{"type": "object", "const": "x"},
			},
		}},
	}

	env, err := tr.BuildEnvelope(req, "gemini-2.5-flash", "proj")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	call := env.Request.Contents[1].Parts[0].FunctionCall
	if call == nil {
		t.Fatal("assistant tool call not translated")
	}
	if call.Name != "get:weather" {
		t.Fatalf("call name = %q, want sanitized get:weather", call.Name)
	}
	if call.Args["city"] != "Oslo" {
		t.Fatalf("call args = %v", call.Args)
	}

	// Tool results ride back as user-authored function responses, with
	// the name recovered from the originating call id.
	result := env.Request.Contents[2]
	if result.Role != "user" {
		t.Fatalf("tool result role = %q", result.Role)
	}
	fr := result.Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get:weather" {
		t.Fatalf("function response = %+v", fr)
	}
	if fr.Response["temp"] != float64(4) {
		t.Fatalf("response payload = %v", fr.Response)
	}

	decls := env.Request.Tools[0].FunctionDeclarations
	if len(decls) != 1 || decls[0].Name != "get:weather" {
		t.Fatalf("declarations = %+v", decls)
	}
	if _, ok := decls[0].Parameters["const"]; ok {
		t.Fatal("declaration schema not normalized")
	}
	if env.Request.ToolConfig.FunctionCallingConfig.Mode != "VALIDATED" {
		t.Fatalf("tool mode = %q", env.Request.ToolConfig.FunctionCallingConfig.Mode)
	}
}

func TestBuildEnvelopeBadToolArguments(t *testing.T) {
	tr := NewTranslator("agent", NewSession())
	req := &openaiapi.ChatCompletionRequest{
		Messages: []openaiapi.ChatCompletionMessage{
			{Role: "assistant", ToolCalls: []openaiapi.ToolCall{{
				ID:       "call_1",
				Function: openaiapi.FunctionCall{Name: "f", Arguments: "{broken"},
			}}},
		},
	}
	if _, err := tr.BuildEnvelope(req, "gemini-2.5-flash", "proj"); err == nil {
		t.Fatal("malformed tool arguments should fail translation")
	}
}

func TestBuildEnvelopeStrictFamilyPreamble(t *testing.T) {
	tr := NewTranslator("agent", NewSession())
	req := &openaiapi.ChatCompletionRequest{
		Messages: []openaiapi.ChatCompletionMessage{
			{Role: "system", Content: "Speak French."},
			{Role: "user", Content: "hi"},
		},
		Tools: []openaiapi.Tool{{
			Type: "function",
			Function: openaiapi.FunctionTool{
				Name:        "lookup",
				Description: "Find a thing.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"id": map[string]any{"type": "string"}},
					"required":   []any{"id"},
				},
			},
		}},
	}

	env, err := tr.BuildEnvelope(req, "claude-sonnet-4", "proj")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	sys := env.Request.SystemInstruction.Parts[0].Text
	if !strings.HasPrefix(sys, strictFamilyPreamble) {
		t.Fatalf("system text missing preamble: %q", sys)
	}
	if !strings.Contains(sys, "Speak French.") {
		t.Fatalf("system text dropped user instruction: %q", sys)
	}

	desc := env.Request.Tools[0].FunctionDeclarations[0].Description
	if !strings.Contains(desc, "id (string, required)") {
		t.Fatalf("tool description missing parameter reminder: %q", desc)
	}
}

func TestSessionSignatureThreading(t *testing.T) {
	session := NewSession()
	tr := NewTranslator("agent", session)

	// Decoding a response with a signature updates the session.
	events := []stream.Event{
		{Role: "assistant", TextDelta: "thinking", Thought: true, ThoughtSignature: "sig-42"},
		{TextDelta: "answer"},
		{Finish: "stop", Usage: &stream.Usage{PromptTokens: 1, OutputTokens: 2}},
	}
	tr.AggregateResponse(events, "gemini-2.5-pro")
	if session.Signature() != "sig-42" {
		t.Fatalf("session signature = %q", session.Signature())
	}

	// The next assistant-authored thought part carries it back.
	req := &openaiapi.ChatCompletionRequest{
		Messages: []openaiapi.ChatCompletionMessage{
			{Role: "user", Content: "q"},
			{Role: "assistant", ReasoningContent: "thinking", Content: "answer"},
		},
	}
	env, err := tr.BuildEnvelope(req, "gemini-2.5-pro", "proj")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	thought := env.Request.Contents[1].Parts[0]
	if !thought.Thought || thought.ThoughtSignature != "sig-42" {
		t.Fatalf("thought part = %+v", thought)
	}
}

func TestAggregateResponse(t *testing.T) {
	tr := NewTranslator("agent", NewSession())
	events := []stream.Event{
		{Role: "assistant", TextDelta: "reasoning...", Thought: true},
		{TextDelta: "The answer "},
		{TextDelta: "is 42."},
		{ToolCall: &stream.ToolCall{ID: "call_abc", Name: "verify", Args: map[string]any{"n": 42}}},
		{Finish: "tool_calls", Usage: &stream.Usage{PromptTokens: 12, OutputTokens: 30}},
	}

	resp := tr.AggregateResponse(events, "gemini-2.5-pro")
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("response id = %q", resp.ID)
	}
	msg := resp.Choices[0].Message
	if msg.Content != "The answer is 42." {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.ReasoningContent != "reasoning..." {
		t.Fatalf("reasoning = %q", msg.ReasoningContent)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "verify" {
		t.Fatalf("tool calls = %+v", msg.ToolCalls)
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("finish = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 30 || resp.Usage.TotalTokens != 42 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestChunkBuilder(t *testing.T) {
	b := NewChunkBuilder("gemini-2.5-pro", NewSession())

	chunk, ok := b.FromEvent(stream.Event{Role: "assistant", TextDelta: "Hel"})
	if !ok {
		t.Fatal("text delta should produce a chunk")
	}
	if chunk.Object != "chat.completion.chunk" {
		t.Fatalf("object = %q", chunk.Object)
	}
	if chunk.Choices[0].Delta.Content != "Hel" || chunk.Choices[0].Delta.Role != "assistant" {
		t.Fatalf("delta = %+v", chunk.Choices[0].Delta)
	}

	reasoning, ok := b.FromEvent(stream.Event{TextDelta: "hmm", Thought: true})
	if !ok || reasoning.Choices[0].Delta.ReasoningContent != "hmm" {
		t.Fatalf("reasoning delta = %+v", reasoning)
	}

	// Signature-only events update state but emit nothing.
	if _, ok := b.FromEvent(stream.Event{SignatureOnly: true, ThoughtSignature: "sig"}); ok {
		t.Fatal("signature-only event should emit no chunk")
	}

	tool, ok := b.FromEvent(stream.Event{ToolCall: &stream.ToolCall{ID: "call_1", Name: "f", Args: map[string]any{}}})
	if !ok {
		t.Fatal("tool call should produce a chunk")
	}
	tc := tool.Choices[0].Delta.ToolCalls[0]
	if tc.Index == nil || *tc.Index != 0 {
		t.Fatalf("tool index = %v", tc.Index)
	}

	final, ok := b.FromEvent(stream.Event{Finish: "stop", Usage: &stream.Usage{PromptTokens: 3, OutputTokens: 4}})
	if !ok {
		t.Fatal("terminal event should produce a chunk")
	}
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish chunk = %+v", final.Choices[0])
	}
	if final.Usage == nil || final.Usage.TotalTokens != 7 {
		t.Fatalf("usage = %+v", final.Usage)
	}

	if chunk.ID != final.ID {
		t.Fatal("all chunks of one stream must share an id")
	}
}
