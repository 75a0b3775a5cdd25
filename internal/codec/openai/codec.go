// Package openai converts between the client-facing chat-completion
// schema and the upstream-native request/response form.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	openaiapi "github.com/relayforge/gemini-relay/internal/api/openai"
	"github.com/relayforge/gemini-relay/internal/codec"
	"github.com/relayforge/gemini-relay/internal/gemini"
	"github.com/relayforge/gemini-relay/internal/stream"
)

// strictFamilyPreamble is prepended to the system instruction for
// backend families that need explicit grounding to stay on schema.
const strictFamilyPreamble = "You are a precise assistant. Follow tool parameter schemas exactly as declared."

// strictFamily reports whether the model belongs to a backend family
// that gets the persona preamble and per-tool parameter reminders.
func strictFamily(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

// Session holds the conversation continuity token for one client
// session. The upstream returns a thought signature with reasoning
// output; the next assistant-authored thought part must carry it back.
type Session struct {
	mu        sync.Mutex
	signature string
}

// NewSession creates an empty continuity session.
func NewSession() *Session {
	return &Session{}
}

// Signature returns the current continuity token.
func (s *Session) Signature() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signature
}

// Update stores a newly observed continuity token; empty values are
// ignored.
func (s *Session) Update(signature string) {
	if signature == "" {
		return
	}
	s.mu.Lock()
	s.signature = signature
	s.mu.Unlock()
}

// Translator maps inbound chat requests to upstream envelopes and
// decoded upstream events back to client-facing responses.
type Translator struct {
	userAgent string
	session   *Session
}

// NewTranslator creates a translator bound to one continuity session.
func NewTranslator(userAgent string, session *Session) *Translator {
	if session == nil {
		session = NewSession()
	}
	return &Translator{userAgent: userAgent, session: session}
}

// Session exposes the continuity session (for decoder wiring).
func (t *Translator) Session() *Session {
	return t.session
}

// BuildEnvelope translates a chat-completion request into the
// upstream-native envelope for the given effective model and project.
func (t *Translator) BuildEnvelope(req *openaiapi.ChatCompletionRequest, model, projectID string) (*gemini.Envelope, error) {
	contents, systemInstruction, err := t.buildContents(req.Messages, model)
	if err != nil {
		return nil, err
	}

	budget := codec.ThinkingBudget(model, req.ReasoningEffort)
	maxOutput := req.MaxCompletionTokens
	if maxOutput == 0 {
		maxOutput = req.MaxTokens
	}
	maxOutput = codec.EnsureOutputLimit(maxOutput, budget)

	genConfig := &gemini.GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: maxOutput,
		StopSequences:   req.Stop,
	}
	if budget > 0 {
		genConfig.ThinkingConfig = &gemini.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  budget,
		}
	}

	env := &gemini.Envelope{
		Model:     model,
		Project:   projectID,
		RequestID: "agent-" + uuid.NewString(),
		UserAgent: t.userAgent,
		Request: gemini.GenerateRequest{
			Contents:          contents,
			SystemInstruction: systemInstruction,
			GenerationConfig:  genConfig,
			SessionID:         "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:18],
		},
	}

	if len(req.Tools) > 0 {
		env.Request.Tools = []gemini.Tool{{
			FunctionDeclarations: buildDeclarations(req.Tools, model),
		}}
		env.Request.ToolConfig = &gemini.ToolConfig{
			FunctionCallingConfig: &gemini.FunctionCallingConfig{Mode: "VALIDATED"},
		}
	}
	return env, nil
}

func (t *Translator) buildContents(messages []openaiapi.ChatCompletionMessage, model string) ([]gemini.Content, *gemini.Content, error) {
	var contents []gemini.Content
	var systemTexts []string
	// Tool messages reference calls by id; remember the declared names.
	callNames := make(map[string]string)

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if msg.Content != "" {
				systemTexts = append(systemTexts, msg.Content)
			}

		case "user":
			contents = append(contents, gemini.Content{
				Role:  "user",
				Parts: []gemini.Part{{Text: msg.Content}},
			})

		case "assistant":
			var parts []gemini.Part
			if msg.ReasoningContent != "" {
				parts = append(parts, gemini.Part{
					Text:             msg.ReasoningContent,
					Thought:          true,
					ThoughtSignature: t.session.Signature(),
				})
			}
			if msg.Content != "" {
				parts = append(parts, gemini.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Function.Name
				args := make(map[string]any)
				if call.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
						return nil, nil, fmt.Errorf("decode tool call %s arguments: %w", call.ID, err)
					}
				}
				parts = append(parts, gemini.Part{
					FunctionCall: &gemini.FunctionCall{
						Name: codec.SanitizeFunctionName(call.Function.Name),
						Args: args,
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, gemini.Content{Role: "model", Parts: parts})
			}

		case "tool":
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.Name
			}
			response := map[string]any{"result": msg.Content}
			var parsed map[string]any
			if json.Unmarshal([]byte(msg.Content), &parsed) == nil {
				response = parsed
			}
			// Tool results ride back as user-authored content.
			contents = append(contents, gemini.Content{
				Role: "user",
				Parts: []gemini.Part{{
					FunctionResponse: &gemini.FunctionResponse{
						Name:     codec.SanitizeFunctionName(name),
						Response: response,
					},
				}},
			})

		default:
			return nil, nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	var systemInstruction *gemini.Content
	if len(systemTexts) > 0 || strictFamily(model) {
		text := strings.Join(systemTexts, "\n\n")
		if strictFamily(model) {
			if text == "" {
				text = strictFamilyPreamble
			} else {
				text = strictFamilyPreamble + "\n\n" + text
			}
		}
		systemInstruction = &gemini.Content{Parts: []gemini.Part{{Text: text}}}
	}
	return contents, systemInstruction, nil
}

func buildDeclarations(tools []openaiapi.Tool, model string) []gemini.FunctionDeclaration {
	decls := make([]gemini.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		params := codec.NormalizeSchema(tool.Function.Parameters)
		description := tool.Function.Description
		if strictFamily(model) {
			if reminder := codec.ParameterReminder(tool.Function.Parameters); reminder != "" {
				if description != "" {
					description += "\n\n" + reminder
				} else {
					description = reminder
				}
			}
		}
		decls = append(decls, gemini.FunctionDeclaration{
			Name:        codec.SanitizeFunctionName(tool.Function.Name),
			Description: description,
			Parameters:  params,
		})
	}
	return decls
}

// AggregateResponse folds a complete decoded event sequence into one
// non-streaming chat completion.
func (t *Translator) AggregateResponse(events []stream.Event, model string) *openaiapi.ChatCompletionResponse {
	var content, reasoning strings.Builder
	var toolCalls []openaiapi.ToolCall
	finish := "stop"
	var usage openaiapi.Usage

	for _, ev := range events {
		t.session.Update(ev.ThoughtSignature)
		switch {
		case ev.ToolCall != nil:
			args, _ := json.Marshal(ev.ToolCall.Args)
			toolCalls = append(toolCalls, openaiapi.ToolCall{
				ID:   ev.ToolCall.ID,
				Type: "function",
				Function: openaiapi.FunctionCall{
					Name:      ev.ToolCall.Name,
					Arguments: string(args),
				},
			})
		case ev.TextDelta != "":
			if ev.Thought {
				reasoning.WriteString(ev.TextDelta)
			} else {
				content.WriteString(ev.TextDelta)
			}
		}
		if ev.Finish != "" {
			finish = ev.Finish
			if ev.Usage != nil {
				usage = openaiapi.Usage{
					PromptTokens:     ev.Usage.PromptTokens,
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      ev.Usage.PromptTokens + ev.Usage.OutputTokens,
				}
			}
		}
	}

	return &openaiapi.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openaiapi.Choice{{
			Message: openaiapi.ChatCompletionMessage{
				Role:             "assistant",
				Content:          content.String(),
				ReasoningContent: reasoning.String(),
				ToolCalls:        toolCalls,
			},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}
