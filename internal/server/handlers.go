package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	openaiapi "github.com/relayforge/gemini-relay/internal/api/openai"
	"github.com/relayforge/gemini-relay/internal/auth"
	openaicodec "github.com/relayforge/gemini-relay/internal/codec/openai"
	"github.com/relayforge/gemini-relay/internal/fallback"
	"github.com/relayforge/gemini-relay/internal/ledger"
	"github.com/relayforge/gemini-relay/internal/tokens"
	"github.com/relayforge/gemini-relay/internal/upstream"
	"github.com/relayforge/gemini-relay/internal/usage"
)

// ChatHandler serves the chat-completion surface, translating between
// the client protocol and the upstream backend.
type ChatHandler struct {
	translator *openaicodec.Translator
	client     *upstream.Client
	engine     *fallback.Engine
	rotator    *auth.Rotator
	ledger     *ledger.Ledger
	usageStore *usage.Store
	counter    *tokens.Counter
	logger     *slog.Logger

	defaultModel    string
	availableModels []string
}

// ChatHandlerOptions wires the handler's collaborators. Ledger and
// usage store are optional; a nil value disables that recording.
type ChatHandlerOptions struct {
	Translator      *openaicodec.Translator
	Client          *upstream.Client
	Engine          *fallback.Engine
	Rotator         *auth.Rotator
	Ledger          *ledger.Ledger
	UsageStore      *usage.Store
	DefaultModel    string
	AvailableModels []string
	Logger          *slog.Logger
}

// NewChatHandler creates the handler.
func NewChatHandler(opts ChatHandlerOptions) *ChatHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		translator:      opts.Translator,
		client:          opts.Client,
		engine:          opts.Engine,
		rotator:         opts.Rotator,
		ledger:          opts.Ledger,
		usageStore:      opts.UsageStore,
		counter:         tokens.NewCounter(),
		logger:          logger,
		defaultModel:    opts.DefaultModel,
		availableModels: opts.AvailableModels,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaiapi.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
		return
	}

	requested := req.Model
	if requested == "" {
		requested = h.defaultModel
	}
	served, upgradeNotice := h.engine.ResolveModel(requested)
	req.Model = served

	AddLogField(r.Context(), "requested_model", requested)
	AddLogField(r.Context(), "model", served)
	AddLogField(r.Context(), "account", h.rotator.CurrentAccountID())
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("relay.request_id", GetRequestID(r.Context())),
		attribute.String("relay.model", served),
	)

	if req.Stream {
		h.serveStream(w, r, &req, requested, upgradeNotice)
		return
	}
	h.serveComplete(w, r, &req, requested, upgradeNotice)
}

func (h *ChatHandler) serveComplete(w http.ResponseWriter, r *http.Request, req *openaiapi.ChatCompletionRequest, requested, upgradeNotice string) {
	start := time.Now()
	resp, err := h.complete(r.Context(), req)
	if err != nil {
		AddError(r.Context(), err)
		h.writeFailure(w, err)
		return
	}

	if upgradeNotice != "" && len(resp.Choices) > 0 {
		msg := &resp.Choices[0].Message
		if msg.Content != "" {
			msg.Content = upgradeNotice + "\n\n" + msg.Content
		} else {
			msg.Content = upgradeNotice
		}
	}
	h.fillUsage(req, resp)
	h.record(r.Context(), resp.ID, requested, resp, false, time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// complete runs one non-streaming request, cascading down the fallback
// chain on rate-limit responses. The cascade is bounded by the chain
// length: each hop puts its model into cooldown first.
func (h *ChatHandler) complete(ctx context.Context, req *openaiapi.ChatCompletionRequest) (*openaiapi.ChatCompletionResponse, error) {
	env, err := h.translator.BuildEnvelope(req, req.Model, h.client.ProjectID(ctx))
	if err != nil {
		return nil, &badRequestError{err: err}
	}

	events, err := h.client.Send(ctx, env)
	if err != nil {
		var upErr *upstream.Error
		if errors.As(err, &upErr) && fallback.IsRateLimitStatus(upErr.StatusCode) &&
			h.engine.ShouldAttemptFallback(req.Model, req.PinModel) {
			return h.engine.HandleNonStreamingFallback(ctx, req.Model, upErr.StatusCode, req, h.complete)
		}
		return nil, err
	}
	return h.translator.AggregateResponse(events, req.Model), nil
}

func (h *ChatHandler) serveStream(w http.ResponseWriter, r *http.Request, req *openaiapi.ChatCompletionRequest, requested, upgradeNotice string) {
	start := time.Now()
	chunks, err := h.streamComplete(r.Context(), req)
	if err != nil {
		AddError(r.Context(), err)
		h.writeFailure(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "server_error")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var terminal *openaiapi.ChatCompletionChunk
	first := true
	for chunk := range chunks {
		if first && upgradeNotice != "" {
			notice := chunk
			notice.Choices = []openaiapi.ChunkChoice{{
				Delta: openaiapi.ChatCompletionMessage{
					Role:    "assistant",
					Content: upgradeNotice + "\n\n",
				},
			}}
			notice.Usage = nil
			writeChunk(w, flusher, notice)
		}
		first = false
		writeChunk(w, flusher, chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != nil {
			c := chunk
			terminal = &c
		}
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	if terminal != nil {
		resp := &openaiapi.ChatCompletionResponse{ID: terminal.ID, Model: terminal.Model}
		if terminal.Usage != nil {
			resp.Usage = *terminal.Usage
		}
		if len(terminal.Choices) > 0 && terminal.Choices[0].FinishReason != nil {
			resp.Choices = []openaiapi.Choice{{FinishReason: *terminal.Choices[0].FinishReason}}
		}
		h.record(r.Context(), terminal.ID, requested, resp, true, time.Since(start))
	}
}

// streamComplete opens one streaming request, cascading down the
// fallback chain on pre-delivery rate-limit responses.
func (h *ChatHandler) streamComplete(ctx context.Context, req *openaiapi.ChatCompletionRequest) (<-chan openaiapi.ChatCompletionChunk, error) {
	env, err := h.translator.BuildEnvelope(req, req.Model, h.client.ProjectID(ctx))
	if err != nil {
		return nil, &badRequestError{err: err}
	}

	events, err := h.client.StreamSend(ctx, env)
	if err != nil {
		var upErr *upstream.Error
		if errors.As(err, &upErr) && fallback.IsRateLimitStatus(upErr.StatusCode) &&
			h.engine.ShouldAttemptFallback(req.Model, req.PinModel) {
			return h.engine.HandleStreamingFallback(ctx, req.Model, upErr.StatusCode, req, h.streamComplete)
		}
		return nil, err
	}

	out := make(chan openaiapi.ChatCompletionChunk, 16)
	go func() {
		defer close(out)
		builder := openaicodec.NewChunkBuilder(req.Model, h.translator.Session())
		for ev := range events {
			chunk, ok := builder.FromEvent(ev)
			if !ok {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// fillUsage estimates prompt tokens when the backend reported none.
func (h *ChatHandler) fillUsage(req *openaiapi.ChatCompletionRequest, resp *openaiapi.ChatCompletionResponse) {
	if resp.Usage.PromptTokens > 0 {
		return
	}
	estimate, err := h.counter.EstimatePrompt(req)
	if err != nil {
		h.logger.Debug("prompt token estimate failed", slog.String("error", err.Error()))
		return
	}
	resp.Usage.PromptTokens = estimate
	resp.Usage.TotalTokens = estimate + resp.Usage.CompletionTokens
}

func (h *ChatHandler) record(ctx context.Context, requestID, requested string, resp *openaiapi.ChatCompletionResponse, streaming bool, duration time.Duration) {
	account := h.rotator.CurrentAccountID()
	if h.ledger != nil {
		h.ledger.Record(account)
	}
	if h.usageStore == nil {
		return
	}
	finish := ""
	if len(resp.Choices) > 0 {
		finish = resp.Choices[0].FinishReason
	}
	rec := usage.Record{
		RequestID:        requestID,
		Account:          account,
		RequestedModel:   requested,
		ServedModel:      resp.Model,
		Streaming:        streaming,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		FinishReason:     finish,
		DurationNS:       duration.Nanoseconds(),
	}
	if err := h.usageStore.Insert(ctx, rec); err != nil {
		h.logger.Warn("usage record insert failed", slog.String("error", err.Error()))
	}
}

// ListModels handles GET /v1/models.
func (h *ChatHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	list := openaiapi.ModelList{Object: "list"}
	created := time.Now().Unix()
	for _, id := range h.availableModels {
		list.Data = append(list.Data, openaiapi.Model{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "google",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// Health handles GET /healthz.
func (h *ChatHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"accounts": h.rotator.AccountCount(),
	})
}

type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

// writeFailure maps an internal error to the protocol error envelope.
func (h *ChatHandler) writeFailure(w http.ResponseWriter, err error) {
	var badReq *badRequestError
	var authErr *auth.AuthError
	var noFallback *fallback.NoFallbackError
	var upErr *upstream.Error
	var timeoutErr *upstream.TimeoutError

	switch {
	case errors.As(err, &badReq):
		writeError(w, http.StatusBadRequest, badReq.Error(), "invalid_request_error")
	case errors.As(err, &authErr):
		writeError(w, http.StatusUnauthorized, authErr.Error(), "authentication_error")
	case errors.As(err, &noFallback):
		writeError(w, http.StatusTooManyRequests, noFallback.Error(), "rate_limit_error")
	case errors.As(err, &upErr):
		kind := "upstream_error"
		if fallback.IsRateLimitStatus(upErr.StatusCode) {
			kind = "rate_limit_error"
		}
		writeError(w, upErr.StatusCode, upErr.Error(), kind)
	case errors.As(err, &timeoutErr):
		writeError(w, http.StatusGatewayTimeout, timeoutErr.Error(), "upstream_error")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to write.
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error")
	}
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(openaiapi.ErrorResponse{
		Error: openaiapi.ErrorDetail{Message: message, Type: kind, Code: status},
	})
}

func writeChunk(w http.ResponseWriter, flusher http.Flusher, chunk openaiapi.ChatCompletionChunk) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(raw)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}
