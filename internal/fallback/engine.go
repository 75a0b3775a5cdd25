// Package fallback degrades requests to lower-tier models while the
// preferred model is rate limited, and restores them once the cooldown
// clears.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relayforge/gemini-relay/internal/api/openai"
)

// DefaultCooldownTTL suppresses a rate-limited model for an hour. A
// full daily window would pin users to the low tier far too long after
// a transient burst.
const DefaultCooldownTTL = time.Hour

// NoFallbackError is terminal: it must not trigger further rotation
// attempts.
type NoFallbackError struct {
	Model string
}

func (e *NoFallbackError) Error() string {
	return "No fallback available for model " + e.Model
}

type cooldownEntry struct {
	statuses map[int]struct{}
	expires  time.Time
}

// Engine holds the static fallback chain and the in-memory cooldown
// table. Cooldowns never persist across restarts.
type Engine struct {
	chain  map[string]string
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	cooldowns map[string]*cooldownEntry
	// resolved remembers the last substitution per preferred model so an
	// upgrade notice fires exactly once when the cooldown clears.
	resolved map[string]string

	now func() time.Time
}

// NewEngine creates an engine over a static model chain.
func NewEngine(chain map[string]string, ttl time.Duration, logger *slog.Logger) *Engine {
	if ttl <= 0 {
		ttl = DefaultCooldownTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]string, len(chain))
	for k, v := range chain {
		copied[k] = v
	}
	return &Engine{
		chain:     copied,
		ttl:       ttl,
		logger:    logger,
		cooldowns: make(map[string]*cooldownEntry),
		resolved:  make(map[string]string),
		now:       time.Now,
	}
}

// IsRateLimitStatus reports whether code is a rate-limit-class status.
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// FallbackModel returns the next lower-tier model, or false at chain
// ends and for unknown models.
func (e *Engine) FallbackModel(model string) (string, bool) {
	next, ok := e.chain[model]
	return next, ok
}

// AddRateLimitedModel creates or extends a cooldown entry for model.
func (e *Engine) AddRateLimitedModel(model string, status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.cooldowns[model]
	if entry == nil {
		entry = &cooldownEntry{statuses: make(map[int]struct{})}
		e.cooldowns[model] = entry
	}
	entry.statuses[status] = struct{}{}
	entry.expires = e.now().Add(e.ttl)
	e.logger.Warn("model entered cooldown",
		slog.String("model", model),
		slog.Int("status", status),
		slog.Time("until", entry.expires))
}

// InCooldown reports whether model has an active cooldown, purging
// expired entries lazily.
func (e *Engine) InCooldown(model string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inCooldownLocked(model)
}

func (e *Engine) inCooldownLocked(model string) bool {
	entry, ok := e.cooldowns[model]
	if !ok {
		return false
	}
	if !entry.expires.After(e.now()) {
		delete(e.cooldowns, model)
		return false
	}
	return true
}

// ShouldAttemptFallback decides whether a failing call may be retried
// on a lower tier. A pinned (explicitly requested) model is never
// substituted. A model already in cooldown is assumed to be handled by
// a prior transition in the same failure path and is not downgraded
// again.
func (e *Engine) ShouldAttemptFallback(model string, pinned bool) bool {
	if pinned {
		return false
	}
	if _, ok := e.chain[model]; !ok {
		return false
	}
	return !e.InCooldown(model)
}

// BestAvailableModel walks the chain from preferred and returns the
// first model not in cooldown. If the entire remaining chain is
// cooling, the last model reached is returned; a model with no chain
// entry is returned unchanged.
func (e *Engine) BestAvailableModel(preferred string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	model := preferred
	for e.inCooldownLocked(model) {
		next, ok := e.chain[model]
		if !ok {
			break
		}
		model = next
	}
	return model
}

// ResolveModel picks the serving model for preferred and returns an
// upgrade notice exactly once after a previous downgrade clears.
func (e *Engine) ResolveModel(preferred string) (string, string) {
	model := e.BestAvailableModel(preferred)

	e.mu.Lock()
	defer e.mu.Unlock()
	previous := e.resolved[preferred]
	e.resolved[preferred] = model

	if model == preferred && previous != "" && previous != preferred {
		return model, UpgradeNotification(model)
	}
	return model, ""
}

// DowngradeNotification is the deterministic downgrade message attached
// to fallback results.
func DowngradeNotification(from, to string, status int) string {
	return fmt.Sprintf("<%d> You are downgraded from %s to %s because of rate limits", status, from, to)
}

// UpgradeNotification announces a restored model.
func UpgradeNotification(model string) string {
	return fmt.Sprintf("Model upgraded: Now using %s (rate limits cleared)", model)
}

// RetryFunc re-runs a non-streaming request against the patched body.
type RetryFunc func(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)

// StreamRetryFunc re-runs a streaming request against the patched body.
type StreamRetryFunc func(ctx context.Context, req *openai.ChatCompletionRequest) (<-chan openai.ChatCompletionChunk, error)

// HandleNonStreamingFallback records the cooldown, patches the request
// onto the fallback model, retries, and prefixes the result with the
// downgrade notification.
func (e *Engine) HandleNonStreamingFallback(ctx context.Context, model string, status int, req *openai.ChatCompletionRequest, retry RetryFunc) (*openai.ChatCompletionResponse, error) {
	next, ok := e.FallbackModel(model)
	if !ok {
		return nil, &NoFallbackError{Model: model}
	}
	e.AddRateLimitedModel(model, status)

	patched := *req
	patched.Model = next
	resp, err := retry(ctx, &patched)
	if err != nil {
		return nil, err
	}

	notice := DowngradeNotification(model, next, status)
	if len(resp.Choices) > 0 {
		msg := &resp.Choices[0].Message
		if msg.Content != "" {
			msg.Content = notice + "\n\n" + msg.Content
		} else {
			msg.Content = notice
		}
	}
	return resp, nil
}

// HandleStreamingFallback records the cooldown, retries on the fallback
// model, and forwards the retried sequence transparently after one
// synthesized notification delta. The retried sequence is a wholly new
// event stream; nothing from the failed attempt is replayed.
func (e *Engine) HandleStreamingFallback(ctx context.Context, model string, status int, req *openai.ChatCompletionRequest, retry StreamRetryFunc) (<-chan openai.ChatCompletionChunk, error) {
	next, ok := e.FallbackModel(model)
	if !ok {
		return nil, &NoFallbackError{Model: model}
	}
	e.AddRateLimitedModel(model, status)

	patched := *req
	patched.Model = next
	upstream, err := retry(ctx, &patched)
	if err != nil {
		return nil, err
	}

	out := make(chan openai.ChatCompletionChunk)
	go func() {
		defer close(out)
		first := true
		for chunk := range upstream {
			if first {
				first = false
				notice := chunk
				notice.Choices = []openai.ChunkChoice{{
					Delta: openai.ChatCompletionMessage{
						Role:    "assistant",
						Content: DowngradeNotification(model, next, status) + "\n\n",
					},
					FinishReason: nil,
				}}
				notice.Usage = nil
				select {
				case out <- notice:
				case <-ctx.Done():
					return
				}
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
