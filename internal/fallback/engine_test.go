package fallback

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/relayforge/gemini-relay/internal/api/openai"
)

func testChain() map[string]string {
	return map[string]string{
		"gemini-2.5-pro":   "gemini-2.5-flash",
		"gemini-2.5-flash": "gemini-2.5-flash-lite",
	}
}

func TestIsRateLimitStatus(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		if !IsRateLimitStatus(code) {
			t.Errorf("IsRateLimitStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{http.StatusOK, http.StatusForbidden, http.StatusInternalServerError, http.StatusGatewayTimeout} {
		if IsRateLimitStatus(code) {
			t.Errorf("IsRateLimitStatus(%d) = true, want false", code)
		}
	}
}

func TestFallbackModelWalksChain(t *testing.T) {
	e := NewEngine(testChain(), time.Hour, nil)

	next, ok := e.FallbackModel("gemini-2.5-pro")
	if !ok || next != "gemini-2.5-flash" {
		t.Fatalf("FallbackModel(pro) = %q, %v", next, ok)
	}
	if _, ok := e.FallbackModel("gemini-2.5-flash-lite"); ok {
		t.Fatal("chain end should have no fallback")
	}
	if _, ok := e.FallbackModel("unknown-model"); ok {
		t.Fatal("unknown model should have no fallback")
	}
}

func TestCooldownExpiry(t *testing.T) {
	e := NewEngine(testChain(), time.Hour, nil)
	base := time.Now()
	e.now = func() time.Time { return base }

	e.AddRateLimitedModel("gemini-2.5-pro", http.StatusTooManyRequests)
	if !e.InCooldown("gemini-2.5-pro") {
		t.Fatal("model should be in cooldown")
	}

	e.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	if e.InCooldown("gemini-2.5-pro") {
		t.Fatal("cooldown should expire after TTL")
	}
}

func TestShouldAttemptFallback(t *testing.T) {
	e := NewEngine(testChain(), time.Hour, nil)

	if !e.ShouldAttemptFallback("gemini-2.5-pro", false) {
		t.Fatal("healthy chained model should fall back")
	}
	if e.ShouldAttemptFallback("gemini-2.5-pro", true) {
		t.Fatal("pinned model must never fall back")
	}
	if e.ShouldAttemptFallback("gemini-2.5-flash-lite", false) {
		t.Fatal("chain end has nothing to fall back to")
	}

	e.AddRateLimitedModel("gemini-2.5-pro", http.StatusTooManyRequests)
	if e.ShouldAttemptFallback("gemini-2.5-pro", false) {
		t.Fatal("model already cooling must not fall back again")
	}
}

func TestBestAvailableModel(t *testing.T) {
	e := NewEngine(testChain(), time.Hour, nil)

	if got := e.BestAvailableModel("gemini-2.5-pro"); got != "gemini-2.5-pro" {
		t.Fatalf("healthy preferred = %q", got)
	}

	e.AddRateLimitedModel("gemini-2.5-pro", http.StatusTooManyRequests)
	if got := e.BestAvailableModel("gemini-2.5-pro"); got != "gemini-2.5-flash" {
		t.Fatalf("after pro cooldown = %q, want gemini-2.5-flash", got)
	}

	e.AddRateLimitedModel("gemini-2.5-flash", http.StatusServiceUnavailable)
	if got := e.BestAvailableModel("gemini-2.5-pro"); got != "gemini-2.5-flash-lite" {
		t.Fatalf("after two cooldowns = %q, want gemini-2.5-flash-lite", got)
	}

	// Whole chain cooling: the last model reached still serves.
	e.AddRateLimitedModel("gemini-2.5-flash-lite", http.StatusTooManyRequests)
	if got := e.BestAvailableModel("gemini-2.5-pro"); got != "gemini-2.5-flash-lite" {
		t.Fatalf("fully cooled chain = %q, want gemini-2.5-flash-lite", got)
	}
}

func TestResolveModelUpgradeNoticeFiresOnce(t *testing.T) {
	e := NewEngine(testChain(), time.Hour, nil)
	base := time.Now()
	e.now = func() time.Time { return base }

	e.AddRateLimitedModel("gemini-2.5-pro", http.StatusTooManyRequests)
	model, notice := e.ResolveModel("gemini-2.5-pro")
	if model != "gemini-2.5-flash" || notice != "" {
		t.Fatalf("during cooldown: model=%q notice=%q", model, notice)
	}

	e.now = func() time.Time { return base.Add(2 * time.Hour) }
	model, notice = e.ResolveModel("gemini-2.5-pro")
	if model != "gemini-2.5-pro" {
		t.Fatalf("after cooldown: model=%q", model)
	}
	if notice != "Model upgraded: Now using gemini-2.5-pro (rate limits cleared)" {
		t.Fatalf("upgrade notice = %q", notice)
	}

	_, notice = e.ResolveModel("gemini-2.5-pro")
	if notice != "" {
		t.Fatalf("upgrade notice should fire once, got %q", notice)
	}
}

func TestNotificationTemplates(t *testing.T) {
	got := DowngradeNotification("gemini-2.5-pro", "gemini-2.5-flash", 429)
	want := "<429> You are downgraded from gemini-2.5-pro to gemini-2.5-flash because of rate limits"
	if got != want {
		t.Fatalf("downgrade = %q, want %q", got, want)
	}

	got = UpgradeNotification("gemini-2.5-pro")
	want = "Model upgraded: Now using gemini-2.5-pro (rate limits cleared)"
	if got != want {
		t.Fatalf("upgrade = %q, want %q", got, want)
	}
}

func TestHandleNonStreamingFallback(t *testing.T) {
	e := NewEngine(testChain(), time.Hour, nil)

	var retriedModel string
	retry := func(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
		retriedModel = req.Model
		return &openai.ChatCompletionResponse{
			Model: req.Model,
			Choices: []openai.Choice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello"},
				FinishReason: "stop",
			}},
		}, nil
	}

	req := &openai.ChatCompletionRequest{Model: "gemini-2.5-pro"}
	resp, err := e.HandleNonStreamingFallback(context.Background(), "gemini-2.5-pro", 429, req, retry)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if retriedModel != "gemini-2.5-flash" {
		t.Fatalf("retried model = %q", retriedModel)
	}
	if req.Model != "gemini-2.5-pro" {
		t.Fatal("original request must not be mutated")
	}
	wantPrefix := "<429> You are downgraded from gemini-2.5-pro to gemini-2.5-flash because of rate limits\n\nhello"
	if resp.Choices[0].Message.Content != wantPrefix {
		t.Fatalf("content = %q", resp.Choices[0].Message.Content)
	}
	if !e.InCooldown("gemini-2.5-pro") {
		t.Fatal("failed model should enter cooldown")
	}
}

func TestHandleNonStreamingFallbackChainEnd(t *testing.T) {
	e := NewEngine(testChain(), time.Hour, nil)

	_, err := e.HandleNonStreamingFallback(context.Background(), "gemini-2.5-flash-lite", 429, &openai.ChatCompletionRequest{}, nil)
	noFallback, ok := err.(*NoFallbackError)
	if !ok {
		t.Fatalf("error type = %T, want *NoFallbackError", err)
	}
	if noFallback.Error() != "No fallback available for model gemini-2.5-flash-lite" {
		t.Fatalf("message = %q", noFallback.Error())
	}
}

func TestHandleStreamingFallbackPrependsNotice(t *testing.T) {
	e := NewEngine(testChain(), time.Hour, nil)

	retry := func(ctx context.Context, req *openai.ChatCompletionRequest) (<-chan openai.ChatCompletionChunk, error) {
		ch := make(chan openai.ChatCompletionChunk, 2)
		ch <- openai.ChatCompletionChunk{
			Model: req.Model,
			Choices: []openai.ChunkChoice{{
				Delta: openai.ChatCompletionMessage{Role: "assistant", Content: "hi"},
			}},
		}
		close(ch)
		return ch, nil
	}

	out, err := e.HandleStreamingFallback(context.Background(), "gemini-2.5-pro", 429, &openai.ChatCompletionRequest{Model: "gemini-2.5-pro"}, retry)
	if err != nil {
		t.Fatalf("streaming fallback: %v", err)
	}

	var chunks []openai.ChatCompletionChunk
	for chunk := range out {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	notice := chunks[0].Choices[0].Delta.Content
	want := "<429> You are downgraded from gemini-2.5-pro to gemini-2.5-flash because of rate limits\n\n"
	if notice != want {
		t.Fatalf("notice delta = %q", notice)
	}
	if chunks[1].Choices[0].Delta.Content != "hi" {
		t.Fatalf("forwarded delta = %q", chunks[1].Choices[0].Delta.Content)
	}
}
