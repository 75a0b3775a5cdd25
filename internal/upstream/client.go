// Package upstream sends translated envelopes to the backend service,
// walking the endpoint candidate list on transient failures and driving
// credential rotation on quota responses.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/relayforge/gemini-relay/internal/auth"
	"github.com/relayforge/gemini-relay/internal/gemini"
	"github.com/relayforge/gemini-relay/internal/stream"
)

const (
	generatePath = "/v1internal:generateContent"
	streamPath   = "/v1internal:streamGenerateContent?alt=sse"
)

// Options configures the upstream client.
type Options struct {
	PremiumEndpoints   []string
	StandardEndpoints  []string
	DiscoveryEndpoints []string
	// PremiumPrefixes selects which model names use the premium
	// endpoint list.
	PremiumPrefixes  []string
	DefaultProjectID string
	RequestTimeout   time.Duration
	UserAgent        string
	ClientMetadata   string
}

// Client issues generate calls against the backend. Endpoint start
// indexes persist across requests so a working endpoint keeps serving
// until it fails.
type Client struct {
	opts       Options
	rotator    *auth.Rotator
	httpClient *http.Client
	logger     *slog.Logger

	mu            sync.Mutex
	premiumStart  int
	standardStart int
	projectID     string

	discover singleflight.Group
}

// New creates a client backed by the given credential rotator.
func New(opts Options, rotator *auth.Rotator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: opts.RequestTimeout,
	}
	return &Client{
		opts:       opts,
		rotator:    rotator,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(transport)},
		logger:     logger,
	}
}

// Send issues a non-streaming generate call and returns the decoded
// event sequence of the complete response.
func (c *Client) Send(ctx context.Context, env *gemini.Envelope) ([]stream.Event, error) {
	resp, err := c.attempt(ctx, env, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var frame gemini.ResponseFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Body: string(body), Endpoint: resp.Request.URL.Host}
	}
	return stream.DecodeResponse(frame.Data(), c.logger), nil
}

// StreamSend issues a streaming generate call. Decoded events arrive on
// the returned channel, which closes after the terminal event. Retry
// decisions are all made before the first event is emitted; a stream
// that failed pre-delivery restarts cleanly on the next candidate.
func (c *Client) StreamSend(ctx context.Context, env *gemini.Envelope) (<-chan stream.Event, error) {
	resp, err := c.attempt(ctx, env, true)
	if err != nil {
		return nil, err
	}

	out := make(chan stream.Event, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		dec := stream.NewDecoder(c.logger)
		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				for _, ev := range dec.Write(buf[:n]) {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			if readErr != nil {
				if readErr != io.EOF && ctx.Err() == nil {
					c.logger.Warn("stream read interrupted", slog.String("error", readErr.Error()))
				}
				break
			}
		}
		for _, ev := range dec.Finish() {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// attempt runs the candidate walk and rotation retry loop until a 2xx
// response arrives or the attempt budget is spent. The caller owns the
// returned body.
func (c *Client) attempt(ctx context.Context, env *gemini.Envelope, streaming bool) (*http.Response, error) {
	path := generatePath
	if streaming {
		path = streamPath
	}

	forceRefresh := false
	for attempt := 0; ; attempt++ {
		cred, err := c.rotator.ActiveCredential(ctx, forceRefresh)
		if err != nil {
			return nil, err
		}
		env.Project = c.ProjectID(ctx)
		payload, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}

		premium := c.isPremium(env.Model)
		endpoints := c.candidates(premium)
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("no endpoints configured for model %s", env.Model)
		}

		var lastErr error
		rotate := false
		for i, base := range endpoints {
			resp, err := c.post(ctx, base+path, payload, cred.AccessToken, streaming)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					lastErr = &TimeoutError{Endpoint: base, Err: err}
				} else {
					lastErr = err
				}
				c.logger.Warn("endpoint unreachable, trying next",
					slog.String("endpoint", base),
					slog.String("error", err.Error()))
				continue
			}

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				c.recordStart(premium, i)
				return resp, nil
			}

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			resp.Body.Close()
			upErr := &Error{StatusCode: resp.StatusCode, Body: string(body), Endpoint: base}

			switch resp.StatusCode {
			case http.StatusTooManyRequests, http.StatusForbidden, http.StatusGatewayTimeout:
				if c.rotator.Enabled() && attempt < c.rotator.AccountCount() {
					rotate = true
					lastErr = upErr
				} else {
					return nil, upErr
				}
			default:
				if resp.StatusCode >= 500 {
					c.logger.Warn("endpoint returned server error, trying next",
						slog.String("endpoint", base),
						slog.Int("status", resp.StatusCode))
					lastErr = upErr
					continue
				}
				return nil, upErr
			}
			break
		}

		if !rotate {
			return nil, lastErr
		}
		if _, rerr := c.rotator.Rotate(ctx); rerr != nil {
			c.logger.Error("credential rotation failed, surfacing upstream error",
				slog.String("error", rerr.Error()))
			return nil, lastErr
		}
		// The new account may map to a different project; rediscover
		// with a freshly refreshed token on the next pass.
		c.resetProjectID()
		forceRefresh = true
		c.logger.Info("retrying after credential rotation",
			slog.Int("attempt", attempt+1),
			slog.String("account", c.rotator.CurrentAccountID()))
	}
}

func (c *Client) post(ctx context.Context, url string, payload []byte, token string, streaming bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, token, streaming)
	return c.httpClient.Do(req)
}

func (c *Client) setHeaders(req *http.Request, token string, streaming bool) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if c.opts.ClientMetadata != "" {
		req.Header.Set("Client-Metadata", c.opts.ClientMetadata)
	}
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
}

func (c *Client) isPremium(model string) bool {
	for _, prefix := range c.opts.PremiumPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// candidates returns the endpoint list for the tier, rotated so the
// last-known-good endpoint comes first.
func (c *Client) candidates(premium bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.opts.StandardEndpoints
	start := c.standardStart
	if premium {
		list = c.opts.PremiumEndpoints
		start = c.premiumStart
	}
	if len(list) == 0 {
		return nil
	}
	ordered := make([]string, 0, len(list))
	for i := range list {
		ordered = append(ordered, list[(start+i)%len(list)])
	}
	return ordered
}

// recordStart pins the tier's walk start to the endpoint that just
// succeeded, given its offset within the ordered candidate slice.
func (c *Client) recordStart(premium bool, offset int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if premium {
		if n := len(c.opts.PremiumEndpoints); n > 0 {
			c.premiumStart = (c.premiumStart + offset) % n
		}
		return
	}
	if n := len(c.opts.StandardEndpoints); n > 0 {
		c.standardStart = (c.standardStart + offset) % n
	}
}
