package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// discoveryRequest is the fixed body sent to the discovery endpoints.
var discoveryRequest = []byte(`{"metadata":{"pluginType":"GEMINI"}}`)

// ProjectID returns the upstream-assigned project identifier, running
// discovery once and memoizing the result. Concurrent callers collapse
// onto a single discovery pass. Discovery never fails: when every
// endpoint is unusable the configured default is memoized instead.
func (c *Client) ProjectID(ctx context.Context) string {
	c.mu.Lock()
	cached := c.projectID
	c.mu.Unlock()
	if cached != "" {
		return cached
	}

	result, _, _ := c.discover.Do("project-id", func() (any, error) {
		id := c.discoverProjectID(ctx)
		c.mu.Lock()
		c.projectID = id
		c.mu.Unlock()
		return id, nil
	})
	return result.(string)
}

// resetProjectID clears the memoized identifier so the next call
// rediscovers it, used after a credential rotation.
func (c *Client) resetProjectID() {
	c.mu.Lock()
	c.projectID = ""
	c.mu.Unlock()
}

func (c *Client) discoverProjectID(ctx context.Context) string {
	cred, err := c.rotator.ActiveCredential(ctx, false)
	if err != nil {
		c.logger.Warn("project discovery skipped, no credential",
			slog.String("error", err.Error()))
		return c.opts.DefaultProjectID
	}

	for _, endpoint := range c.opts.DiscoveryEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(discoveryRequest))
		if err != nil {
			continue
		}
		c.setHeaders(req, cred.AccessToken, false)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("project discovery endpoint failed",
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()))
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil || resp.StatusCode != http.StatusOK {
			c.logger.Debug("project discovery endpoint rejected",
				slog.String("endpoint", endpoint),
				slog.Int("status", resp.StatusCode))
			continue
		}

		if id := parseProjectID(body); id != "" {
			c.logger.Info("project id discovered",
				slog.String("project", id),
				slog.String("endpoint", endpoint))
			return id
		}
	}

	c.logger.Warn("project discovery exhausted, using default",
		slog.String("project", c.opts.DefaultProjectID))
	return c.opts.DefaultProjectID
}

// parseProjectID accepts both observed response shapes: the identifier
// as a bare string, or wrapped in an object with an "id" field.
func parseProjectID(body []byte) string {
	var envelope struct {
		CloudAICompanionProject json.RawMessage `json:"cloudaicompanionProject"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.CloudAICompanionProject) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(envelope.CloudAICompanionProject, &asString); err == nil {
		return asString
	}
	var asObject struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(envelope.CloudAICompanionProject, &asObject); err == nil {
		return asObject.ID
	}
	return ""
}
