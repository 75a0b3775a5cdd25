// Package auth manages the pool of file-backed OAuth credentials and
// the canonical active-credential file the upstream client reads from.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// Canonical credential files are written owner-only.
	credentialFileMode = 0o600

	accountFilePrefix = "creds-"
	accountFileSuffix = ".json"

	googleTokenURL = "https://oauth2.googleapis.com/token"

	// Tokens within this window of expiry are refreshed eagerly.
	refreshSkew = 5 * time.Minute
)

// Credential is a file-backed OAuth2 token set.
type Credential struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	TokenURI     string    `json:"token_uri,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// AuthError indicates no usable access token could be produced.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// LoadCredential reads and decodes a credential file.
func LoadCredential(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential %s: %w", path, err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", path, err)
	}
	return &cred, nil
}

// Usable reports whether the record carries at least one recognizable
// OAuth field. Files failing this check are rejected by rotation.
func (c *Credential) Usable() bool {
	return c.AccessToken != "" || c.RefreshToken != "" || c.ClientID != "" || c.ClientSecret != ""
}

// WriteCredential writes the credential as JSON with owner-only
// permissions.
func WriteCredential(path string, cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := os.WriteFile(path, data, credentialFileMode); err != nil {
		return fmt.Errorf("write credential %s: %w", path, err)
	}
	return nil
}

// AccountID derives a stable account identifier from a credential file
// path: the base name with the fixed prefix and suffix stripped.
func AccountID(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, accountFileSuffix)
	name = strings.TrimPrefix(name, accountFilePrefix)
	return name
}

// Refresh exchanges the refresh token for a fresh access token via the
// standard oauth2 client and updates the record in place.
func (c *Credential) Refresh(ctx context.Context) error {
	if c.RefreshToken == "" {
		return &AuthError{Reason: "no refresh token"}
	}
	tokenURL := c.TokenURI
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.Expiry = tok.Expiry
	return nil
}

// Expired reports whether the access token is missing or within the
// refresh skew of its expiry.
func (c *Credential) Expired(now time.Time) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}
	return !c.Expiry.After(now.Add(refreshSkew))
}
