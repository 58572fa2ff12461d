package llm

import "github.com/eclia/eclia/gateway/internal/domain/entity"

// Credentials produces the auth headers for an upstream request. Kept
// separate from the providers so future OAuth/refresh flows never touch
// the turn loop.
type Credentials interface {
	Headers() (map[string]string, error)
}

// StaticAPIKey sends a fixed key under a configurable header. When the
// header is Authorization and bearer promotion is on, the key is sent as
// "Bearer <key>".
type StaticAPIKey struct {
	APIKey     string
	HeaderName string
	Bearer     bool
	// Hint is shown to the user when the key is missing.
	Hint string
}

// Headers returns the auth header map, or a missing_credential error when
// no key is configured.
func (c *StaticAPIKey) Headers() (map[string]string, error) {
	if c.APIKey == "" {
		hint := c.Hint
		if hint == "" {
			hint = "no API key configured for this upstream"
		}
		return nil, entity.NewGatewayError(entity.ErrMissingCredential, hint).WithHint(hint)
	}
	header := c.HeaderName
	if header == "" {
		header = "Authorization"
	}
	value := c.APIKey
	if header == "Authorization" && c.Bearer {
		value = "Bearer " + c.APIKey
	}
	return map[string]string{header: value}, nil
}

// NoAuth is for upstreams that need no credentials (local processes).
type NoAuth struct{}

// Headers returns an empty map.
func (NoAuth) Headers() (map[string]string, error) {
	return map[string]string{}, nil
}
