package llm

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// RouteKey is the parsed client upstream selector.
type RouteKey struct {
	Kind      string
	ProfileID string
}

// ParseRouteKey splits "kind:profileId". Unknown or missing keys resolve to
// the default kind with no profile id (the router picks its first profile).
func ParseRouteKey(raw, defaultKind string) RouteKey {
	if raw == "" {
		return RouteKey{Kind: defaultKind}
	}
	kind, profile, found := strings.Cut(raw, ":")
	if !found {
		kind, profile = raw, ""
	}
	switch kind {
	case KindOpenAICompatible, KindAnthropic, KindCodexOAuth:
		return RouteKey{Kind: kind, ProfileID: profile}
	default:
		return RouteKey{Kind: defaultKind}
	}
}

// Router owns the constructed providers and resolves route keys.
type Router struct {
	providers   []Provider
	byKey       map[string]Provider // kind:profileId
	defaultKind string
	logger      *zap.Logger
}

// NewRouter constructs providers for every profile up front.
func NewRouter(profiles []ProfileConfig, defaultKind string, logger *zap.Logger) (*Router, error) {
	if defaultKind == "" {
		defaultKind = KindOpenAICompatible
	}
	r := &Router{
		byKey:       make(map[string]Provider, len(profiles)),
		defaultKind: defaultKind,
		logger:      logger,
	}
	for _, cfg := range profiles {
		p, err := NewProvider(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", cfg.ID, err)
		}
		r.providers = append(r.providers, p)
		r.byKey[p.Kind()+":"+p.Name()] = p
		logger.Info("Upstream profile registered",
			zap.String("profile", p.Name()),
			zap.String("kind", p.Kind()),
		)
	}
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no upstream profiles configured")
	}
	return r, nil
}

// Resolve maps a raw route key to a provider. An empty or unknown key falls
// back to the first profile of the default kind, then to the first profile
// overall.
func (r *Router) Resolve(rawKey string) Provider {
	key := ParseRouteKey(rawKey, r.defaultKind)
	if key.ProfileID != "" {
		if p, ok := r.byKey[key.Kind+":"+key.ProfileID]; ok {
			return p
		}
	}
	for _, p := range r.providers {
		if p.Kind() == key.Kind {
			return p
		}
	}
	return r.providers[0]
}

// Providers lists every registered provider.
func (r *Router) Providers() []Provider { return r.providers }
