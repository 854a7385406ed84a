// Package trust maps sender node ids to trust tiers. Tier membership is
// declared as 16-char lowercase hex prefixes; resolution is longest-prefix
// match with team outranking known on equal length.
package trust

import (
	"fmt"
	"strings"

	"github.com/knarrhq/thrall/internal/envelope"
)

// Tier names, ordered by privilege.
const (
	TierTeam    = "team"
	TierKnown   = "known"
	TierUnknown = "unknown"
)

// Resolver holds the loaded tier prefix lists. Immutable once built; config
// reload swaps the whole resolver.
type Resolver struct {
	team  []string
	known []string
}

// NewResolver validates and installs tier prefix lists. Prefixes must be
// exactly 16 lowercase hex chars; anything else fails the whole load.
func NewResolver(team, known []string) (*Resolver, error) {
	r := &Resolver{}
	for _, p := range team {
		p = strings.ToLower(p)
		if !envelope.ValidPrefix(p) {
			return nil, fmt.Errorf("team prefix %q: not 16 hex chars", p)
		}
		r.team = append(r.team, p)
	}
	for _, p := range known {
		p = strings.ToLower(p)
		if !envelope.ValidPrefix(p) {
			return nil, fmt.Errorf("known prefix %q: not 16 hex chars", p)
		}
		r.known = append(r.known, p)
	}
	return r, nil
}

// Resolve returns the tier for a sender node id. Invalid ids are unknown.
func (r *Resolver) Resolve(fromNode string) string {
	prefix := envelope.SanitizePrefix(fromNode)
	if prefix == envelope.InvalidPrefix {
		return TierUnknown
	}
	// Prefixes are validated to exactly 16 chars, so longest-prefix match
	// reduces to equality; team is checked first to break ties.
	for _, p := range r.team {
		if p == prefix {
			return TierTeam
		}
	}
	for _, p := range r.known {
		if p == prefix {
			return TierKnown
		}
	}
	return TierUnknown
}

// FallbackAction is the static disposition used when evaluation cannot run:
// model unavailable, queue full, malformed output. Mode "wake" and "drop"
// force that action; "tier" (the default) wakes for team and known senders
// and drops unknown ones.
func FallbackAction(tier, mode string) string {
	switch mode {
	case "wake":
		return "wake"
	case "drop":
		return "drop"
	}
	if tier == TierTeam || tier == TierKnown {
		return "wake"
	}
	return "drop"
}
