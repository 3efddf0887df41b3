// Package security implements the optional Delegation Capability Token
// chain and pre-admission task screening carried forward from the
// teacher's security.go (SPEC_FULL.md's Supplemented Features). Neither
// mechanism blocks the exchange's core auction flow: screening is purely
// advisory and tokens are only minted when a task's metadata asks for one.
package security

import (
	"fmt"
	"strings"
	"time"
)

// Caveat is a single restriction in a DCT's attenuation chain.
type Caveat struct {
	Type  string `json:"type"` // "scope", "operation", "time", "budget"
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DCT is a Delegation Capability Token: a bearer credential narrowed by a
// monotonic chain of caveats as it passes from the exchange to an auction
// winner and, on cascade, to each backup in turn.
type DCT struct {
	TokenID   string    `json:"token_id"`
	GranterID string    `json:"granter_id"`
	BearerID  string    `json:"bearer_id"`
	Resource  string    `json:"resource"`
	Caveats   []Caveat  `json:"caveats"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// MintDCT issues a fresh token for resource (normally a taskId), granted by
// the exchange to bearerID, valid for ttl.
func MintDCT(granterID, bearerID, resource string, ttl time.Duration, caveats ...Caveat) *DCT {
	now := time.Now()
	return &DCT{
		TokenID:   fmt.Sprintf("dct_%s_%s_%d", granterID, bearerID, now.UnixNano()),
		GranterID: granterID,
		BearerID:  bearerID,
		Resource:  resource,
		Caveats:   caveats,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// Attenuate mints a child token for newBearerID that inherits every caveat
// of d plus additionalCaveats, capped to whatever of d's remaining TTL is
// left — used when a task cascades from a winner to a backup agent.
func (d *DCT) Attenuate(newBearerID string, remaining time.Duration, additionalCaveats ...Caveat) (*DCT, error) {
	if d.Revoked {
		return nil, fmt.Errorf("cannot attenuate revoked token %s", d.TokenID)
	}
	if time.Now().After(d.ExpiresAt) {
		return nil, fmt.Errorf("cannot attenuate expired token %s", d.TokenID)
	}
	if left := time.Until(d.ExpiresAt); remaining > left {
		remaining = left
	}

	allCaveats := make([]Caveat, len(d.Caveats)+len(additionalCaveats))
	copy(allCaveats, d.Caveats)
	copy(allCaveats[len(d.Caveats):], additionalCaveats)

	return MintDCT(d.BearerID, newBearerID, d.Resource, remaining, allCaveats...), nil
}

// Verify checks whether d permits operation against scope right now.
func (d *DCT) Verify(operation, scope string) error {
	if d.Revoked {
		return fmt.Errorf("token %s revoked", d.TokenID)
	}
	if time.Now().After(d.ExpiresAt) {
		return fmt.Errorf("token %s expired", d.TokenID)
	}
	for _, c := range d.Caveats {
		switch c.Type {
		case "operation":
			if !strings.Contains(c.Value, operation) {
				return fmt.Errorf("operation %q not permitted by token %s (allowed: %s)", operation, d.TokenID, c.Value)
			}
		case "scope":
			if !strings.HasPrefix(scope, c.Value) {
				return fmt.Errorf("scope %q outside token %s's boundary %q", scope, d.TokenID, c.Value)
			}
		}
	}
	return nil
}
