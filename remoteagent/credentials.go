package remoteagent

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/awgh/bencrypt/ecc"
)

// SignedCredential authenticates outbound calls to an externally hosted
// agent with a per-call signature instead of a static bearer string,
// exercising the teacher's bencrypt dependency (pulled in transitively via
// natsclient there, never called directly — see DESIGN.md's "bencrypt's
// narrow surface" note). Each request is signed over its own timestamp so
// a captured header cannot be replayed against a later call.
type SignedCredential struct {
	agentID string
	keys    *ecc.KeyPair
}

// NewSignedCredential generates a fresh ED25519 keypair for agentID. In
// production the public half would be recorded against the agent's profile
// at registration time so the remote side can verify it.
func NewSignedCredential(agentID string) (*SignedCredential, error) {
	kp := new(ecc.KeyPair)
	if err := kp.GenerateKey(); err != nil {
		return nil, fmt.Errorf("generate signing key for %s: %w", agentID, err)
	}
	return &SignedCredential{agentID: agentID, keys: kp}, nil
}

// Authenticate signs the current timestamp and attaches it alongside the
// agent id and signature as the X-API-Key-equivalent headers described in
// spec.md §6.
func (s *SignedCredential) Authenticate(req *http.Request) error {
	nonce := strconv.FormatInt(time.Now().UnixNano(), 10)
	sig, err := s.keys.Sign([]byte(nonce))
	if err != nil {
		return fmt.Errorf("sign request nonce: %w", err)
	}
	req.Header.Set("X-API-Key", s.agentID)
	req.Header.Set("X-Signature-Nonce", nonce)
	req.Header.Set("X-Signature", hex.EncodeToString(sig))
	return nil
}
