// Package auth implements the authentication and confirmation gate for
// morph commands. Credentials are verified against a pre-hashed
// administrative key supplied via the environment; commands flagged as
// destructive by policy additionally block on an explicit human
// confirmation correlated by command record id.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"morph/internal/logging"
)

// ErrAuthentication indicates a missing or invalid credential. Fatal to
// the command; there is no retry.
var ErrAuthentication = errors.New("authentication failed: invalid or missing credential")

// ErrNoAdminHash indicates the gate was constructed without an
// administrative key hash, so every authentication attempt fails.
var ErrNoAdminHash = errors.New("no administrative key hash configured")

// AuthResult reports the outcome of an authentication attempt.
type AuthResult struct {
	OK bool
}

// Policy maps command names to a destructive flag. It is injected as
// configuration, never hard-coded by callers.
type Policy interface {
	RequiresConfirmation(commandName string) bool
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(commandName string) bool

func (f PolicyFunc) RequiresConfirmation(commandName string) bool { return f(commandName) }

// Gate verifies caller credentials against a single hashed admin key.
type Gate struct {
	adminKeyHash []byte // raw bytes of the hex-decoded SHA-256 digest
	policy       Policy
}

// NewGate builds a gate from a hex-encoded SHA-256 digest of the admin
// key. An empty hash is allowed (the process can boot without one) but
// every authentication then fails with ErrNoAdminHash wrapped in
// ErrAuthentication semantics.
func NewGate(adminKeyHashHex string, policy Policy) (*Gate, error) {
	g := &Gate{policy: policy}

	hashHex := strings.TrimSpace(adminKeyHashHex)
	if hashHex == "" {
		logging.GateWarn("MORPH_ADMIN_KEY_HASH is not set; all commands will fail authentication")
		return g, nil
	}

	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, errors.New("admin key hash is not valid hex")
	}
	if len(raw) != sha256.Size {
		return nil, errors.New("admin key hash must be a SHA-256 digest (32 bytes)")
	}
	g.adminKeyHash = raw
	return g, nil
}

// HashKey returns the hex-encoded SHA-256 digest of a plaintext key.
// Used by the hash-key CLI helper to provision MORPH_ADMIN_KEY_HASH.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticate compares the SHA-256 of the supplied credential against
// the stored administrative hash in constant time.
func (g *Gate) Authenticate(credential string) (AuthResult, error) {
	if len(g.adminKeyHash) == 0 {
		return AuthResult{}, ErrNoAdminHash
	}
	if credential == "" {
		return AuthResult{}, ErrAuthentication
	}

	sum := sha256.Sum256([]byte(credential))
	if subtle.ConstantTimeCompare(sum[:], g.adminKeyHash) != 1 {
		return AuthResult{}, ErrAuthentication
	}
	return AuthResult{OK: true}, nil
}

// RequiresConfirmation reports whether the named command needs an
// explicit human confirmation before any side effect.
func (g *Gate) RequiresConfirmation(commandName string) bool {
	if g.policy == nil {
		return false
	}
	return g.policy.RequiresConfirmation(commandName)
}
