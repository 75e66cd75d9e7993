// Package apikey implements the Credential Verifier: hashing a
// client-presented secret and resolving it against the hashed secrets on file
// (the backing store does the constant-time comparison), and decryption of an
// upstream's stored credential ciphertext.
package apikey

import (
	"context"
	"crypto/sha256"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// HashSecret derives the storable hash for a raw client secret. Verification
// always re-derives this hash and looks it up directly — the raw secret is
// never compared, logged, or stored.
func HashSecret(raw string) []byte {
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

// FailureReason enumerates why verification did not yield an authorized key,
// distinguished only for logging — all of them produce the same 401 to the
// client so as not to leak which check failed.
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureMissingHeader FailureReason = "missing_header"
	FailureMalformed     FailureReason = "malformed_header"
	FailureNoMatch       FailureReason = "no_match"
	FailureInactive      FailureReason = "inactive_key"
	FailureExpired       FailureReason = "expired_key"
)

// Lookup resolves a hashed secret to its API key record. It is satisfied
// directly by adminstore.Store.GetAPIKeyByHash, kept as an interface here so
// this package stays independent of the admin-store's concrete backend.
type Lookup interface {
	GetAPIKeyByHash(ctx context.Context, hashedSecret []byte) (model.APIKey, bool, error)
}

// Verifier matches bearer tokens against known keys via a by-hash lookup.
type Verifier struct {
	lookup Lookup
}

// NewVerifier builds a Verifier backed by the given Lookup.
func NewVerifier(lookup Lookup) *Verifier {
	return &Verifier{lookup: lookup}
}

// Verify extracts the bearer token from an Authorization header value,
// hashes it, and resolves it through the backing store. No comparison is done
// here — the backing store compares the hash against the stored ones (both
// bundled backends use a constant-time compare).
func (v *Verifier) Verify(ctx context.Context, authHeader string) (model.APIKey, FailureReason, error) {
	raw, ok := parseBearer(authHeader)
	if !ok {
		if authHeader == "" {
			return model.APIKey{}, FailureMissingHeader, nil
		}
		return model.APIKey{}, FailureMalformed, nil
	}

	key, found, err := v.lookup.GetAPIKeyByHash(ctx, HashSecret(raw))
	if err != nil {
		return model.APIKey{}, FailureNoMatch, err
	}
	if !found {
		return model.APIKey{}, FailureNoMatch, nil
	}
	if !key.IsActive {
		return model.APIKey{}, FailureInactive, nil
	}
	if key.Expired(time.Now()) {
		return model.APIKey{}, FailureExpired, nil
	}
	return key, FailureNone, nil
}

func parseBearer(header string) (string, bool) {
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return "", false
	}
	token := strings.TrimSpace(header[len(scheme):])
	if token == "" {
		return "", false
	}
	return token, true
}
