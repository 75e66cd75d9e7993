package apikey

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

type fakeLookup struct {
	key   model.APIKey
	found bool
	err   error
}

func (f fakeLookup) GetAPIKeyByHash(ctx context.Context, hash []byte) (model.APIKey, bool, error) {
	return f.key, f.found, f.err
}

func TestVerifier_MissingHeader(t *testing.T) {
	v := NewVerifier(fakeLookup{})
	_, reason, err := v.Verify(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != FailureMissingHeader {
		t.Errorf("got %q, want %q", reason, FailureMissingHeader)
	}
}

func TestVerifier_Malformed(t *testing.T) {
	v := NewVerifier(fakeLookup{})
	_, reason, _ := v.Verify(context.Background(), "Token abc")
	if reason != FailureMalformed {
		t.Errorf("got %q, want %q", reason, FailureMalformed)
	}
}

func TestVerifier_MatchAndInactive(t *testing.T) {
	raw := "sk-test-0123456789"
	active := model.APIKey{ID: "k1", HashedSecret: HashSecret(raw), IsActive: true}
	inactive := model.APIKey{ID: "k2", HashedSecret: HashSecret(raw), IsActive: false}

	v := NewVerifier(fakeLookup{key: active, found: true})
	key, reason, err := v.Verify(context.Background(), "Bearer "+raw)
	if err != nil || reason != FailureNone || key.ID != "k1" {
		t.Fatalf("got key=%v reason=%q err=%v", key, reason, err)
	}

	v2 := NewVerifier(fakeLookup{key: inactive, found: true})
	_, reason2, _ := v2.Verify(context.Background(), "Bearer "+raw)
	if reason2 != FailureInactive {
		t.Errorf("got %q, want %q", reason2, FailureInactive)
	}
}

func TestVerifier_ExpiredKey(t *testing.T) {
	raw := "sk-test-expired"
	expired := model.APIKey{ID: "k3", HashedSecret: HashSecret(raw), IsActive: true, ExpiresAt: time.Now().Add(-time.Hour)}

	v := NewVerifier(fakeLookup{key: expired, found: true})
	_, reason, err := v.Verify(context.Background(), "Bearer "+raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != FailureExpired {
		t.Errorf("got %q, want %q", reason, FailureExpired)
	}
}

func TestVerifier_ZeroExpiryNeverExpires(t *testing.T) {
	raw := "sk-test-no-expiry"
	key := model.APIKey{ID: "k4", HashedSecret: HashSecret(raw), IsActive: true}

	v := NewVerifier(fakeLookup{key: key, found: true})
	_, reason, err := v.Verify(context.Background(), "Bearer "+raw)
	if err != nil || reason != FailureNone {
		t.Fatalf("got reason=%q err=%v", reason, err)
	}
}

func TestVerifier_NoMatch(t *testing.T) {
	v := NewVerifier(fakeLookup{found: false})
	_, reason, _ := v.Verify(context.Background(), "Bearer sk-wrong-secret")
	if reason != FailureNoMatch {
		t.Errorf("got %q, want %q", reason, FailureNoMatch)
	}
}

func TestAESGCMDecryptor_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	d, err := NewAESGCMDecryptor(key)
	if err != nil {
		t.Fatalf("NewAESGCMDecryptor: %v", err)
	}
	ct, err := d.Encrypt("sk-upstream-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plain, err := d.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "sk-upstream-secret" {
		t.Errorf("got %q", plain)
	}
}

func TestAESGCMDecryptor_TruncatedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	d, _ := NewAESGCMDecryptor(key)
	if _, err := d.Decrypt([]byte("short")); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
}
