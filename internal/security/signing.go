package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SignedEnvelope wraps a payload with a timestamp, a single-use nonce and a
// keyed hash over all three. The server verifies timestamp and nonce
// freshness; the client's only obligation is a fresh nonce per call.
type SignedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"`
}

// Sign serializes payload and produces a signed envelope keyed by secret
// (the current cloud access token). Two calls with identical payload and
// secret never produce identical envelopes because the nonce differs.
func Sign(payload interface{}, secret string) (*SignedEnvelope, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret is empty")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	env := &SignedEnvelope{
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		Nonce:     uuid.NewString(),
	}
	env.Signature = computeSignature(env, secret)

	return env, nil
}

// Verify recomputes the signature over an envelope. Timestamp and nonce
// freshness are a server-side concern and deliberately not checked here.
func Verify(env *SignedEnvelope, secret string) bool {
	expected := computeSignature(env, secret)
	return hmac.Equal([]byte(expected), []byte(env.Signature))
}

// computeSignature signs payload + timestamp + nonce by string concatenation,
// HMAC-SHA256, hex encoded.
func computeSignature(env *SignedEnvelope, secret string) string {
	message := fmt.Sprintf("%s%d%s", env.Payload, env.Timestamp, env.Nonce)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
