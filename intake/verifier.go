package intake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goliatone/go-syncbridge/core"
)

// SignatureVerifier authenticates a webhook body against the shared secret
// registered for its source.
type SignatureVerifier interface {
	Verify(ctx context.Context, sourceID string, body []byte, signature string) error
}

// HMACVerifier checks hex-encoded HMAC-SHA256 signatures. A "sha256=" prefix
// on the header value is accepted and stripped.
type HMACVerifier struct {
	secrets core.SourceSecretResolver
}

func NewHMACVerifier(secrets core.SourceSecretResolver) (*HMACVerifier, error) {
	if secrets == nil {
		return nil, fmt.Errorf("intake: secret resolver is required")
	}
	return &HMACVerifier{secrets: secrets}, nil
}

func (v *HMACVerifier) Verify(ctx context.Context, sourceID string, body []byte, signature string) error {
	if v == nil || v.secrets == nil {
		return fmt.Errorf("intake: verifier is not configured")
	}
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if signature == "" {
		return core.NewSignatureError(sourceID)
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return core.NewSignatureError(sourceID)
	}

	secret, err := v.secrets.Secret(ctx, sourceID)
	if err != nil {
		return core.NewSignatureError(sourceID)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return core.NewSignatureError(sourceID)
	}
	return nil
}

var _ SignatureVerifier = (*HMACVerifier)(nil)

// StaticSecretResolver serves per-source secrets from a fixed map.
type StaticSecretResolver map[string][]byte

func (r StaticSecretResolver) Secret(_ context.Context, sourceID string) ([]byte, error) {
	secret, ok := r[core.NormalizeSourceID(sourceID)]
	if !ok || len(secret) == 0 {
		return nil, fmt.Errorf("intake: no secret registered for source %q", sourceID)
	}
	return secret, nil
}

var _ core.SourceSecretResolver = StaticSecretResolver{}
