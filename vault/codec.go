package vault

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncbridge/core"
)

const TokenPayloadFormatJSONV1 = "active_token_json"

// JSONTokenCodec serializes the token pair before the secret provider seals
// it. The stored payload never contains plaintext tokens.
type JSONTokenCodec struct{}

func (JSONTokenCodec) Format() string {
	return TokenPayloadFormatJSONV1
}

type jsonTokenPayload struct {
	ProviderID      string     `json:"provider_id,omitempty"`
	AccessToken     string     `json:"access_token,omitempty"`
	RefreshToken    string     `json:"refresh_token,omitempty"`
	TokenType       string     `json:"token_type,omitempty"`
	Scopes          []string   `json:"scopes,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RotationVersion int        `json:"rotation_version,omitempty"`
}

func (JSONTokenCodec) Encode(token core.ActiveToken) ([]byte, error) {
	payload := jsonTokenPayload{
		ProviderID:      strings.TrimSpace(token.ProviderID),
		AccessToken:     strings.TrimSpace(token.AccessToken),
		RefreshToken:    strings.TrimSpace(token.RefreshToken),
		TokenType:       strings.TrimSpace(token.TokenType),
		Scopes:          append([]string(nil), token.Scopes...),
		ExpiresAt:       cloneTimePointer(token.ExpiresAt),
		RotationVersion: token.RotationVersion,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vault: encode token payload: %w", err)
	}
	return encoded, nil
}

func (JSONTokenCodec) Decode(payload []byte) (core.ActiveToken, error) {
	if len(payload) == 0 {
		return core.ActiveToken{}, fmt.Errorf("vault: token payload is empty")
	}
	decoded := jsonTokenPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return core.ActiveToken{}, fmt.Errorf("vault: decode token payload: %w", err)
	}
	return core.ActiveToken{
		ProviderID:      strings.TrimSpace(decoded.ProviderID),
		AccessToken:     strings.TrimSpace(decoded.AccessToken),
		RefreshToken:    strings.TrimSpace(decoded.RefreshToken),
		TokenType:       strings.TrimSpace(decoded.TokenType),
		Scopes:          append([]string(nil), decoded.Scopes...),
		ExpiresAt:       cloneTimePointer(decoded.ExpiresAt),
		RotationVersion: decoded.RotationVersion,
	}, nil
}

func cloneTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := value.UTC()
	return &clone
}

var _ core.CredentialCodec = JSONTokenCodec{}
