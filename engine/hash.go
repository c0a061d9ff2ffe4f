package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonicalHash hashes the canonical JSON form of a value. json.Marshal emits
// map keys sorted, so two payloads with equal content hash equal.
func canonicalHash(value any) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("engine: canonicalize payload: %w", err)
	}
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:]), nil
}

// canonicalHashBytes re-encodes raw JSON first so formatting differences do
// not change the digest.
func canonicalHashBytes(payload []byte) (string, error) {
	decoded := map[string]any{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("engine: payload is not a JSON object: %w", err)
	}
	return canonicalHash(decoded)
}
