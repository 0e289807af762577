package canonhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// TamperEvidenceDigest computes a deterministic checksum over a payload map.
//
// Anyone who can read the payload can recompute the digest, so it proves the
// payload is internally consistent, not who produced it. An asymmetric signer
// can replace SHA256 behind this interface without changing its callers.
type TamperEvidenceDigest interface {
	Sum(payload map[string]any) (string, error)
}

// SHA256 is the lowercase-hex SHA-256 digest of the canonical JSON form.
type SHA256 struct{}

func (SHA256) Sum(payload map[string]any) (string, error) {
	h, _, err := SumObject(payload)
	return h, err
}

// SumObject returns the hex digest of v together with the canonical bytes it
// was computed over.
func SumObject(v any) (string, []byte, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// Canonical encodes v with map keys sorted at every level and no insignificant
// whitespace.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Without returns a shallow copy of payload minus the given keys.
func Without(payload map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
