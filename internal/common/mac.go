package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CanonicalJSON serializes v deterministically: object keys sorted,
// array order preserved. Two semantically equal payloads always produce
// identical bytes, which makes the serialization safe to MAC.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, decoded); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		sb.Write(b)
	}
	return nil
}

// Signer computes and verifies payload MACs over canonical JSON.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer with the given HMAC key.
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 over the canonical serialization of v.
func (s *Signer) Sign(v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the MAC for v and compares it in constant time.
func (s *Signer) Verify(v interface{}, expected string) (bool, error) {
	computed, err := s.Sign(v)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(computed), []byte(expected)), nil
}
