// Package canonicaljson provides deterministic, key-sorted JSON
// serialization used for content hashing and idempotency-request hashing.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal serializes v into canonical form: object keys are sorted
// lexicographically at every nesting level, array order is preserved, and
// scalars serialize as standard JSON. Values encoding/json cannot marshal
// (functions, channels, etc.) serialize as null instead of returning
// json.Marshal's error.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalAny re-serializes an already-decoded JSON value (e.g. the result of
// json.Unmarshal into `any`) into canonical form. This is the common path:
// decode with encoding/json (which already collapses scalars to
// float64/string/bool/nil and containers to map[string]any/[]any), then
// canonicalize.
func MarshalAny(v any) ([]byte, error) {
	return Marshal(v)
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return fmt.Errorf("canonicaljson: decoding raw message: %w", err)
		}
		return encode(buf, decoded)
	default:
		// Scalars (string, float64, bool) and any type encoding/json knows
		// how to marshal natively. Functions/channels/complex fall back to
		// json.Marshal's own error, at which point we emit null rather than
		// propagating — matching the "unsupported types serialize as null"
		// rule for canonical hashing purposes.
		encoded, err := json.Marshal(val)
		if err != nil {
			buf.WriteString("null")
			return nil
		}
		buf.Write(encoded)
		return nil
	}
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("canonicaljson: marshaling key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// Hash returns the hex-encoded SHA-256 digest of the canonical serialization
// of v.
func Hash(v any) (string, error) {
	canon, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// LegacyHash returns the hex-encoded SHA-256 digest over the raw JSON bytes
// as originally received, with no canonicalization. It exists purely as a
// comparator so that idempotency lookups can match requests hashed before
// canonical-form hashing was introduced.
func LegacyHash(rawJSON []byte) string {
	sum := sha256.Sum256(rawJSON)
	return hex.EncodeToString(sum[:])
}

// ContentHash computes the version content hash used in entry_versions:
// sha256("<path>:<canonicalValue>").
func ContentHash(path string, value any) (string, error) {
	canon, err := Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(path + ":" + string(canon)))
	return hex.EncodeToString(sum[:]), nil
}

// TombstoneContentHash is the sentinel content_hash recorded on DELETE.
const TombstoneContentHash = "tombstone"
