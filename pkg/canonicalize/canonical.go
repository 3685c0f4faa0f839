// Package canonicalize provides RFC 8259/8785 compliant canonical JSON
// serialization for deterministic hashing and signing of magic-link artifacts.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/gowebpki/jcs"
)

// ErrInvalidCanonicalNumber is returned when a value contains NaN or an
// infinity, neither of which has a JSON representation.
// Surfaced over HTTP as INVALID_CANONICAL_NUMBER.
var ErrInvalidCanonicalNumber = errors.New("INVALID_CANONICAL_NUMBER")

// Canonical returns the canonical JSON representation of v.
//
// Key features:
// 1. Map keys are sorted ascending by code point.
// 2. No insignificant whitespace, no HTML escaping.
// 3. Numbers passed as json.Number (or produced by the intermediate decode)
//    are preserved byte-for-byte; arrays preserve order.
func Canonical(v interface{}) ([]byte, error) {
	if err := rejectInvalidNumbers(v); err != nil {
		return nil, err
	}

	// Marshal to intermediate JSON (respects struct tags), then decode to a
	// generic tree with UseNumber so the recursive pass controls formatting.
	intermediate, err := json.Marshal(v)
	if err != nil {
		if isInvalidNumber(err) {
			return nil, ErrInvalidCanonicalNumber
		}
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	return marshalRecursive(generic)
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the lowercase SHA-256 hex digest of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TransformRaw canonicalizes an externally produced JSON document (verifier
// output, inbound webhook bodies) without an intermediate Go representation.
// Delegates to RFC 8785 JCS.
func TransformRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// isInvalidNumber reports whether a marshal failure came from a NaN or
// infinite float. rejectInvalidNumbers cannot see floats behind struct
// fields, so those surface here instead.
func isInvalidNumber(err error) bool {
	var unsupported *json.UnsupportedValueError
	if !errors.As(err, &unsupported) {
		return false
	}
	switch unsupported.Value.Kind() {
	case reflect.Float32, reflect.Float64:
		f := unsupported.Value.Float()
		return math.IsNaN(f) || math.IsInf(f, 0)
	}
	return false
}

// rejectInvalidNumbers walks v looking for float values with no JSON
// representation. json.Marshal would also fail, but with an error that does
// not classify cleanly at the HTTP boundary.
func rejectInvalidNumbers(v interface{}) error {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return ErrInvalidCanonicalNumber
		}
	case float32:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidCanonicalNumber
		}
	case map[string]interface{}:
		for _, elem := range t {
			if err := rejectInvalidNumbers(elem); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, elem := range t {
			if err := rejectInvalidNumbers(elem); err != nil {
				return err
			}
		}
	}
	return nil
}

func marshalRecursive(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		// Preserved byte-for-byte.
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
