package crypto

import (
	"fmt"
	"strings"

	"github.com/scopecfg/scopecfg/pkg/types"
)

// SensitiveSet decides which JSON object keys carry secret values.
// Matching is case-insensitive and exact.
type SensitiveSet map[string]struct{}

// NewSensitiveSet builds a set from a list of key names
func NewSensitiveSet(keys []string) SensitiveSet {
	set := make(SensitiveSet, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return set
}

// Match reports whether a JSON key is sensitive
func (s SensitiveSet) Match(key string) bool {
	_, ok := s[strings.ToLower(key)]
	return ok
}

// EncryptSubtree walks a JSON object and replaces the scalar values of
// sensitive keys with envelopes. Nested objects recurse. An array
// under a sensitive key is encrypted element-wise; arrays elsewhere
// are walked for object elements. Already-enveloped values pass
// through unchanged so the operation is idempotent. The input is not
// mutated.
func (kr *Keyring) EncryptSubtree(obj types.JSONMap, sensitive SensitiveSet) (types.JSONMap, error) {
	out, err := kr.encryptValue(map[string]any(obj), sensitive, false)
	if err != nil {
		return nil, err
	}
	return types.JSONMap(out.(map[string]any)), nil
}

func (kr *Keyring) encryptValue(v any, sensitive SensitiveSet, underSensitive bool) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			enc, err := kr.encryptValue(e, sensitive, underSensitive || sensitive.Match(k))
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = enc
		}
		return out, nil
	case types.JSONMap:
		return kr.encryptValue(map[string]any(t), sensitive, underSensitive)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			enc, err := kr.encryptValue(e, sensitive, underSensitive)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = enc
		}
		return out, nil
	case string:
		if !underSensitive || IsEnvelope(t) {
			return t, nil
		}
		return kr.Encrypt(t)
	case nil:
		return nil, nil
	default:
		// Numbers and booleans under a sensitive key are encrypted
		// through their JSON rendering so decryption restores the
		// original scalar type.
		if underSensitive {
			return kr.Encrypt(renderScalar(t))
		}
		return t, nil
	}
}

// DecryptSubtree is the inverse of EncryptSubtree: every envelope
// string anywhere in the object is replaced by its plaintext.
func (kr *Keyring) DecryptSubtree(obj types.JSONMap) (types.JSONMap, error) {
	out, err := kr.decryptValue(map[string]any(obj))
	if err != nil {
		return nil, err
	}
	return types.JSONMap(out.(map[string]any)), nil
}

func (kr *Keyring) decryptValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			dec, err := kr.decryptValue(e)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = dec
		}
		return out, nil
	case types.JSONMap:
		return kr.decryptValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			dec, err := kr.decryptValue(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = dec
		}
		return out, nil
	case string:
		if !IsEnvelope(t) {
			return t, nil
		}
		plain, err := kr.Decrypt(t)
		if err != nil {
			return nil, err
		}
		return parseScalar(plain), nil
	default:
		return t, nil
	}
}

// MaskSubtree replaces the values of sensitive keys with a redaction
// placeholder. Used for raw config reads by callers without admin
// scope.
func MaskSubtree(obj types.JSONMap, sensitive SensitiveSet) types.JSONMap {
	return types.JSONMap(maskValue(map[string]any(obj), sensitive, false).(map[string]any))
}

// Masked is the placeholder raw reads show for secret values
const Masked = "***"

func maskValue(v any, sensitive SensitiveSet, underSensitive bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = maskValue(e, sensitive, underSensitive || sensitive.Match(k))
		}
		return out
	case types.JSONMap:
		return maskValue(map[string]any(t), sensitive, underSensitive)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = maskValue(e, sensitive, underSensitive)
		}
		return out
	case nil:
		return nil
	default:
		if underSensitive {
			return Masked
		}
		return t
	}
}

// scalarPrefix marks non-string scalars round-tripped through
// envelope plaintext.
const scalarPrefix = "\x00json:"

func renderScalar(v any) string {
	return scalarPrefix + fmt.Sprintf("%v", v)
}

func parseScalar(plain string) any {
	if !strings.HasPrefix(plain, scalarPrefix) {
		return plain
	}
	body := strings.TrimPrefix(plain, scalarPrefix)
	switch body {
	case "true":
		return true
	case "false":
		return false
	}
	var f float64
	if _, err := fmt.Sscanf(body, "%g", &f); err == nil {
		return f
	}
	return body
}
