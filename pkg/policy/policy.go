package policy

import (
	"sort"
	"strings"

	"github.com/scopecfg/scopecfg/pkg/types"
)

// Verdict is the outcome of evaluating a patch
type Verdict int

const (
	// Apply means the patch passed every check
	Apply Verdict = iota
	// NeedsApproval means the patch touches an approval-gated area
	// and must be queued as a proposal.
	NeedsApproval
)

// Evaluate checks a patch against an org's policy. A nil policy
// allows everything. On rejection the returned error carries
// KindPolicyViolation and the failing path.
func Evaluate(patch types.JSONMap, pol *types.SecurityPolicy) (Verdict, error) {
	if pol == nil {
		return Apply, nil
	}

	paths := Flatten(patch)

	for _, entry := range paths {
		for _, locked := range pol.LockedPaths {
			if pathHasPrefix(entry.Path, locked) {
				return Apply, types.Ef(types.KindPolicyViolation,
					"path %q is locked by organization policy", entry.Path).WithPath(entry.Path)
			}
		}
		if limit, ok := pol.MaxValues[entry.Path]; ok {
			if num, isNum := entry.Value.(float64); isNum && num > limit {
				return Apply, types.Ef(types.KindPolicyViolation,
					"value %v at %q exceeds the allowed maximum %v", num, entry.Path, limit).WithPath(entry.Path)
			}
		}
	}

	for _, entry := range paths {
		if pol.RequireApprovalForPrompts && matchGlob(entry.Path, "agents.*.prompt") {
			return NeedsApproval, nil
		}
		if pol.RequireApprovalForTools && matchGlob(entry.Path, "agents.*.tools") {
			return NeedsApproval, nil
		}
	}

	return Apply, nil
}

// PathValue is one flattened leaf of a patch
type PathValue struct {
	Path  string
	Value any
}

// Flatten converts a JSON object into sorted dotted-path leaves.
// Arrays and nulls are leaves; nested objects recurse.
func Flatten(obj types.JSONMap) []PathValue {
	var out []PathValue
	flattenInto(&out, "", map[string]any(obj))
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func flattenInto(out *[]PathValue, prefix string, obj map[string]any) {
	for k, v := range obj {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			if len(t) == 0 {
				*out = append(*out, PathValue{Path: path, Value: t})
				continue
			}
			flattenInto(out, path, t)
		case types.JSONMap:
			flattenInto(out, path, map[string]any(t))
		default:
			*out = append(*out, PathValue{Path: path, Value: v})
		}
	}
}

// pathHasPrefix reports whether path is prefix itself or nested under
// it: locking "a.b" locks "a.b" and "a.b.c" but not "a.bc".
func pathHasPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+".")
}

// matchGlob matches a dotted path against a pattern where "*" spans
// exactly one segment. The pattern matches the path itself and
// anything nested below it.
func matchGlob(path, pattern string) bool {
	pathSegs := strings.Split(path, ".")
	patSegs := strings.Split(pattern, ".")
	if len(pathSegs) < len(patSegs) {
		return false
	}
	for i, pat := range patSegs {
		if pat == "*" {
			continue
		}
		if pathSegs[i] != pat {
			return false
		}
	}
	return true
}
