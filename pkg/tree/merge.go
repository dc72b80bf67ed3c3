package tree

import (
	"github.com/scopecfg/scopecfg/pkg/types"
)

// Merge deep-merges overlay into base and returns the effective view.
// Neither input is mutated.
//
// Rules: objects merge key-wise with overlay winning at leaves, arrays
// and scalars from overlay replace base wholesale, and an explicit
// null in overlay deletes the key from the result.
func Merge(base, overlay types.JSONMap) types.JSONMap {
	out := make(types.JSONMap, len(base)+len(overlay))
	for k, v := range base {
		out[k] = cloneAny(v)
	}
	for k, v := range overlay {
		if v == nil {
			delete(out, k)
			continue
		}
		ov, ovIsMap := asMap(v)
		bv, bvIsMap := asMap(out[k])
		if ovIsMap && bvIsMap {
			out[k] = map[string]any(Merge(types.JSONMap(bv), types.JSONMap(ov)))
			continue
		}
		out[k] = cloneAny(v)
	}
	return out
}

// MergeAll folds configs in order; later entries override earlier
// ones. Used to fold a lineage's local overrides root-to-leaf.
func MergeAll(configs ...types.JSONMap) types.JSONMap {
	out := types.JSONMap{}
	for _, cfg := range configs {
		out = Merge(out, cfg)
	}
	return out
}

// MergePatch merges a write patch into a node's local overrides.
// Unlike Merge, explicit nulls are retained: a null stored locally
// shadows (deletes) the key an ancestor defines, so it is part of the
// override set, not an instruction to drop the local key.
func MergePatch(local, patch types.JSONMap) types.JSONMap {
	out := make(types.JSONMap, len(local)+len(patch))
	for k, v := range local {
		out[k] = cloneAny(v)
	}
	for k, v := range patch {
		pv, pvIsMap := asMap(v)
		lv, lvIsMap := asMap(out[k])
		if pvIsMap && lvIsMap {
			out[k] = map[string]any(MergePatch(types.JSONMap(lv), types.JSONMap(pv)))
			continue
		}
		out[k] = cloneAny(v)
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case types.JSONMap:
		return map[string]any(t), true
	}
	return nil, false
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneAny(e)
		}
		return out
	case types.JSONMap:
		return cloneAny(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}
