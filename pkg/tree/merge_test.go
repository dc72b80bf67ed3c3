package tree

import (
	"reflect"
	"testing"

	"github.com/scopecfg/scopecfg/pkg/types"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name    string
		base    types.JSONMap
		overlay types.JSONMap
		want    types.JSONMap
	}{
		{
			name:    "overlay scalar wins",
			base:    types.JSONMap{"a": "base", "b": float64(1)},
			overlay: types.JSONMap{"a": "over"},
			want:    types.JSONMap{"a": "over", "b": float64(1)},
		},
		{
			name: "objects merge key-wise",
			base: types.JSONMap{"grafana": map[string]any{
				"url": "https://grafana.acme.example", "timeout": float64(30),
			}},
			overlay: types.JSONMap{"grafana": map[string]any{
				"timeout": float64(60), "dashboard": "sre-main",
			}},
			want: types.JSONMap{"grafana": map[string]any{
				"url": "https://grafana.acme.example", "timeout": float64(60), "dashboard": "sre-main",
			}},
		},
		{
			name:    "null deletes the key",
			base:    types.JSONMap{"slack": map[string]any{"channel": "#ops"}, "keep": true},
			overlay: types.JSONMap{"slack": nil},
			want:    types.JSONMap{"keep": true},
		},
		{
			name:    "nested null deletes inside object",
			base:    types.JSONMap{"a": map[string]any{"x": float64(1), "y": float64(2)}},
			overlay: types.JSONMap{"a": map[string]any{"x": nil}},
			want:    types.JSONMap{"a": map[string]any{"y": float64(2)}},
		},
		{
			name:    "arrays replace wholesale",
			base:    types.JSONMap{"tools": []any{"search", "browse"}},
			overlay: types.JSONMap{"tools": []any{"search"}},
			want:    types.JSONMap{"tools": []any{"search"}},
		},
		{
			name:    "scalar replaces object",
			base:    types.JSONMap{"a": map[string]any{"x": float64(1)}},
			overlay: types.JSONMap{"a": "flat"},
			want:    types.JSONMap{"a": "flat"},
		},
		{
			name:    "empty overlay is identity",
			base:    types.JSONMap{"a": float64(1)},
			overlay: types.JSONMap{},
			want:    types.JSONMap{"a": float64(1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.base, tt.overlay)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Merge() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := types.JSONMap{"a": map[string]any{"x": float64(1)}}
	overlay := types.JSONMap{"a": map[string]any{"y": float64(2)}}

	out := Merge(base, overlay)
	out["a"].(map[string]any)["x"] = "mutated"

	if base["a"].(map[string]any)["x"] != float64(1) {
		t.Error("Merge mutated base input")
	}
	if _, ok := overlay["a"].(map[string]any)["x"]; ok {
		t.Error("Merge mutated overlay input")
	}
}

func TestMergeAll(t *testing.T) {
	root := types.JSONMap{
		"grafana": map[string]any{"url": "https://grafana.acme.example", "timeout": float64(30)},
	}
	unit := types.JSONMap{
		"grafana": map[string]any{"timeout": float64(60)},
	}
	team := types.JSONMap{
		"grafana": map[string]any{"dashboard": "sre-main"},
	}

	got := MergeAll(root, unit, team)
	want := types.JSONMap{
		"grafana": map[string]any{
			"url":       "https://grafana.acme.example",
			"timeout":   float64(60),
			"dashboard": "sre-main",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeAll() = %#v, want %#v", got, want)
	}

	// A node with no overrides contributes nothing.
	if got := MergeAll(root, types.JSONMap{}, team); !reflect.DeepEqual(got, MergeAll(root, team)) {
		t.Error("empty layer changed the merge result")
	}
}

func TestMergePatchRetainsNulls(t *testing.T) {
	local := types.JSONMap{"slack": map[string]any{"channel": "#general"}}
	patch := types.JSONMap{"slack": nil}

	got := MergePatch(local, patch)
	v, ok := got["slack"]
	if !ok || v != nil {
		t.Errorf("MergePatch dropped the null override: %#v", got)
	}
}

func TestMergePatchNestedOverride(t *testing.T) {
	local := types.JSONMap{
		"agents": map[string]any{"triage": map[string]any{"model": "m-small"}},
	}
	patch := types.JSONMap{
		"agents": map[string]any{"triage": map[string]any{"temperature": 0.2}},
	}

	got := MergePatch(local, patch)
	want := types.JSONMap{
		"agents": map[string]any{"triage": map[string]any{"model": "m-small", "temperature": 0.2}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergePatch() = %#v, want %#v", got, want)
	}
}
