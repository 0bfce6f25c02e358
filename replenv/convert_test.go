package replenv

import (
	"reflect"
	"testing"

	"go.starlark.net/starlark"
)

func TestToStarlark(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "None"},
		{"bool", true, "True"},
		{"string", "hi", `"hi"`},
		{"int", 42, "42"},
		{"int64", int64(1 << 40), "1099511627776"},
		{"float", 2.5, "2.5"},
		{"string slice", []string{"a", "b"}, `["a", "b"]`},
		{"nested", map[string]any{"k": []any{1, "two"}}, `{"k": [1, "two"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := toStarlark(tt.in)
			if err != nil {
				t.Fatalf("toStarlark() = %v", err)
			}
			if got := v.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToStarlarkRejectsUnsupported(t *testing.T) {
	if _, err := toStarlark(struct{ X int }{1}); err == nil {
		t.Fatal("toStarlark() accepted a struct")
	}
}

func TestFromStarlarkRoundTrip(t *testing.T) {
	in := map[string]any{
		"name":  "doc",
		"count": int64(3),
		"score": 0.5,
		"tags":  []any{"a", "b"},
		"flags": map[string]any{"done": true, "note": nil},
	}
	v, err := toStarlark(in)
	if err != nil {
		t.Fatalf("toStarlark() = %v", err)
	}
	out, ok := fromStarlark(v)
	if !ok {
		t.Fatal("fromStarlark() = false")
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip = %#v, want %#v", out, in)
	}
}

func TestFromStarlarkSkipsCallables(t *testing.T) {
	if _, ok := fromStarlark(starlark.NewBuiltin("f", nil)); ok {
		t.Fatal("fromStarlark() accepted a builtin")
	}
}
