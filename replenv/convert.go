package replenv

import (
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"
)

// toStarlark maps the JSON-shaped Go values a context loader produces
// into Starlark values. Unsupported types are an error rather than a
// silent drop, so a bad context surfaces at Setup time.
func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", val.String(), err)
		}
		return starlark.Float(f), nil
	case []string:
		elems := make([]starlark.Value, 0, len(val))
		for _, s := range val {
			elems = append(elems, starlark.String(s))
		}
		return starlark.NewList(elems), nil
	case []any:
		elems := make([]starlark.Value, 0, len(val))
		for i, item := range val {
			conv, err := toStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			elems = append(elems, conv)
		}
		return starlark.NewList(elems), nil
	case map[string]string:
		d := starlark.NewDict(len(val))
		for k, s := range val {
			if err := d.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[string]any:
		d := starlark.NewDict(len(val))
		for k, item := range val {
			conv, err := toStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			if err := d.SetKey(starlark.String(k), conv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported context type %T", v)
}

// fromStarlark maps a Starlark value back to its JSON-shaped Go form.
// The second result is false for values with no JSON rendering, such as
// functions and builtins; callers skip those.
func fromStarlark(v starlark.Value) (any, bool) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, true
	case starlark.Bool:
		return bool(val), true
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, true
		}
		return val.String(), true
	case starlark.Float:
		return float64(val), true
	case starlark.String:
		return string(val), true
	case starlark.Tuple:
		return fromStarlarkSeq(val)
	case *starlark.List:
		elems := make([]starlark.Value, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			elems = append(elems, val.Index(i))
		}
		return fromStarlarkSeq(elems)
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			conv, ok := fromStarlark(item[1])
			if !ok {
				return nil, false
			}
			out[key] = conv
		}
		return out, true
	}
	return nil, false
}

func fromStarlarkSeq(elems []starlark.Value) (any, bool) {
	out := make([]any, 0, len(elems))
	for _, item := range elems {
		conv, ok := fromStarlark(item)
		if !ok {
			return nil, false
		}
		out = append(out, conv)
	}
	return out, true
}
