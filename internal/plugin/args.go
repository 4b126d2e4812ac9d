package plugin

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
)

// decodeValue decodes a raw argument keeping numbers as json.Number so
// integers and floats stay distinguishable. Empty input decodes to nil.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after argument value")
	}
	return v, nil
}

// argMap is a decoded map argument. A key holding JSON null reads as absent.
type argMap map[string]any

// requireMap checks that the whole argument value is a map.
func requireMap(method string, v any) (argMap, *MethodError) {
	if v == nil {
		return nil, absentError(method, "args")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, wrongTypeError(method, "args")
	}
	return argMap(m), nil
}

func (m argMap) lookup(name string) (any, bool) {
	v, ok := m[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (m argMap) requireInt(method, name string) (int64, *MethodError) {
	v, ok := m.lookup(name)
	if !ok {
		return 0, absentError(method, name)
	}
	i, ok := asInt(v)
	if !ok {
		return 0, wrongTypeError(method, name)
	}
	return i, nil
}

func (m argMap) optionalInt(method, name string) (*int64, *MethodError) {
	v, ok := m.lookup(name)
	if !ok {
		return nil, nil
	}
	i, ok := asInt(v)
	if !ok {
		return nil, wrongTypeError(method, name)
	}
	return &i, nil
}

func (m argMap) requireString(method, name string) (string, *MethodError) {
	v, ok := m.lookup(name)
	if !ok {
		return "", absentError(method, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongTypeError(method, name)
	}
	return s, nil
}

func (m argMap) optionalString(method, name string) (*string, *MethodError) {
	v, ok := m.lookup(name)
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, wrongTypeError(method, name)
	}
	return &s, nil
}

func (m argMap) optionalMap(method, name string) (argMap, *MethodError) {
	v, ok := m.lookup(name)
	if !ok {
		return nil, nil
	}
	mm, ok := v.(map[string]any)
	if !ok {
		return nil, wrongTypeError(method, name)
	}
	return argMap(mm), nil
}

func asInt(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	return i, err == nil
}

// asIntList accepts a JSON array of integers.
func asIntList(v any) ([]int64, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(list))
	for _, item := range list {
		i, ok := asInt(item)
		if !ok {
			return nil, false
		}
		out = append(out, i)
	}
	return out, true
}

// asBytes accepts either a JSON array of 0..255 or a base64 string.
func asBytes(v any) ([]byte, bool) {
	switch t := v.(type) {
	case string:
		b, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return nil, false
		}
		return b, true
	case []any:
		ints, ok := asIntList(t)
		if !ok {
			return nil, false
		}
		out := make([]byte, len(ints))
		for i, n := range ints {
			if n < 0 || n > 255 {
				return nil, false
			}
			out[i] = byte(n)
		}
		return out, true
	default:
		return nil, false
	}
}
