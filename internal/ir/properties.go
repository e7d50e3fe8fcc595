package ir

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// EncodeProperties renders a free-form property map as canonical JSON. Each
// property keeps its type so dates and numbers survive the round trip:
//
//	{"since":{"type":"date","value":"2024-01-02T00:00:00Z"}}
//
// Null values are dropped.
func EncodeProperties(props map[string]Value) ([]byte, error) {
	doc := make(map[string]any, len(props))
	for key, v := range props {
		if IsNull(v) {
			continue
		}
		doc[key] = map[string]any{
			"type":  string(TypeOf(v)),
			"value": Format(v),
		}
	}
	data, err := MarshalCanonical(doc)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return data, nil
}

// DecodeProperties parses a document written by EncodeProperties. Empty
// input yields an empty map.
func DecodeProperties(data []byte) (map[string]Value, error) {
	props := make(map[string]Value)
	if len(data) == 0 {
		return props, nil
	}

	var doc map[string]struct {
		Type  Type   `json:"type"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	for _, key := range slices.Sorted(maps.Keys(doc)) {
		p := doc[key]
		v, err := Parse(p.Value, p.Type)
		if err != nil {
			return nil, fmt.Errorf("decode property %q: %w", key, err)
		}
		props[key] = v
	}
	return props, nil
}
