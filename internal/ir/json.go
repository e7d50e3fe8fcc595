package ir

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// EncodeAttributes serialises an attribute map to the JSON document stored
// with each record. Null values are omitted so that json_extract yields SQL
// NULL for them. Keys are written in sorted order.
func EncodeAttributes(values map[string]Value) (string, error) {
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if IsNull(v) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return "", fmt.Errorf("encode key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := json.Marshal(jsonValue(values[k]))
		if err != nil {
			return "", fmt.Errorf("encode value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

// jsonValue maps a Value to the JSON representation used in storage.
func jsonValue(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Time:
		return int64(val)
	case Bytes:
		return base64.StdEncoding.EncodeToString(val.Data())
	default:
		return nil
	}
}

// DecodeAttributes parses a stored JSON document. Each key is decoded with
// the type given in types; keys absent from types are dropped, which lets a
// migrated schema read documents written by an older one.
func DecodeAttributes(doc string, types map[string]Type) (map[string]Value, error) {
	values := make(map[string]Value, len(types))
	if doc == "" || doc == "{}" {
		return values, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}

	for k, data := range raw {
		t, ok := types[k]
		if !ok {
			continue
		}
		v, err := decodeJSONValue(data, t)
		if err != nil {
			return nil, fmt.Errorf("decode attribute %q: %w", k, err)
		}
		if IsNull(v) {
			continue
		}
		values[k] = v
	}
	return values, nil
}

func decodeJSONValue(data []byte, t Type) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return Null{}, nil
	}

	switch t {
	case TypeString:
		if s, ok := raw.(string); ok {
			return String(s), nil
		}
	case TypeBinary:
		if s, ok := raw.(string); ok {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, err
			}
			return NewBytes(b), nil
		}
	case TypeBool:
		if b, ok := raw.(bool); ok {
			return Bool(b), nil
		}
	case TypeInt, TypeDate:
		if n, ok := raw.(json.Number); ok {
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("%s out of int64 range: %s", t, n)
			}
			if t == TypeDate {
				return Time(i), nil
			}
			return Int(i), nil
		}
	case TypeFloat:
		if n, ok := raw.(json.Number); ok {
			f, err := n.Float64()
			if err != nil {
				return nil, err
			}
			return Float(f), nil
		}
	}
	return nil, fmt.Errorf("stored %T is not a valid %s", raw, t)
}

// SQLParam converts v to the driver argument that compares equal to the
// json_extract result of its stored form.
func SQLParam(v Value) any {
	switch val := v.(type) {
	case Bool:
		// json_extract yields 1/0 for JSON booleans
		if val {
			return int64(1)
		}
		return int64(0)
	default:
		return jsonValue(v)
	}
}

// FromSQL converts a scanned SQL result (aggregate, distinct) back to a Value
// of attribute type t.
func FromSQL(x any, t Type) (Value, error) {
	switch val := x.(type) {
	case nil:
		return Null{}, nil
	case int64:
		switch t {
		case TypeInt:
			return Int(val), nil
		case TypeFloat:
			return Float(val), nil
		case TypeDate:
			return Time(val), nil
		case TypeBool:
			return Bool(val != 0), nil
		}
	case float64:
		switch t {
		case TypeFloat, TypeInt:
			return Float(val), nil
		case TypeDate:
			return Time(int64(val)), nil
		}
	case []byte:
		return FromSQL(string(val), t)
	case string:
		switch t {
		case TypeString:
			return String(val), nil
		case TypeBinary:
			b, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, fmt.Errorf("decode binary: %w", err)
			}
			return NewBytes(b), nil
		}
	}
	return nil, fmt.Errorf("cannot convert SQL %T to %s", x, t)
}
