package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 是否启用宽松解码（默认 true）：
	// 例如 "123" -> int64、1.0 -> int64 等。
	WeaklyTypedInput bool
	// Fail when the input carries keys the target does not declare.
	ErrorUnused bool
}

// DefaultOptions 返回默认选项。
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
	}
}

// DecodeMap decodes a generic map into T using `json` tags.
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("map is nil")
	}
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		ErrorUnused:      cfg.ErrorUnused,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			jsonNumberHook(),
			rawMessageHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return &out, nil
}

// ReadObject parses raw into a map, keeping numbers as json.Number so int64
// ids survive without float rounding.
func ReadObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("not a json object")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after json object")
	}
	return m, nil
}

// ReadString 从 map 中读取 string 字段。
func ReadString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q not string (got %T)", key, v)
	}
	return s, nil
}

// -----------------------------
// Decode Hooks
// -----------------------------

var (
	numberType = reflect.TypeOf(json.Number(""))
	rawType    = reflect.TypeOf(json.RawMessage(nil))
)

// jsonNumberHook converts json.Number into the numeric or string kind of the
// target field. Fractional values into integer fields are an error.
func jsonNumberHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from != numberType {
			return data, nil
		}
		n := data.(json.Number)
		switch to.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return strconv.ParseInt(n.String(), 10, 64)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return strconv.ParseUint(n.String(), 10, 64)
		case reflect.Float32, reflect.Float64:
			return n.Float64()
		case reflect.String:
			return n.String(), nil
		}
		return data, nil
	}
}

// rawMessageHook re-marshals nested values into json.RawMessage fields so
// opaque payloads pass through untouched.
func rawMessageHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != rawType || from == rawType {
			return data, nil
		}
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	}
}
