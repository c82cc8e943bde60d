package decode

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"
	"time"

	"PChat/tools/errs"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 宽松解码（默认 true）："123" -> int、json.Number -> int64 等
	WeaklyTypedInput bool
}

func DefaultOptions() Options {
	return Options{WeaklyTypedInput: true}
}

// JSONMap 解 JSON 为 map，数字保留为 json.Number，雪花 ID 不丢精度
func JSONMap(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errs.ErrArgs.WrapMsg("decode json", "err", err.Error())
	}
	return m, nil
}

// Map 将 map 解码到任意结构体 T，字段按 `json` tag 匹配
func Map[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, errs.ErrArgs.WrapMsg("map is nil")
	}
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			floatToIntHook(),
		),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "new decoder")
	}
	if err := dec.Decode(m); err != nil {
		return nil, errs.ErrArgs.WrapMsg("decode struct", "err", err.Error())
	}
	return &out, nil
}

// JSON = JSONMap + Map
func JSON[T any](b []byte, opts ...Options) (*T, error) {
	m, err := JSONMap(b)
	if err != nil {
		return nil, err
	}
	return Map[T](m, opts...)
}

// ReadString 读取 string 字段
func ReadString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", errs.ErrArgs.WrapMsg("missing field", "key", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.ErrArgs.WrapMsg("field not string", "key", key)
	}
	return s, nil
}

// ReadInt64 读取整数（兼容 json.Number / float64 / 数字字符串）
func ReadInt64(m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, errs.ErrArgs.WrapMsg("missing field", "key", key)
	}
	switch t := v.(type) {
	case json.Number:
		return t.Int64()
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, errs.ErrArgs.WrapMsg("field not int64", "key", key)
		}
		return n, nil
	default:
		return 0, errs.ErrArgs.WrapMsg("field not number", "key", key)
	}
}

// floatToIntHook 把 float64 自动转为 int / int32 / int64
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		}
		return data, nil
	}
}
