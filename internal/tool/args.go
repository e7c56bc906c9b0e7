package tool

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StringArg 读取字符串参数，缺失或为空时返回 def。
func StringArg(args map[string]any, key, def string) string {
	raw, ok := args[key]
	if !ok || raw == nil {
		return def
	}
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}

// FloatArg 读取数字参数，兼容模型以字符串形式给出的数字。
func FloatArg(args map[string]any, key string, def float64) (float64, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		if strings.TrimSpace(v) == "" {
			return def, nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("argument %s: %q is not a number", key, v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("argument %s: unsupported type %T", key, raw)
	}
}

// IntArg 读取整数参数。
func IntArg(args map[string]any, key string, def int) (int, error) {
	value, err := FloatArg(args, key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(value), nil
}
