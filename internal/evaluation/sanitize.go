package evaluation

import (
	"encoding/json"
	"strings"
)

// SanitizeString は改行・タブ以外の制御文字を取り除きます。
func SanitizeString(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r >= 0x20 && r <= 0x7e:
			return r
		case r >= 0xa0:
			return r
		default:
			return -1
		}
	}, s)
}

// Sanitize は JSON 内のすべての文字列値に SanitizeString を適用します。
func Sanitize(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(sanitizeValue(v))
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val)
		}
		return out
	case string:
		return SanitizeString(t)
	default:
		return v
	}
}
