// ABOUTME: Typed accessors over loosely typed task payloads
// ABOUTME: Missing required values become task.ValidationError

package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389/coven-agent/internal/task"
)

type params map[string]any

func (p params) str(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// require returns a ValidationError for the first key with no value.
func (p params) require(keys ...string) error {
	for _, k := range keys {
		if p.str(k) == "" {
			return task.Invalid(k, "is required")
		}
	}
	return nil
}

func (p params) number(key string, def float64) (float64, error) {
	switch v := p[key].(type) {
	case nil:
		return def, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, task.Invalid(key, "must be a number")
		}
		return f, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, task.Invalid(key, "must be a number")
		}
		return f, nil
	default:
		return 0, task.Invalid(key, "must be a number")
	}
}

func (p params) strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" && item != nil {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func (p params) object(key string) params {
	if m, ok := p[key].(map[string]any); ok {
		return params(m)
	}
	return nil
}

func (p params) objects(key string) []params {
	switch v := p[key].(type) {
	case []map[string]any:
		out := make([]params, len(v))
		for i, m := range v {
			out[i] = params(m)
		}
		return out
	case []any:
		out := make([]params, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, params(m))
			}
		}
		return out
	}
	return nil
}
