package escalation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pyama86/siren/domain/entity"
)

// RootHash fingerprints a signal by type, source and canonical context.
// Key order, surrounding whitespace and numeric spelling (1 vs 1.0) do not change it.
func RootHash(sig entity.Signal) string {
	raw := strings.Join([]string{
		strings.TrimSpace(sig.Type),
		strings.TrimSpace(sig.Source),
		canonical(sig.Context, true),
	}, "\x1f")
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Flatten renders each top-level context value in canonical form, without type markers,
// for storage on the incident and for template substitution. When two keys trim to the same
// name the one that sorts first wins.
func Flatten(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for _, k := range sortedKeys(values) {
		tk := strings.TrimSpace(k)
		if _, ok := out[tk]; ok {
			continue
		}
		out[tk] = canonical(values[k], false)
	}
	return out
}

// sortedKeys orders keys by their trimmed form, then by the raw key, so colliding keys
// still come out in a fixed order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := strings.TrimSpace(keys[i]), strings.TrimSpace(keys[j])
		if ti != tj {
			return ti < tj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func canonical(v any, typed bool) string {
	switch t := v.(type) {
	case nil:
		if typed {
			return "null"
		}
		return ""
	case string:
		s := strings.TrimSpace(t)
		if typed {
			return strconv.Quote(s)
		}
		return s
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return formatFloat(f)
		}
		return t.String()
	case float64:
		return formatFloat(t)
	case float32:
		return formatFloat(float64(t))
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case map[string]any:
		keys := sortedKeys(t)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, strconv.Quote(strings.TrimSpace(k))+":"+canonical(t[k], true))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = val
		}
		return canonical(m, typed)
	case []any:
		parts := make([]string, 0, len(t))
		for _, val := range t {
			parts = append(parts, canonical(val, true))
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []string:
		parts := make([]string, 0, len(t))
		for _, val := range t {
			parts = append(parts, canonical(val, true))
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	s := fmt.Sprint(v)
	if typed {
		return strconv.Quote(s)
	}
	return s
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
