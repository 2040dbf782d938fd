package entity

import (
	"fmt"
	"strings"
)

const (
	MinSeverity = 1
	MaxSeverity = 5
)

// Signal is an inbound adverse event: a payment failure, an SLO breach, a failed emergency call.
type Signal struct {
	Type     string         `json:"type"`
	Severity int            `json:"severity"`
	Source   string         `json:"source"`
	Context  map[string]any `json:"context"`
}

func (s Signal) Validate() error {
	if strings.TrimSpace(s.Type) == "" {
		return fmt.Errorf("signal type is required")
	}
	if strings.TrimSpace(s.Source) == "" {
		return fmt.Errorf("signal source is required")
	}
	if s.Severity < MinSeverity || s.Severity > MaxSeverity {
		return fmt.Errorf("signal severity %d out of range %d-%d", s.Severity, MinSeverity, MaxSeverity)
	}
	return checkContextKeys("context", s.Context)
}

// checkContextKeys rejects maps with two keys that are equal once surrounding whitespace is
// trimmed. The fingerprint trims keys, so such a context has no single canonical form.
func checkContextKeys(path string, v any) error {
	switch t := v.(type) {
	case map[string]any:
		seen := make(map[string]string, len(t))
		for k, val := range t {
			tk := strings.TrimSpace(k)
			if other, ok := seen[tk]; ok {
				return fmt.Errorf("%s: keys %q and %q collide", path, other, k)
			}
			seen[tk] = k
			if err := checkContextKeys(path+"."+tk, val); err != nil {
				return err
			}
		}
	case map[string]string:
		seen := make(map[string]string, len(t))
		for k := range t {
			tk := strings.TrimSpace(k)
			if other, ok := seen[tk]; ok {
				return fmt.Errorf("%s: keys %q and %q collide", path, other, k)
			}
			seen[tk] = k
		}
	case []any:
		for i, val := range t {
			if err := checkContextKeys(fmt.Sprintf("%s[%d]", path, i), val); err != nil {
				return err
			}
		}
	}
	return nil
}
