package configutil

import (
	"sort"
	"strings"
)

// Schema defines required and optional keys for a settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError lists the keys that failed validation.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings validates a vendor settings map against a schema.
// Keys are normalized to be case/underscore/hyphen insensitive.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	out := &SettingsError{}
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			out.Unknown = append(out.Unknown, k)
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			out.Missing = append(out.Missing, reqKey)
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			out.Missing = append(out.Missing, reqKey)
		}
	}

	if len(out.Missing) == 0 && len(out.Unknown) == 0 {
		return nil
	}
	sort.Strings(out.Missing)
	sort.Strings(out.Unknown)
	return out
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
