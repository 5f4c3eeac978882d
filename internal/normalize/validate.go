package normalize

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"nsready/internal/model"
)

const (
	minQuality = 0
	maxQuality = 255
)

// ValidationError names the first event field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks the field-level rules of a NormalizedEvent. Identifiers
// are format-checked only; device existence is enforced by storage.
func Validate(ev model.NormalizedEvent) error {
	if strings.TrimSpace(ev.ProjectID) == "" {
		return invalid("project_id", "project_id is required")
	}
	if strings.TrimSpace(ev.SiteID) == "" {
		return invalid("site_id", "site_id is required")
	}
	if strings.TrimSpace(ev.DeviceID) == "" {
		return invalid("device_id", "device_id is required")
	}
	if len(ev.Metrics) == 0 {
		return invalid("metrics", "metrics array must contain at least one metric")
	}
	if strings.TrimSpace(ev.Protocol) == "" {
		return invalid("protocol", "protocol is required")
	}
	if ev.SourceTimestamp == nil || ev.SourceTimestamp.IsZero() {
		return invalid("source_timestamp", "source_timestamp is required")
	}
	for _, f := range []struct{ name, value string }{
		{"project_id", ev.ProjectID},
		{"site_id", ev.SiteID},
		{"device_id", ev.DeviceID},
	} {
		if !canonicalUUID(f.value) {
			return invalid(f.name, fmt.Sprintf("%s must be a valid UUID: %s", f.name, f.value))
		}
	}
	if !storable(ev.Protocol) {
		return invalid("protocol", unstorable)
	}
	if ev.ConfigVersion != nil && !storable(*ev.ConfigVersion) {
		return invalid("config_version", unstorable)
	}
	if ev.EventID != nil && !storable(*ev.EventID) {
		return invalid("event_id", unstorable)
	}
	for i, m := range ev.Metrics {
		if strings.TrimSpace(m.ParameterKey) == "" {
			return invalid(fmt.Sprintf("metrics[%d].parameter_key", i), "parameter_key is required")
		}
		if !storable(m.ParameterKey) {
			return invalid(fmt.Sprintf("metrics[%d].parameter_key", i), unstorable)
		}
		if !storableValue(m.Attributes) {
			return invalid(fmt.Sprintf("metrics[%d].attributes", i), unstorable)
		}
		if m.Quality < minQuality || m.Quality > maxQuality {
			return invalid(fmt.Sprintf("metrics[%d].quality", i), fmt.Sprintf("quality must be between %d and %d", minQuality, maxQuality))
		}
	}
	return nil
}

const unstorable = "must be valid UTF-8 without NUL characters"

// canonicalUUID accepts only the 36 character hyphenated form. uuid.Parse
// also takes urn:uuid: and braced forms, which the database rejects.
func canonicalUUID(v string) bool {
	if len(v) != 36 {
		return false
	}
	_, err := uuid.Parse(v)
	return err == nil
}

func storable(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// storableValue walks decoded JSON and checks every string, keys included.
func storableValue(v any) bool {
	switch t := v.(type) {
	case string:
		return storable(t)
	case map[string]any:
		for k, val := range t {
			if !storable(k) || !storableValue(val) {
				return false
			}
		}
	case []any:
		for _, val := range t {
			if !storableValue(val) {
				return false
			}
		}
	}
	return true
}
