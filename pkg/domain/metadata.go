package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type MetaType string

const (
	MetaString MetaType = "STRING"
	MetaInt    MetaType = "INT"
	MetaFloat  MetaType = "FLOAT"
	MetaBool   MetaType = "BOOL"
	MetaDate   MetaType = "DATE"
)

// MetaValue is a typed metadata value in canonical string form.
type MetaValue struct {
	Type  MetaType `json:"type"`
	Value string   `json:"value"`
}

// Metadata is the explicit typed key-value map carried by contracts.
// Values are validated against the per-type rules at write time, never
// interpreted reflectively.
type Metadata map[string]MetaValue

var reMetaKey = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

func (m Metadata) Validate() error {
	for k, v := range m {
		if !reMetaKey.MatchString(k) {
			return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("bad key %q", k)}
		}
		if err := validateMetaValue(k, v); err != nil {
			return err
		}
	}
	return nil
}

func validateMetaValue(key string, v MetaValue) error {
	switch v.Type {
	case MetaString:
		if len(v.Value) > 4096 {
			return &ValidationError{Field: "metadata." + key, Reason: "string too long"}
		}
	case MetaInt:
		if _, err := strconv.ParseInt(v.Value, 10, 64); err != nil {
			return &ValidationError{Field: "metadata." + key, Reason: "not an integer"}
		}
	case MetaFloat:
		if _, err := strconv.ParseFloat(v.Value, 64); err != nil {
			return &ValidationError{Field: "metadata." + key, Reason: "not a number"}
		}
	case MetaBool:
		if v.Value != "true" && v.Value != "false" {
			return &ValidationError{Field: "metadata." + key, Reason: "not a boolean"}
		}
	case MetaDate:
		if _, err := time.Parse("2006-01-02", v.Value); err != nil {
			return &ValidationError{Field: "metadata." + key, Reason: "not an ISO date"}
		}
	default:
		return &ValidationError{Field: "metadata." + key, Reason: "unknown value type"}
	}
	return nil
}

// Clone returns a copy safe to mutate independently.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
