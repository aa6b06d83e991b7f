// Package finding defines the canonical finding model and the normalizer
// that converts raw detector payloads into it.
package finding

import (
	"strings"
	"time"
)

// Type enumerates the finding categories the pipeline has rules for.
type Type string

const (
	TypePublicExposure Type = "public-resource-exposure"
	TypeUnusedAccess   Type = "unused-access"
	TypeOverPermissive Type = "over-permissive-policy"
	TypeKeyMisuse      Type = "key-misuse"
)

// KnownTypes returns every finding type with configured classification and
// remediation rules. Types outside this set still flow through the pipeline
// but degrade to manual review.
func KnownTypes() []Type {
	return []Type{
		TypePublicExposure,
		TypeUnusedAccess,
		TypeOverPermissive,
		TypeKeyMisuse,
	}
}

// Known reports whether t is in the enumerated type set.
func Known(t Type) bool {
	switch t {
	case TypePublicExposure, TypeUnusedAccess, TypeOverPermissive, TypeKeyMisuse:
		return true
	}
	return false
}

// Finding is the canonical, immutable representation of a detected
// identity/access issue. It is created once by the normalizer and read-only
// for the rest of the pipeline; the only durable artifact derived from it is
// the outcome record written by the executor.
type Finding struct {
	// ID is the opaque unique identifier assigned by the source detector.
	ID string `json:"id"`

	// Type is the finding category. May carry an unrecognized detector
	// value, in which case classification degrades to LOW / manual review.
	Type Type `json:"type"`

	// ResourceRef is the fully-qualified reference to the affected
	// resource (e.g. "bucket/acme-public", "user/alice/key/AKIA...").
	ResourceRef string `json:"resource_ref"`

	// DetectedAt is when the detector observed the issue. Zero when the
	// detector did not supply a timestamp.
	DetectedAt time.Time `json:"detected_at,omitempty"`

	// RawAttributes carries every detector-specific field that is not part
	// of the canonical shape. Fields the normalizer does not interpret are
	// preserved here, never dropped.
	RawAttributes map[string]any `json:"raw_attributes,omitempty"`
}

// Attribute returns the named raw attribute as a string. Non-string and
// absent attributes yield "".
func (f *Finding) Attribute(key string) string {
	if f.RawAttributes == nil {
		return ""
	}
	if v, ok := f.RawAttributes[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// AttributeBool returns the named raw attribute as a bool. Accepts native
// booleans and the strings "true"/"false" (detectors disagree on encoding).
func (f *Finding) AttributeBool(key string) bool {
	if f.RawAttributes == nil {
		return false
	}
	switch v := f.RawAttributes[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}
