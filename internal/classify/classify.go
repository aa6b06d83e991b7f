// Package classify assigns severity tiers to findings.
//
// Severity is computed from a fixed decision table keyed by finding type,
// with per-type refinements over the finding's raw attributes. The table is
// the single source of truth: exactly one rule exists per type, so no two
// rules can disagree on the same (type, attribute) combination.
package classify

import (
	"strings"

	"github.com/lvonguyen/iamsentry/internal/finding"
)

// Severity is the risk tier assigned to a finding.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Severities returns every tier, highest first.
func Severities() []Severity {
	return []Severity{SeverityHigh, SeverityMedium, SeverityLow}
}

// ReasonUnclassified annotates findings whose type has no classification
// rule. They degrade to LOW and manual review rather than erroring, so novel
// detector types are surfaced instead of silently dropped.
const ReasonUnclassified = "unclassified-type"

// Classification pairs a finding with its derived severity. It is never
// stored independently; it exists only in flight between the classifier and
// the resolver.
type Classification struct {
	Finding  *finding.Finding `json:"finding"`
	Severity Severity         `json:"severity"`
	Reason   string           `json:"reason"`
}

// rule refines the severity for one finding type from its attributes.
type rule func(f *finding.Finding) (Severity, string)

// decisionTable holds one rule per enumerated finding type.
var decisionTable = map[finding.Type]rule{
	finding.TypePublicExposure: classifyPublicExposure,
	finding.TypeUnusedAccess:   classifyUnusedAccess,
	finding.TypeOverPermissive: classifyOverPermissive,
	finding.TypeKeyMisuse:      classifyKeyMisuse,
}

// Classify is a pure function from Finding to severity tier. Unrecognized
// types classify as LOW with ReasonUnclassified, never an error.
func Classify(f *finding.Finding) Classification {
	r, ok := decisionTable[f.Type]
	if !ok {
		return Classification{Finding: f, Severity: SeverityLow, Reason: ReasonUnclassified}
	}
	sev, reason := r(f)
	return Classification{Finding: f, Severity: sev, Reason: reason}
}

// classifyPublicExposure: exposure of a production-facing resource is HIGH;
// the same finding on an internal-only resource is MEDIUM. With no tag to go
// on, public exposure defaults to HIGH.
func classifyPublicExposure(f *finding.Finding) (Severity, string) {
	tag := resourceTag(f)
	switch {
	case strings.Contains(tag, "internal"), strings.Contains(tag, "sandbox"):
		return SeverityMedium, "internal-resource-exposure"
	case strings.Contains(tag, "production"):
		return SeverityHigh, "production-facing-exposure"
	default:
		return SeverityHigh, "public-exposure"
	}
}

// classifyUnusedAccess: stale access is MEDIUM unless the principal is
// already inactive, in which case only cleanup remains.
func classifyUnusedAccess(f *finding.Finding) (Severity, string) {
	status := strings.ToLower(f.Attribute("status"))
	if status == "inactive" || status == "archived" {
		return SeverityLow, "access-already-inactive"
	}
	return SeverityMedium, "stale-access"
}

// classifyOverPermissive: wildcard grants are HIGH, scoped ones MEDIUM.
func classifyOverPermissive(f *finding.Finding) (Severity, string) {
	if hasWildcardGrant(f) {
		return SeverityHigh, "wildcard-grant"
	}
	return SeverityMedium, "scoped-overbroad-grant"
}

// classifyKeyMisuse: publicly reachable key material is HIGH, the rest is
// configuration drift at MEDIUM.
func classifyKeyMisuse(f *finding.Finding) (Severity, string) {
	if f.AttributeBool("isPublic") || f.AttributeBool("public") {
		return SeverityHigh, "publicly-accessible-key"
	}
	return SeverityMedium, "key-configuration-drift"
}

// hasWildcardGrant reports whether the finding's policy attributes grant a
// wildcard action or principal.
func hasWildcardGrant(f *finding.Finding) bool {
	if f.Attribute("principal") == "*" {
		return true
	}
	for _, key := range []string{"action", "actions"} {
		switch v := f.RawAttributes[key].(type) {
		case string:
			if strings.Contains(v, "*") {
				return true
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && strings.Contains(s, "*") {
					return true
				}
			}
		}
	}
	return false
}

// resourceTag extracts the resource tag attribute, tolerating the field
// names the known detectors use.
func resourceTag(f *finding.Finding) string {
	for _, key := range []string{"tagged", "tag", "environment"} {
		if v := f.Attribute(key); v != "" {
			return strings.ToLower(v)
		}
	}
	return ""
}
