package finding

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedInput marks payloads that cannot yield a Finding. Events that
// fail with it are rejected and recorded, never retried by the pipeline; the
// delivery platform's own DLQ governs redelivery.
var ErrMalformedInput = errors.New("malformed finding event")

// Detector schema shapes the normalizer accepts.
const (
	schemaEventBridge = "eventbridge"
	schemaFlat        = "flat"
)

// Normalize parses an inbound detector payload into a canonical Finding.
// Two schema shapes are accepted: the EventBridge envelope emitted by the
// access-analysis service (finding fields nested under "detail") and the flat
// detector export shape. Synonymous fields are merged; everything the
// normalizer does not interpret is preserved in RawAttributes.
//
// Missing id, type, or resource reference fails fast with ErrMalformedInput;
// every other absent field defaults to its zero value.
func Normalize(payload []byte) (*Finding, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedInput, err)
	}

	if detail, ok := doc["detail"].(map[string]any); ok {
		return normalizeEventBridge(doc, detail)
	}
	return normalizeFlat(doc)
}

// normalizeEventBridge handles the event-bus envelope: finding fields live
// under "detail", with the envelope contributing account/region context.
func normalizeEventBridge(doc, detail map[string]any) (*Finding, error) {
	id := firstString(detail, "id", "findingId")
	if id == "" {
		return nil, missingField(schemaEventBridge, "id")
	}

	resource := firstString(detail, "resource", "resourceArn", "resourceRef")
	if resource == "" {
		return nil, missingField(schemaEventBridge, "resource")
	}

	typ := detailType(detail)
	if typ == "" {
		return nil, missingField(schemaEventBridge, "resourceType")
	}

	f := &Finding{
		ID:            id,
		Type:          typ,
		ResourceRef:   resource,
		DetectedAt:    firstTime(detail, "createdAt", "analyzedAt", "updatedAt"),
		RawAttributes: make(map[string]any, len(detail)+2),
	}
	if f.DetectedAt.IsZero() {
		f.DetectedAt = firstTime(doc, "time")
	}

	// The whole detail block is kept: downstream rules may need
	// detector-specific fields the normalizer does not interpret.
	for k, v := range detail {
		f.RawAttributes[k] = v
	}
	for _, k := range []string{"account", "region"} {
		if v, ok := doc[k]; ok {
			if _, taken := f.RawAttributes[k]; !taken {
				f.RawAttributes[k] = v
			}
		}
	}

	return f, nil
}

// normalizeFlat handles the flat detector export shape, tolerating the
// casing and naming variants the known detectors emit.
func normalizeFlat(doc map[string]any) (*Finding, error) {
	id := firstString(doc, "findingId", "finding_id", "id")
	if id == "" {
		return nil, missingField(schemaFlat, "findingId")
	}

	typ := firstString(doc, "findingType", "finding_type", "type")
	if typ == "" {
		return nil, missingField(schemaFlat, "findingType")
	}

	resource := firstString(doc, "resourceRef", "resource_ref", "resource", "resourceArn", "arn")
	if resource == "" {
		return nil, missingField(schemaFlat, "resourceRef")
	}

	f := &Finding{
		ID:            id,
		Type:          Type(typ),
		ResourceRef:   resource,
		DetectedAt:    firstTime(doc, "detectedAt", "detected_at", "timestamp", "time"),
		RawAttributes: make(map[string]any),
	}

	// Nested attribute maps merge first, then unconsumed top-level fields.
	for _, key := range []string{"attributes", "rawAttributes", "raw_attributes"} {
		if m, ok := doc[key].(map[string]any); ok {
			for k, v := range m {
				f.RawAttributes[k] = v
			}
		}
	}
	for k, v := range doc {
		if consumedFlatField(k) {
			continue
		}
		if _, taken := f.RawAttributes[k]; !taken {
			f.RawAttributes[k] = v
		}
	}

	return f, nil
}

// detailType derives the finding type for the EventBridge shape. An explicit
// issue code wins; otherwise the AWS resource type plus the public flag
// decide. Unrecognized values pass through untouched so the classifier can
// degrade them to manual review instead of dropping them.
func detailType(detail map[string]any) Type {
	if code := firstString(detail, "issueCode", "findingType"); code != "" {
		if t, ok := issueCodeType(code); ok {
			return t
		}
		return Type(code)
	}

	resourceType := firstString(detail, "resourceType")
	if resourceType == "" {
		return ""
	}

	isPublic, _ := detail["isPublic"].(bool)
	switch resourceType {
	case "AWS::S3::Bucket":
		if isPublic {
			return TypePublicExposure
		}
		return TypeOverPermissive
	case "AWS::IAM::Role":
		if isPublic {
			return TypePublicExposure
		}
		return TypeOverPermissive
	case "AWS::IAM::User":
		return TypeUnusedAccess
	case "AWS::KMS::Key":
		return TypeKeyMisuse
	}
	return Type(resourceType)
}

// issueCodeType maps detector issue codes onto canonical finding types.
func issueCodeType(code string) (Type, bool) {
	switch code {
	case "S3_BUCKET_PUBLIC_READ_ACCESS",
		"S3_BUCKET_PUBLIC_WRITE_ACCESS",
		"IAM_ROLE_ALLOWS_PUBLIC_ASSUMPTION",
		"IAM_POLICY_ALLOWS_PUBLIC_ACCESS":
		return TypePublicExposure, true
	case "IAM_USER_UNUSED_ACCESS_KEY",
		"IAM_USER_UNUSED_CREDENTIALS":
		return TypeUnusedAccess, true
	case "IAM_ROLE_OVERLY_PERMISSIVE":
		return TypeOverPermissive, true
	case "KMS_KEY_WITH_SYMMETRIC_ENCRYPTION",
		"KMS_KEY_ROTATION_DISABLED":
		return TypeKeyMisuse, true
	}
	if t, ok := canonicalType(code); ok {
		return t, true
	}
	return "", false
}

// canonicalType accepts canonical type strings themselves, so detectors that
// already emit them round-trip cleanly.
func canonicalType(s string) (Type, bool) {
	t := Type(strings.ToLower(s))
	if Known(t) {
		return t, true
	}
	return "", false
}

// consumedFlatField reports whether a flat-schema top-level key was merged
// into the canonical shape and should not be duplicated in RawAttributes.
func consumedFlatField(k string) bool {
	switch k {
	case "findingId", "finding_id", "id",
		"findingType", "finding_type", "type",
		"resourceRef", "resource_ref", "resource", "resourceArn", "arn",
		"detectedAt", "detected_at", "timestamp", "time",
		"attributes", "rawAttributes", "raw_attributes":
		return true
	}
	return false
}

func missingField(schema, field string) error {
	return fmt.Errorf("%w: %s schema missing required field %q", ErrMalformedInput, schema, field)
}

// firstString returns the first present, non-empty string among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstTime returns the first parseable RFC3339 timestamp among keys.
func firstTime(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		s, ok := m[k].(string)
		if !ok || s == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
