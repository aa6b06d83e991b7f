// Package resolve maps classified findings to remediation plans.
//
// The (type, severity) -> action mapping is a configuration table, not code:
// built-in defaults can be overridden from YAML without touching the
// resolver, and Validate checks the table is total over the enumerated
// (type, severity) space at startup.
package resolve

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/iamsentry/internal/classify"
	"github.com/lvonguyen/iamsentry/internal/finding"
)

// ErrPolicyGap is returned by Validate when the action table has no entry
// for an enumerated (type, severity) pair.
var ErrPolicyGap = errors.New("remediation policy gap")

// Action is a concrete, idempotent corrective operation, or the explicit
// manual-review no-op.
type Action string

const (
	ActionBlockPublicAccess Action = "block-public-access"
	ActionRevokeStatement   Action = "revoke-overpermissive-statement"
	ActionDisableCredential Action = "disable-unused-credential"
	ActionManualReview      Action = "no-action-required-manual-review"
)

// Automatic reports whether the action mutates the target. Manual review is
// the only non-mutating member of the set.
func (a Action) Automatic() bool {
	return a != ActionManualReview
}

// knownActions guards rule loading against typos in configuration.
var knownActions = map[Action]bool{
	ActionBlockPublicAccess: true,
	ActionRevokeStatement:   true,
	ActionDisableCredential: true,
	ActionManualReview:      true,
}

// Plan is the single remediation decision for one finding on one pipeline
// pass: exactly one action plus non-binding human-readable guidance.
type Plan struct {
	FindingID string   `json:"finding_id"`
	Action    Action   `json:"action"`
	Guidance  []string `json:"guidance,omitempty"`
	TargetRef string   `json:"target_ref"`
}

// Rule is one configurable (type, severity) -> action entry.
type Rule struct {
	Type     finding.Type      `yaml:"type"`
	Severity classify.Severity `yaml:"severity"`
	Action   Action            `yaml:"action"`
}

// RuleSet is the YAML document shape for overriding the action table.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

type ruleKey struct {
	typ finding.Type
	sev classify.Severity
}

// Resolver holds the action table and guidance catalog.
type Resolver struct {
	actions  map[ruleKey]Action
	guidance map[finding.Type][]string
	logger   *zap.Logger
}

// NewResolver creates a resolver with the built-in default table. The
// defaults encode the policy asymmetry: HIGH severity on an auto-remediable
// type resolves to the automatic action, MEDIUM/LOW on the same type to
// guidance-only manual review. Automatic remediation on borderline findings
// risks breaking legitimate access.
func NewResolver(logger *zap.Logger) *Resolver {
	r := &Resolver{
		actions:  make(map[ruleKey]Action),
		guidance: defaultGuidance(),
		logger:   logger,
	}
	for _, rule := range defaultRules() {
		r.actions[ruleKey{rule.Type, rule.Severity}] = rule.Action
	}
	return r
}

// defaultRules enumerates the built-in action table.
func defaultRules() []Rule {
	return []Rule{
		{finding.TypePublicExposure, classify.SeverityHigh, ActionBlockPublicAccess},
		{finding.TypePublicExposure, classify.SeverityMedium, ActionManualReview},
		{finding.TypePublicExposure, classify.SeverityLow, ActionManualReview},

		{finding.TypeOverPermissive, classify.SeverityHigh, ActionRevokeStatement},
		{finding.TypeOverPermissive, classify.SeverityMedium, ActionManualReview},
		{finding.TypeOverPermissive, classify.SeverityLow, ActionManualReview},

		{finding.TypeUnusedAccess, classify.SeverityHigh, ActionDisableCredential},
		{finding.TypeUnusedAccess, classify.SeverityMedium, ActionManualReview},
		{finding.TypeUnusedAccess, classify.SeverityLow, ActionManualReview},

		// Key policy changes are never applied automatically: there is no
		// single safe post-condition to converge on.
		{finding.TypeKeyMisuse, classify.SeverityHigh, ActionManualReview},
		{finding.TypeKeyMisuse, classify.SeverityMedium, ActionManualReview},
		{finding.TypeKeyMisuse, classify.SeverityLow, ActionManualReview},
	}
}

// LoadRules overrides table entries from a YAML rule set. Entries not named
// in the document keep their current action.
func (r *Resolver) LoadRules(data []byte) error {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("parsing rule set: %w", err)
	}
	for i, rule := range set.Rules {
		if !knownActions[rule.Action] {
			return fmt.Errorf("rule %d: unknown action %q", i, rule.Action)
		}
		if rule.Type == "" || rule.Severity == "" {
			return fmt.Errorf("rule %d: type and severity are required", i)
		}
		r.actions[ruleKey{rule.Type, rule.Severity}] = rule.Action
	}
	return nil
}

// Validate checks the table is total over the enumerated (type, severity)
// space. Run at startup so gaps surface as configuration defects before the
// first finding arrives.
func (r *Resolver) Validate() error {
	for _, t := range finding.KnownTypes() {
		for _, s := range classify.Severities() {
			if _, ok := r.actions[ruleKey{t, s}]; !ok {
				return fmt.Errorf("%w: no action for (%s, %s)", ErrPolicyGap, t, s)
			}
		}
	}
	return nil
}

// Resolve returns exactly one plan for the finding at the given severity.
// A missing table entry is a policy gap: logged at high severity and
// resolved to manual review, never a failed invocation.
func (r *Resolver) Resolve(f *finding.Finding, sev classify.Severity) Plan {
	action, ok := r.actions[ruleKey{f.Type, sev}]
	if !ok {
		action = ActionManualReview
		if finding.Known(f.Type) {
			// A gap inside the enumerated space means Validate was
			// skipped or the table was mutated: configuration defect.
			r.logger.Error("policy gap: no configured action, defaulting to manual review",
				zap.String("finding_type", string(f.Type)),
				zap.String("severity", string(sev)),
				zap.String("finding_id", f.ID),
			)
		} else {
			r.logger.Warn("unclassified finding type routed to manual review",
				zap.String("finding_type", string(f.Type)),
				zap.String("finding_id", f.ID),
			)
		}
	}

	return Plan{
		FindingID: f.ID,
		Action:    action,
		Guidance:  r.guidance[f.Type],
		TargetRef: f.ResourceRef,
	}
}

// defaultGuidance carries the per-type advisory text surfaced alongside
// every plan. Guidance is non-binding; it never drives execution.
func defaultGuidance() map[finding.Type][]string {
	return map[finding.Type][]string{
		finding.TypePublicExposure: {
			"Remove public statements from the resource policy",
			"Enable block-public-access settings on the resource",
			"Restrict principals with explicit conditions instead of wildcards",
		},
		finding.TypeOverPermissive: {
			"Reduce the attached permissions to the principle of least privilege",
			"Replace wildcard resources with specific ARNs",
			"Prefer managed policies scoped to the workload",
		},
		finding.TypeUnusedAccess: {
			"Delete or deactivate unused access keys",
			"Adopt short-lived role credentials instead of long-lived keys",
			"Enforce a credential rotation policy",
		},
		finding.TypeKeyMisuse: {
			"Review the key policy for public or cross-account access",
			"Enable automatic key rotation",
			"Audit recent usage of the key before changing its policy",
		},
	}
}
