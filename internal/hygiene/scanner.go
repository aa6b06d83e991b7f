// Package hygiene implements the scheduled credential hygiene scan: every
// long-lived credential older than the age threshold is deactivated. The
// transition is one-directional; nothing in this system ever reactivates a
// credential.
package hygiene

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/iamsentry/internal/audit"
	"github.com/lvonguyen/iamsentry/internal/resolve"
)

// Status of a long-lived credential.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
)

// Credential is one long-lived credential considered by the scan.
type Credential struct {
	OwnerID      string     `json:"owner_id"`
	CredentialID string     `json:"credential_id"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	Status       Status     `json:"status"`
}

// Ref is the fully-qualified target reference for the credential, in the
// same shape the remediation executor uses.
func (c Credential) Ref() string {
	return fmt.Sprintf("user/%s/key/%s", c.OwnerID, c.CredentialID)
}

// Directory enumerates and mutates credentials in the governed accounts.
type Directory interface {
	ListCredentials(ctx context.Context) ([]Credential, error)
	DeactivateCredential(ctx context.Context, ownerID, credentialID string) error
}

// Config holds scanner settings.
type Config struct {
	// MaxAge is the staleness threshold. Age is measured from creation,
	// not last use: the policy bounds the blast radius of any single
	// long-lived secret regardless of activity. Strictly greater-than:
	// a credential at exactly MaxAge is untouched.
	MaxAge time.Duration `yaml:"max_age"`

	// Workers bounds the deactivation pool. Credentials are disjoint
	// resources, so deactivations parallelize freely.
	Workers int `yaml:"workers"`
}

// DefaultConfig returns the 90-day policy default.
func DefaultConfig() Config {
	return Config{
		MaxAge:  90 * 24 * time.Hour,
		Workers: 4,
	}
}

// Report summarizes one scan run. One outcome is recorded per credential
// considered, including untouched ones, so "no credentials required action"
// is distinguishable from "scan did not run".
type Report struct {
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	Considered  int       `json:"considered"`
	Deactivated int       `json:"deactivated"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`

	// FullySuccessful is true only if every deactivation attempt either
	// succeeded or was a no-op.
	FullySuccessful bool `json:"fully_successful"`
}

// Scanner runs the credential hygiene pass.
type Scanner struct {
	dir    Directory
	sink   audit.Sink
	config Config
	logger *zap.Logger

	// now is swapped in tests to pin the clock.
	now func() time.Time
}

// NewScanner creates a scanner writing outcomes to sink.
func NewScanner(dir Directory, sink audit.Sink, cfg Config, logger *zap.Logger) *Scanner {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Scanner{
		dir:    dir,
		sink:   sink,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes one scan pass. Failure to deactivate one credential is logged
// and does not abort the rest of the scan; the returned error is non-nil
// only when enumeration fails or the audit sink is unreachable.
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	report := Report{Started: s.now().UTC()}

	creds, err := s.dir.ListCredentials(ctx)
	if err != nil {
		return report, fmt.Errorf("enumerating credentials: %w", err)
	}
	report.Considered = len(creds)

	var (
		mu       sync.Mutex
		sinkErrs []error
		wg       sync.WaitGroup
		work     = make(chan Credential)
	)

	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cred := range work {
				outcome := s.consider(ctx, cred)

				mu.Lock()
				switch {
				case outcome.Result == audit.ResultApplied:
					report.Deactivated++
				case outcome.Result == audit.ResultFailed:
					report.Failed++
				default:
					report.Skipped++
				}
				if err := s.sink.Record(ctx, outcome); err != nil {
					sinkErrs = append(sinkErrs, err)
				}
				mu.Unlock()
			}
		}()
	}

	for _, cred := range creds {
		work <- cred
	}
	close(work)
	wg.Wait()

	report.Finished = s.now().UTC()
	report.FullySuccessful = report.Failed == 0 && len(sinkErrs) == 0

	if len(sinkErrs) > 0 {
		// Losing the audit trail is the one hard failure.
		return report, fmt.Errorf("recording scan outcomes: %w", sinkErrs[0])
	}

	s.logger.Info("hygiene scan finished",
		zap.Int("considered", report.Considered),
		zap.Int("deactivated", report.Deactivated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// consider evaluates one credential against the age policy and returns its
// outcome record.
func (s *Scanner) consider(ctx context.Context, cred Credential) audit.Outcome {
	action := string(resolve.ActionDisableCredential)

	if cred.Status == StatusDeactivated {
		// Idempotent across repeated daily runs.
		return audit.NewOutcome(cred.CredentialID, action, cred.Ref(),
			audit.ResultSkipped, audit.ReasonAlreadySatisfied)
	}

	age := s.now().Sub(cred.CreatedAt)
	if age <= s.config.MaxAge {
		return audit.NewOutcome(cred.CredentialID, action, cred.Ref(),
			audit.ResultSkipped, audit.ReasonWithinThreshold)
	}

	if err := s.dir.DeactivateCredential(ctx, cred.OwnerID, cred.CredentialID); err != nil {
		s.logger.Error("credential deactivation failed",
			zap.String("owner_id", cred.OwnerID),
			zap.String("credential_id", cred.CredentialID),
			zap.Error(err),
		)
		return audit.NewOutcome(cred.CredentialID, action, cred.Ref(),
			audit.ResultFailed, err.Error())
	}

	s.logger.Info("stale credential deactivated",
		zap.String("owner_id", cred.OwnerID),
		zap.String("credential_id", cred.CredentialID),
		zap.Duration("age", age),
	)
	return audit.NewOutcome(cred.CredentialID, action, cred.Ref(),
		audit.ResultApplied, "stale-credential")
}
