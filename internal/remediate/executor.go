// Package remediate applies resolved remediation plans against live targets.
//
// The executor is safe under at-least-once, possibly concurrent delivery:
// every mutating action first re-reads target state and compares it against
// the action's post-condition, so repeated delivery of the same finding never
// double-applies a destructive action nor errors on a no-op. Idempotency
// substitutes for locking; no coordination service is involved.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/iamsentry/internal/audit"
	"github.com/lvonguyen/iamsentry/internal/resolve"
)

// ErrTransient marks target errors worth retrying. Target implementations
// wrap rate-limit and eventual-consistency failures with it; AWS throttling
// codes are recognized directly.
var ErrTransient = errors.New("transient target error")

// TargetClient reads and mutates the remediation target. Implementations
// must make Apply converge on the action's post-condition; Satisfied reports
// whether that post-condition already holds.
type TargetClient interface {
	Satisfied(ctx context.Context, plan resolve.Plan) (bool, error)
	Apply(ctx context.Context, plan resolve.Plan) error
}

// Config holds executor settings.
type Config struct {
	// MaxAttempts caps retries of a transiently failing mutation.
	MaxAttempts uint `yaml:"max_attempts"`
	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay bounds a single backoff interval.
	MaxDelay time.Duration `yaml:"max_delay"`
	// RatePerSecond limits mutating calls against the control plane.
	RatePerSecond float64 `yaml:"rate_per_second"`
	// Burst is the mutation rate limiter burst size.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   4,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		RatePerSecond: 5,
		Burst:         5,
	}
}

// Executor applies plans and records one outcome per invocation.
type Executor struct {
	target  TargetClient
	sink    audit.Sink
	limiter *rate.Limiter
	config  Config
	logger  *zap.Logger
}

// NewExecutor creates an executor writing outcomes to sink.
func NewExecutor(target TargetClient, sink audit.Sink, cfg Config, logger *zap.Logger) *Executor {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Executor{
		target:  target,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		config:  cfg,
		logger:  logger,
	}
}

// Execute applies one plan and records exactly one outcome. The returned
// error is non-nil only when the outcome could not be recorded; a failed
// remediation is reported through the outcome itself so one finding's
// failure never blocks processing of others.
func (e *Executor) Execute(ctx context.Context, plan resolve.Plan) (audit.Outcome, error) {
	outcome := e.run(ctx, plan)
	if err := e.sink.Record(ctx, outcome); err != nil {
		return outcome, fmt.Errorf("recording outcome for finding %s: %w", plan.FindingID, err)
	}
	return outcome, nil
}

func (e *Executor) run(ctx context.Context, plan resolve.Plan) audit.Outcome {
	// Manual-review plans never touch a mutation path; the outcome exists
	// purely for reporting.
	if !plan.Action.Automatic() {
		return e.outcome(plan, audit.ResultSkipped, audit.ReasonManualReview)
	}

	var skipped bool
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			ok, err := e.target.Satisfied(ctx, plan)
			if err != nil {
				return fmt.Errorf("reading target state: %w", err)
			}
			if ok {
				skipped = true
				return nil
			}

			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
			return e.target.Apply(ctx, plan)
		},
		retry.Attempts(e.config.MaxAttempts),
		retry.Delay(e.config.BaseDelay),
		retry.MaxDelay(e.config.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(Transient),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("retrying remediation",
				zap.String("finding_id", plan.FindingID),
				zap.String("action", string(plan.Action)),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)

	switch {
	case err != nil:
		e.logger.Error("remediation failed",
			zap.String("finding_id", plan.FindingID),
			zap.String("action", string(plan.Action)),
			zap.String("target_ref", plan.TargetRef),
			zap.Error(err),
		)
		return e.outcome(plan, audit.ResultFailed, err.Error())
	case skipped:
		return e.outcome(plan, audit.ResultSkipped, audit.ReasonAlreadySatisfied)
	default:
		e.logger.Info("remediation applied",
			zap.String("finding_id", plan.FindingID),
			zap.String("action", string(plan.Action)),
			zap.String("target_ref", plan.TargetRef),
		)
		return e.outcome(plan, audit.ResultApplied, "")
	}
}

func (e *Executor) outcome(plan resolve.Plan, result audit.Result, reason string) audit.Outcome {
	return audit.NewOutcome(plan.FindingID, string(plan.Action), plan.TargetRef, result, reason)
}

// Transient reports whether err is worth retrying: either wrapped in
// ErrTransient or carrying an AWS throttling / availability error code.
func Transient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling",
			"ThrottlingException",
			"TooManyRequestsException",
			"RequestLimitExceeded",
			"ServiceUnavailable",
			"SlowDown":
			return true
		}
	}
	return false
}
