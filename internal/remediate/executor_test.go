package remediate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/iamsentry/internal/audit"
	"github.com/lvonguyen/iamsentry/internal/resolve"
)

// fakeTarget is a scriptable TargetClient that counts calls.
type fakeTarget struct {
	mu        sync.Mutex
	satisfied bool
	applyErrs []error // consumed one per Apply call; nil entry = success
	checkErr  error

	satisfiedCalls int
	applyCalls     int
}

func (t *fakeTarget) Satisfied(_ context.Context, _ resolve.Plan) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.satisfiedCalls++
	if t.checkErr != nil {
		return false, t.checkErr
	}
	return t.satisfied, nil
}

func (t *fakeTarget) Apply(_ context.Context, _ resolve.Plan) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyCalls++
	if len(t.applyErrs) > 0 {
		err := t.applyErrs[0]
		t.applyErrs = t.applyErrs[1:]
		if err != nil {
			return err
		}
	}
	t.satisfied = true
	return nil
}

// recordingSink counts records and optionally fails.
type recordingSink struct {
	mu       sync.Mutex
	outcomes []audit.Outcome
	err      error
}

func (s *recordingSink) Record(_ context.Context, o audit.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func testConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		RatePerSecond: 1000,
		Burst:         1000,
	}
}

func testPlan(action resolve.Action) resolve.Plan {
	return resolve.Plan{
		FindingID: "f-exec",
		Action:    action,
		TargetRef: "bucket/acme-public",
	}
}

// =============================================================================
// Idempotency Tests
// =============================================================================

// TestExecute_AlreadySatisfiedSkips verifies that a resource already in the
// action's target state yields skipped/already-satisfied with no mutating
// call.
func TestExecute_AlreadySatisfiedSkips(t *testing.T) {
	target := &fakeTarget{satisfied: true}
	sink := &recordingSink{}
	exec := NewExecutor(target, sink, testConfig(), zap.NewNop())

	outcome, err := exec.Execute(context.Background(), testPlan(resolve.ActionBlockPublicAccess))
	if err != nil {
		t.Fatalf("Execute should succeed: %v", err)
	}

	if outcome.Result != audit.ResultSkipped {
		t.Errorf("expected skipped, got %s", outcome.Result)
	}
	if outcome.Reason != audit.ReasonAlreadySatisfied {
		t.Errorf("expected reason %q, got %q", audit.ReasonAlreadySatisfied, outcome.Reason)
	}
	if target.applyCalls != 0 {
		t.Errorf("no mutating call should be made, got %d", target.applyCalls)
	}
	if sink.count() != 1 {
		t.Errorf("exactly one outcome should be recorded, got %d", sink.count())
	}
}

// TestExecute_RedeliverySkipsSecondPass verifies at-least-once delivery: the
// same plan executed again after a successful apply is a recorded no-op.
func TestExecute_RedeliverySkipsSecondPass(t *testing.T) {
	target := &fakeTarget{}
	sink := &recordingSink{}
	exec := NewExecutor(target, sink, testConfig(), zap.NewNop())
	plan := testPlan(resolve.ActionBlockPublicAccess)

	first, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("first Execute should succeed: %v", err)
	}
	second, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("second Execute should succeed: %v", err)
	}

	if first.Result != audit.ResultApplied {
		t.Errorf("first delivery should apply, got %s", first.Result)
	}
	if second.Result != audit.ResultSkipped || second.Reason != audit.ReasonAlreadySatisfied {
		t.Errorf("redelivery should skip as already satisfied, got %s/%s", second.Result, second.Reason)
	}
	if target.applyCalls != 1 {
		t.Errorf("exactly one mutating call across both deliveries, got %d", target.applyCalls)
	}
	if sink.count() != 2 {
		t.Errorf("two outcome records expected, got %d", sink.count())
	}
}

// gatedTarget sequences two concurrent executions: the second caller's state
// check blocks until the first caller's apply has landed.
type gatedTarget struct {
	mu         sync.Mutex
	applyDone  chan struct{}
	checks     int
	applyCalls int
}

func (t *gatedTarget) Satisfied(ctx context.Context, _ resolve.Plan) (bool, error) {
	t.mu.Lock()
	t.checks++
	first := t.checks == 1
	t.mu.Unlock()

	if first {
		return false, nil
	}
	// Later deliveries observe the state the first mutation produced.
	select {
	case <-t.applyDone:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (t *gatedTarget) Apply(_ context.Context, _ resolve.Plan) error {
	t.mu.Lock()
	t.applyCalls++
	t.mu.Unlock()
	close(t.applyDone)
	return nil
}

// TestExecute_ConcurrentRedelivery verifies concurrent duplicate delivery:
// at most one actual mutating call, two outcome records, one of them skipped.
func TestExecute_ConcurrentRedelivery(t *testing.T) {
	target := &gatedTarget{applyDone: make(chan struct{})}
	sink := &recordingSink{}
	exec := NewExecutor(target, sink, testConfig(), zap.NewNop())
	plan := testPlan(resolve.ActionBlockPublicAccess)

	var wg sync.WaitGroup
	results := make([]audit.Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := exec.Execute(context.Background(), plan)
			if err != nil {
				t.Errorf("Execute %d should succeed: %v", i, err)
			}
			results[i] = outcome
		}(i)
	}
	wg.Wait()

	if target.applyCalls != 1 {
		t.Errorf("at most one mutating call expected, got %d", target.applyCalls)
	}
	if sink.count() != 2 {
		t.Errorf("two outcome records expected, got %d", sink.count())
	}

	skipped := 0
	for _, o := range results {
		if o.Result == audit.ResultSkipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Errorf("exactly one delivery should be skipped, got %d", skipped)
	}
}

// =============================================================================
// Manual Review Tests
// =============================================================================

// TestExecute_ManualReviewNeverTouchesTarget verifies guidance-only plans
// produce a reporting outcome without any target call.
func TestExecute_ManualReviewNeverTouchesTarget(t *testing.T) {
	target := &fakeTarget{}
	sink := &recordingSink{}
	exec := NewExecutor(target, sink, testConfig(), zap.NewNop())

	outcome, err := exec.Execute(context.Background(), testPlan(resolve.ActionManualReview))
	if err != nil {
		t.Fatalf("Execute should succeed: %v", err)
	}

	if outcome.Result != audit.ResultSkipped || outcome.Reason != audit.ReasonManualReview {
		t.Errorf("expected skipped/manual-review, got %s/%s", outcome.Result, outcome.Reason)
	}
	if target.satisfiedCalls != 0 || target.applyCalls != 0 {
		t.Error("manual review must not call any target path")
	}
	if sink.count() != 1 {
		t.Errorf("exactly one outcome should be recorded, got %d", sink.count())
	}
}

// =============================================================================
// Retry Tests
// =============================================================================

// TestExecute_TransientFailureRetriesThenApplies verifies bounded backoff
// recovers from transient target errors.
func TestExecute_TransientFailureRetriesThenApplies(t *testing.T) {
	target := &fakeTarget{applyErrs: []error{
		fmt.Errorf("rate limited: %w", ErrTransient),
		nil,
	}}
	sink := &recordingSink{}
	exec := NewExecutor(target, sink, testConfig(), zap.NewNop())

	outcome, err := exec.Execute(context.Background(), testPlan(resolve.ActionBlockPublicAccess))
	if err != nil {
		t.Fatalf("Execute should succeed: %v", err)
	}

	if outcome.Result != audit.ResultApplied {
		t.Errorf("expected applied after retry, got %s (%s)", outcome.Result, outcome.Reason)
	}
	if target.applyCalls != 2 {
		t.Errorf("expected 2 apply attempts, got %d", target.applyCalls)
	}
	if sink.count() != 1 {
		t.Errorf("exactly one outcome despite retries, got %d", sink.count())
	}
}

// TestExecute_ExhaustedRetriesFail verifies retry exhaustion downgrades to a
// failed outcome with the last error, never a fault.
func TestExecute_ExhaustedRetriesFail(t *testing.T) {
	transient := fmt.Errorf("still throttled: %w", ErrTransient)
	target := &fakeTarget{applyErrs: []error{transient, transient, transient}}
	sink := &recordingSink{}
	exec := NewExecutor(target, sink, testConfig(), zap.NewNop())

	outcome, err := exec.Execute(context.Background(), testPlan(resolve.ActionBlockPublicAccess))
	if err != nil {
		t.Fatalf("Execute should not fault on remediation failure: %v", err)
	}

	if outcome.Result != audit.ResultFailed {
		t.Errorf("expected failed, got %s", outcome.Result)
	}
	if outcome.Reason == "" {
		t.Error("failed outcome should carry the last error reason")
	}
	if target.applyCalls != 3 {
		t.Errorf("expected MaxAttempts=3 apply attempts, got %d", target.applyCalls)
	}
	if sink.count() != 1 {
		t.Errorf("exactly one outcome despite retries, got %d", sink.count())
	}
}

// TestExecute_PermanentFailureDoesNotRetry verifies non-transient errors fail
// immediately.
func TestExecute_PermanentFailureDoesNotRetry(t *testing.T) {
	target := &fakeTarget{applyErrs: []error{errors.New("access denied")}}
	sink := &recordingSink{}
	exec := NewExecutor(target, sink, testConfig(), zap.NewNop())

	outcome, err := exec.Execute(context.Background(), testPlan(resolve.ActionDisableCredential))
	if err != nil {
		t.Fatalf("Execute should not fault: %v", err)
	}

	if outcome.Result != audit.ResultFailed {
		t.Errorf("expected failed, got %s", outcome.Result)
	}
	if target.applyCalls != 1 {
		t.Errorf("permanent errors should not be retried, got %d attempts", target.applyCalls)
	}
}

// =============================================================================
// Audit Sink Tests
// =============================================================================

// TestExecute_SinkFailurePropagates verifies that losing the audit trail is
// the one hard failure.
func TestExecute_SinkFailurePropagates(t *testing.T) {
	target := &fakeTarget{satisfied: true}
	sink := &recordingSink{err: errors.New("stream unreachable")}
	exec := NewExecutor(target, sink, testConfig(), zap.NewNop())

	_, err := exec.Execute(context.Background(), testPlan(resolve.ActionBlockPublicAccess))
	if err == nil {
		t.Fatal("Execute should propagate sink failure")
	}
}

// =============================================================================
// Transient Classification Tests
// =============================================================================

// TestTransient verifies retryable error recognition.
func TestTransient(t *testing.T) {
	if !Transient(fmt.Errorf("wrapped: %w", ErrTransient)) {
		t.Error("wrapped ErrTransient should be transient")
	}
	if Transient(errors.New("access denied")) {
		t.Error("plain errors should not be transient")
	}
	if Transient(nil) {
		t.Error("nil should not be transient")
	}
}
