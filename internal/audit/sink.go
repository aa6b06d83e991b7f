// Package audit provides the append-only outcome record and the sinks it is
// written to. Outcomes are the only durable artifact the pipeline produces;
// operators observe the system exclusively through them.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Result is the terminal state of one remediation attempt.
type Result string

const (
	ResultApplied Result = "applied"
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
)

// Well-known outcome reasons.
const (
	ReasonAlreadySatisfied = "already-satisfied"
	ReasonManualReview     = "manual-review"
	ReasonWithinThreshold  = "within-threshold"
)

// Outcome is one append-only audit entry describing what the pipeline did,
// or chose not to do, for a single finding or credential. For a given
// (FindingID, Action) pair re-execution never produces a conflicting
// duplicate side effect; at most one record per pair carries ResultApplied
// with an actual mutation behind it.
type Outcome struct {
	// ID uniquely identifies this record, not the finding; redeliveries of
	// the same finding produce distinct records.
	ID        string    `json:"id"`
	FindingID string    `json:"finding_id"`
	Action    string    `json:"action"`
	TargetRef string    `json:"target_ref"`
	Result    Result    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewOutcome builds a record with a fresh ID and timestamp.
func NewOutcome(findingID, action, targetRef string, result Result, reason string) Outcome {
	return Outcome{
		ID:        uuid.NewString(),
		FindingID: findingID,
		Action:    action,
		TargetRef: targetRef,
		Result:    result,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// Sink records outcomes. Record must be called exactly once per outcome per
// invocation. A Record error is the one condition that propagates as a hard
// failure to the invoking platform: losing the audit trail defeats the
// system's purpose.
type Sink interface {
	Record(ctx context.Context, o Outcome) error
}

// LogSink writes outcomes to the structured log, one record per outcome.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record emits one structured log entry. It never fails.
func (s *LogSink) Record(_ context.Context, o Outcome) error {
	s.logger.Info("remediation outcome",
		zap.String("outcome_id", o.ID),
		zap.String("finding_id", o.FindingID),
		zap.String("action", o.Action),
		zap.String("target_ref", o.TargetRef),
		zap.String("result", string(o.Result)),
		zap.String("reason", o.Reason),
		zap.Time("timestamp", o.Timestamp),
	)
	return nil
}

// StreamSink appends outcomes to a Redis stream for external observability
// consumers. The stream is append-only; nothing in this process ever reads
// it back or trims it.
type StreamSink struct {
	client *redis.Client
	stream string
}

// NewStreamSink creates a sink appending to the named stream.
func NewStreamSink(client *redis.Client, stream string) *StreamSink {
	return &StreamSink{client: client, stream: stream}
}

// Record appends one entry via XADD.
func (s *StreamSink) Record(ctx context.Context, o Outcome) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: streamValues(o),
	}).Err()
	if err != nil {
		return fmt.Errorf("audit stream append failed: %w", err)
	}
	return nil
}

func streamValues(o Outcome) map[string]any {
	return map[string]any{
		"id":         o.ID,
		"finding_id": o.FindingID,
		"action":     o.Action,
		"target_ref": o.TargetRef,
		"result":     string(o.Result),
		"reason":     o.Reason,
		"timestamp":  o.Timestamp.Format(time.RFC3339Nano),
	}
}

// MultiSink fans one outcome out to several sinks. Every sink is attempted
// even when an earlier one fails, so a reachable sink still gets the record.
type MultiSink []Sink

// Record writes to every sink and joins the errors.
func (m MultiSink) Record(ctx context.Context, o Outcome) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
