// Package stats keeps running totals of the verdicts sent to clients. The
// totals are observational only and never feed back into a decision.
package stats

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/plantid/internal/retry"
)

const (
	// VerdictsKey is the Redis hash holding one counter per accepted label
	// plus RejectedField.
	VerdictsKey   = "plantid:verdicts"
	RejectedField = "rejected"
	// FailedField counts sessions that ended without a response.
	FailedField = "failed"
)

// Recorder increments verdict counters.
type Recorder struct {
	counter Counter
	logger  *zap.Logger
	policy  retry.Policy
}

// NewRecorder constructs a recorder on top of counter.
func NewRecorder(counter Counter, logger *zap.Logger) *Recorder {
	return &Recorder{
		counter: counter,
		logger:  logger.Named("stats_recorder"),
		policy:  retry.DefaultPolicy,
	}
}

// RecordAccepted counts an accepted verdict for label.
func (r *Recorder) RecordAccepted(ctx context.Context, sessionID, label string) error {
	return r.incr(ctx, sessionID, label)
}

// RecordRejected counts a below-threshold verdict.
func (r *Recorder) RecordRejected(ctx context.Context, sessionID string) error {
	return r.incr(ctx, sessionID, RejectedField)
}

// RecordFailed counts a session that closed without a verdict.
func (r *Recorder) RecordFailed(ctx context.Context, sessionID string) error {
	return r.incr(ctx, sessionID, FailedField)
}

func (r *Recorder) incr(ctx context.Context, sessionID, field string) error {
	return r.policy.Do(ctx, r.logger, "stats.incr", sessionID, func() error {
		return r.counter.HIncrBy(ctx, VerdictsKey, field, 1)
	})
}

// Counts returns the current counters.
func (r *Recorder) Counts(ctx context.Context) (map[string]int64, error) {
	var raw map[string]string
	err := r.policy.Do(ctx, r.logger, "stats.counts", "", func() error {
		var err error
		raw, err = r.counter.HGetAll(ctx, VerdictsKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", field, err)
		}
		counts[field] = n
	}
	return counts, nil
}
