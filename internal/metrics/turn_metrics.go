package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("pipeline-builder")

// TurnMetrics records session and turn activity. A nil *TurnMetrics is a
// valid no-op recorder.
type TurnMetrics struct {
	turnsStartedCounter   metric.Int64Counter
	turnsCompletedCounter metric.Int64Counter
	turnsFailedCounter    metric.Int64Counter
	turnsDiscardedCounter metric.Int64Counter
	turnDurationHistogram metric.Float64Histogram
	thoughtsCounter       metric.Int64Counter
	decodeErrorsCounter   metric.Int64Counter
	sessionsActiveGauge   metric.Int64UpDownCounter
}

// NewTurnMetrics creates the turn instruments on the global meter provider
func NewTurnMetrics() (*TurnMetrics, error) {
	turnsStartedCounter, err := meter.Int64Counter(
		"pipeline_builder.turns.started",
		metric.WithDescription("Total number of turns handed to the proposer"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	turnsCompletedCounter, err := meter.Int64Counter(
		"pipeline_builder.turns.completed",
		metric.WithDescription("Total number of turns that produced a graph"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	turnsFailedCounter, err := meter.Int64Counter(
		"pipeline_builder.turns.failed",
		metric.WithDescription("Total number of turns that ended in an error"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	turnsDiscardedCounter, err := meter.Int64Counter(
		"pipeline_builder.turns.discarded",
		metric.WithDescription("Turn results dropped because the session was cleared"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	turnDurationHistogram, err := meter.Float64Histogram(
		"pipeline_builder.turn.duration",
		metric.WithDescription("Duration of a turn in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	thoughtsCounter, err := meter.Int64Counter(
		"pipeline_builder.thoughts.emitted",
		metric.WithDescription("Total number of thought events forwarded"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	decodeErrorsCounter, err := meter.Int64Counter(
		"pipeline_builder.protocol.decode_errors",
		metric.WithDescription("Inbound wire messages dropped as malformed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	sessionsActiveGauge, err := meter.Int64UpDownCounter(
		"pipeline_builder.sessions.active",
		metric.WithDescription("Number of live sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	return &TurnMetrics{
		turnsStartedCounter:   turnsStartedCounter,
		turnsCompletedCounter: turnsCompletedCounter,
		turnsFailedCounter:    turnsFailedCounter,
		turnsDiscardedCounter: turnsDiscardedCounter,
		turnDurationHistogram: turnDurationHistogram,
		thoughtsCounter:       thoughtsCounter,
		decodeErrorsCounter:   decodeErrorsCounter,
		sessionsActiveGauge:   sessionsActiveGauge,
	}, nil
}

// RecordTurnStarted records a turn entering the proposing state
func (tm *TurnMetrics) RecordTurnStarted(ctx context.Context, kind string) {
	if tm == nil {
		return
	}
	tm.turnsStartedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("turn.kind", kind)),
	)
}

// RecordTurnCompleted records a turn that produced a graph
func (tm *TurnMetrics) RecordTurnCompleted(ctx context.Context, kind string, workflowComplete bool, duration time.Duration) {
	if tm == nil {
		return
	}
	tm.turnsCompletedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("turn.kind", kind),
			attribute.Bool("workflow.complete", workflowComplete),
		),
	)
	tm.turnDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("turn.kind", kind),
			attribute.String("status", "completed"),
		),
	)
}

// RecordTurnFailed records a turn that ended with an ERROR
func (tm *TurnMetrics) RecordTurnFailed(ctx context.Context, kind, errorType string, duration time.Duration) {
	if tm == nil {
		return
	}
	tm.turnsFailedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("turn.kind", kind),
			attribute.String("error.type", errorType),
		),
	)
	tm.turnDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("turn.kind", kind),
			attribute.String("status", "failed"),
		),
	)
}

// RecordTurnDiscarded records a stale turn result
func (tm *TurnMetrics) RecordTurnDiscarded(ctx context.Context, kind string) {
	if tm == nil {
		return
	}
	tm.turnsDiscardedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("turn.kind", kind)),
	)
}

// RecordThought records one forwarded thought
func (tm *TurnMetrics) RecordThought(ctx context.Context) {
	if tm == nil {
		return
	}
	tm.thoughtsCounter.Add(ctx, 1)
}

// RecordDecodeError records a dropped inbound message
func (tm *TurnMetrics) RecordDecodeError(ctx context.Context, reason string) {
	if tm == nil {
		return
	}
	tm.decodeErrorsCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSessionOpened increments the live session gauge
func (tm *TurnMetrics) RecordSessionOpened(ctx context.Context) {
	if tm == nil {
		return
	}
	tm.sessionsActiveGauge.Add(ctx, 1)
}

// RecordSessionClosed decrements the live session gauge
func (tm *TurnMetrics) RecordSessionClosed(ctx context.Context, reason string) {
	if tm == nil {
		return
	}
	tm.sessionsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
