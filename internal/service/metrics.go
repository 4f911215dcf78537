package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

const instrumentationName = "github.com/pesio-ai/be-expense-approvals/internal/service"

// Metrics holds the service's OpenTelemetry instruments. Instruments come
// from the global providers, which are no-ops until telemetry is set up.
type Metrics struct {
	tracer    trace.Tracer
	submitted metric.Int64Counter
	decisions metric.Int64Counter
	finalized metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	submitted, err := meter.Int64Counter("expenses_submitted_total",
		metric.WithDescription("Expenses submitted for approval"))
	if err != nil {
		return nil, err
	}
	decisions, err := meter.Int64Counter("approval_decisions_total",
		metric.WithDescription("Approver decisions recorded"))
	if err != nil {
		return nil, err
	}
	finalized, err := meter.Int64Counter("expenses_finalized_total",
		metric.WithDescription("Expenses that reached a terminal status"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		tracer:    otel.Tracer(instrumentationName),
		submitted: submitted,
		decisions: decisions,
		finalized: finalized,
	}, nil
}

func (m *Metrics) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil {
		return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (m *Metrics) expenseSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.submitted.Add(ctx, 1)
}

func (m *Metrics) decisionRecorded(ctx context.Context, d repository.Decision) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(d))))
}

func (m *Metrics) expenseFinalized(ctx context.Context, status repository.ExpenseStatus) {
	if m == nil {
		return
	}
	m.finalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}
