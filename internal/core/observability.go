package core

import (
	"context"
	"time"

	"stockledger/pkg/domain"
)

// Clock provides the current time for timestamps produced by the service.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface. A nil ClockFunc
// reports the current UTC time.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f()
}

// Logger is the structured logging surface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AuditStatus marks the outcome of an audited operation.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records one service operation for the audit trail.
type AuditEntry struct {
	Operation string
	Entity    domain.EntityType
	Action    domain.Action
	EntityID  string
	Operator  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation outcomes and latency.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// auditTargets maps operations to the entity and action written to the audit
// trail. Operations missing here are not audited.
var auditTargets = map[string]struct {
	entity domain.EntityType
	action domain.Action
}{
	opCreateItem:       {domain.EntityStockItem, domain.ActionCreate},
	opUpdateItem:       {domain.EntityStockItem, domain.ActionUpdate},
	opDeleteItem:       {domain.EntityStockItem, domain.ActionDelete},
	opDeduct:           {domain.EntityLedgerTransaction, domain.ActionCreate},
	opAdd:              {domain.EntityLedgerTransaction, domain.ActionCreate},
	opAdjust:           {domain.EntityLedgerTransaction, domain.ActionCreate},
	opWaste:            {domain.EntityLedgerTransaction, domain.ActionCreate},
	opReturn:           {domain.EntityLedgerTransaction, domain.ActionCreate},
	opRecordAllocation: {domain.EntityAllocationEvent, domain.ActionCreate},
}

// Operation names reported to metrics, traces and the audit trail.
const (
	opCreateItem       = "create_item"
	opUpdateItem       = "update_item"
	opDeleteItem       = "delete_item"
	opDeduct           = "deduct"
	opAdd              = "add"
	opAdjust           = "adjust"
	opWaste            = "waste"
	opReturn           = "return"
	opRecordAllocation = "record_allocation"
	opRecover          = "recover"
	opExportLedger     = "export_ledger"
)

type operatorKey struct{}

func withOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

func operatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}

// instrument wraps an operation with tracing, metrics, audit and logging.
// fn returns the identifier of the entity it touched.
func (s *Service) instrument(ctx context.Context, operation string, fn func(ctx context.Context) (string, error)) error {
	ctx, span := s.tracer.Start(ctx, operation)
	started := time.Now()
	entityID, err := fn(ctx)
	duration := time.Since(started)
	s.metrics.Observe(ctx, operation, err == nil, duration)
	span.End(err)
	if err != nil {
		s.recordAuditError(ctx, operation, entityID, err, duration)
		if isCallerError(err) {
			s.logger.Warn("operation rejected", "operation", operation, "entity_id", entityID, "error", err)
		} else {
			s.logger.Error("operation failed", "operation", operation, "entity_id", entityID, "error", err)
		}
		return err
	}
	s.recordAuditSuccess(ctx, operation, entityID, duration)
	s.logger.Debug("operation completed", "operation", operation, "entity_id", entityID, "duration_ms", duration.Milliseconds())
	return nil
}

func (s *Service) recordAuditSuccess(ctx context.Context, operation, entityID string, duration time.Duration) {
	s.recordAudit(ctx, operation, entityID, AuditStatusSuccess, nil, duration)
}

func (s *Service) recordAuditError(ctx context.Context, operation, entityID string, err error, duration time.Duration) {
	s.recordAudit(ctx, operation, entityID, AuditStatusError, err, duration)
}

func (s *Service) recordAudit(ctx context.Context, operation, entityID string, status AuditStatus, err error, duration time.Duration) {
	target, ok := auditTargets[operation]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: operation,
		Entity:    target.entity,
		Action:    target.action,
		EntityID:  entityID,
		Operator:  operatorFrom(ctx),
		Status:    status,
		Duration:  duration,
		Timestamp: s.now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

func (s *Service) logViolations(operation string, res domain.Result) {
	for _, v := range res.Violations {
		s.logger.Warn("rule violation", "operation", operation, "rule", v.Rule, "severity", v.Severity, "entity_id", v.EntityID, "message", v.Message)
	}
}
