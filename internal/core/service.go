package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"stockledger/internal/infra/persistence/memory"
	"stockledger/pkg/domain"
)

// Service is the inventory ledger and allocation engine. Every balance change
// flows through its mutator, and every multi-item consumption through its
// allocation coordinator.
type Service struct {
	store   domain.PersistentStore
	clock   Clock
	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer

	retry         RetryPolicy
	expiryHorizon time.Duration
	catalog       *Catalog
	recoveryLimit int

	locks    *itemLocks
	inflight sync.Map

	// beforeCommitLine runs ahead of each allocation line deduction. Tests use
	// it to race the coordinator.
	beforeCommitLine func(index int, itemID string)
}

type serviceOptions struct {
	clock         Clock
	logger        Logger
	audit         AuditRecorder
	metrics       MetricsRecorder
	tracer        Tracer
	retry         RetryPolicy
	expiryHorizon time.Duration
	catalog       *Catalog
	recoveryLimit int
}

// ServiceOption configures optional service behavior.
type ServiceOption func(*serviceOptions)

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:         ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:        noopLogger{},
		audit:         noopAuditRecorder{},
		metrics:       noopMetricsRecorder{},
		tracer:        noopTracer{},
		retry:         DefaultRetryPolicy(),
		expiryHorizon: DefaultExpiryHorizon,
		catalog:       NewCatalog(),
		recoveryLimit: 4,
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditRecorder installs an audit sink.
func WithAuditRecorder(rec AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if rec != nil {
			o.audit = rec
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(rec MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if rec != nil {
			o.metrics = rec
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithRetryPolicy overrides the optimistic concurrency retry policy.
func WithRetryPolicy(policy RetryPolicy) ServiceOption {
	return func(o *serviceOptions) { o.retry = policy.normalized() }
}

// WithExpiryHorizon sets how far ahead expiring_soon alerts look.
func WithExpiryHorizon(horizon time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if horizon > 0 {
			o.expiryHorizon = horizon
		}
	}
}

// WithCatalog installs catalog defaults used when creating items.
func WithCatalog(catalog *Catalog) ServiceOption {
	return func(o *serviceOptions) {
		if catalog != nil {
			o.catalog = catalog
		}
	}
}

// WithRecoveryConcurrency bounds how many pending allocations Recover
// resolves at once.
func WithRecoveryConcurrency(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n > 0 {
			o.recoveryLimit = n
		}
	}
}

func buildOptions(opts []ServiceOption) serviceOptions {
	o := defaultServiceOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	return newService(store, buildOptions(opts))
}

func newService(store domain.PersistentStore, o serviceOptions) *Service {
	return &Service{
		store:         store,
		clock:         o.clock,
		logger:        o.logger,
		audit:         o.audit,
		metrics:       o.metrics,
		tracer:        o.tracer,
		retry:         o.retry,
		expiryHorizon: o.expiryHorizon,
		catalog:       o.catalog,
		recoveryLimit: o.recoveryLimit,
		locks:         newItemLocks(),
	}
}

// NewInMemoryService creates a service over a fresh in-memory store whose
// record timestamps follow the service clock.
func NewInMemoryService(engine *domain.RulesEngine, opts ...ServiceOption) *Service {
	o := buildOptions(opts)
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	store := memory.NewStore(engine, memory.WithNowFunc(o.clock.Now))
	return newService(store, o)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}

// isCallerError reports whether err stems from the request rather than the system.
func isCallerError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, context.Canceled)
}
