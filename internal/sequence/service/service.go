package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bursary/internal/sequence/metrics"
	"bursary/internal/sequence/models"
	"bursary/internal/sequence/store"
	dErrors "bursary/pkg/domain-errors"
)

// defaultMaxAttempts bounds the optimistic-concurrency retry loop.
const defaultMaxAttempts = 5

// Options tune the allocator beyond its store.
type Options struct {
	// MaxAttempts caps CAS retries; zero means the default of 5.
	MaxAttempts uint
	// AllowDegradedFallback permits timestamp-derived identifiers when the
	// store is unreachable. Off by default; the fallback is not
	// collision-free.
	AllowDegradedFallback bool
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service allocates collision-free, strictly increasing identifiers per
// (namespace, period). The first caller for a new scope wins a
// create-if-absent race; everyone else read-then-increments behind a
// compare-and-swap, retrying with bounded exponential backoff.
type Service struct {
	store         store.Store
	logger        *slog.Logger
	metrics       *metrics.Metrics
	maxAttempts   uint
	allowDegraded bool
	now           func() time.Time
}

func New(st store.Store, logger *slog.Logger, m *metrics.Metrics, opts Options) (*Service, error) {
	if st == nil {
		return nil, errors.New("sequence store is required")
	}
	attempts := opts.MaxAttempts
	if attempts == 0 {
		attempts = defaultMaxAttempts
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:         st,
		logger:        logger,
		metrics:       m,
		maxAttempts:   attempts,
		allowDegraded: opts.AllowDegradedFallback,
		now:           now,
	}, nil
}

// Allocate returns the next identifier for (namespace, period), formatted as
// {namespace}{period}{zero-padded sequence}.
func (s *Service) Allocate(ctx context.Context, namespace, period string) (string, error) {
	if namespace == "" || period == "" {
		return "", dErrors.New(dErrors.CodeValidation, "namespace and period are required")
	}

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(250*time.Millisecond),
	)

	var lastErr error
	conflicted := false
	for attempt := uint(0); attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return "", dErrors.Wrap(ctx.Err(), dErrors.CodeUnavailable, "allocation cancelled")
			}
		}

		value, err := s.nextValue(ctx, namespace, period)
		if err == nil {
			s.metrics.RecordAllocation(namespace, "ok")
			return models.FormatIdentifier(namespace, period, value), nil
		}
		lastErr = err
		if errors.Is(err, store.ErrConflict) {
			conflicted = true
			s.metrics.RecordConflictRetry()
			continue
		}
		// Anything that is not a CAS conflict is storage trouble; it is
		// still worth a bounded retry, but classifies differently when the
		// budget runs out.
		conflicted = false
	}

	if conflicted {
		s.metrics.RecordAllocation(namespace, "exhausted")
		return "", dErrors.Wrap(lastErr, dErrors.CodeConcurrencyExhausted,
			"counter "+models.Key(namespace, period)+" contended beyond retry budget")
	}
	return s.degradeOrFail(namespace, period, lastErr)
}

// nextValue runs one create-or-increment round against the store.
func (s *Service) nextValue(ctx context.Context, namespace, period string) (int64, error) {
	counter, err := s.store.Get(ctx, namespace, period)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		// New scope: try to win the create race with sequence 1.
		createErr := s.store.Create(ctx, models.Counter{
			Namespace: namespace,
			Period:    period,
			LastValue: 1,
		})
		if createErr == nil {
			return 1, nil
		}
		// Lost the race (or store trouble); surface for retry.
		return 0, createErr
	}
	return s.store.Increment(ctx, namespace, period, counter.LastValue)
}

func (s *Service) degradeOrFail(namespace, period string, lastErr error) (string, error) {
	if !s.allowDegraded {
		s.metrics.RecordAllocation(namespace, "unavailable")
		return "", dErrors.Wrap(lastErr, dErrors.CodeUnavailable, "counter store unreachable")
	}
	id := models.FormatDegradedIdentifier(namespace, period, s.now())
	s.metrics.RecordDegradedFallback()
	s.metrics.RecordAllocation(namespace, "degraded")
	s.logger.Warn("issuing degraded timestamp identifier; not guaranteed collision-free",
		"namespace", namespace,
		"period", period,
		"identifier", id,
		"error", lastErr,
	)
	return id, nil
}

// Peek reads the current high-water mark without allocating. Dashboards use
// it; nothing in the core does.
func (s *Service) Peek(ctx context.Context, namespace, period string) (int64, error) {
	counter, err := s.store.Get(ctx, namespace, period)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, dErrors.New(dErrors.CodeNotFound, "counter "+models.Key(namespace, period)+" not found")
		}
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "counter store unreachable")
	}
	return counter.LastValue, nil
}
