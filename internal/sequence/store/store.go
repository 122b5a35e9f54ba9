package store

import (
	"context"

	"bursary/internal/sequence/models"
	"bursary/pkg/platform/sentinel"
)

// ErrNotFound and ErrConflict alias the shared sentinels so callers can match
// without importing two packages.
var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)

// Store persists sequence counters. Implementations must make Create a
// create-if-absent race (exactly one winner) and Increment a compare-and-swap
// that fails with ErrConflict when last_value no longer equals expected.
// These two primitives are the whole concurrency story of the allocator;
// read-then-blind-write is never acceptable.
type Store interface {
	// Create inserts a new counter. Returns ErrConflict when the scope
	// already exists.
	Create(ctx context.Context, counter models.Counter) error
	// Get reads the current counter. Returns ErrNotFound for an unknown
	// scope.
	Get(ctx context.Context, namespace, period string) (models.Counter, error)
	// Increment bumps last_value by one iff it still equals expected,
	// returning the new value. Returns ErrConflict when the precondition
	// fails.
	Increment(ctx context.Context, namespace, period string, expected int64) (int64, error)
}
