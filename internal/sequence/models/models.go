package models

import (
	"fmt"
	"time"
)

// Counter is one sequence cell scoped by (namespace, period). LastValue
// strictly increases and is never reused, even across failed allocations: an
// increment that commits but whose caller dies simply burns a number.
type Counter struct {
	Namespace string
	Period    string
	LastValue int64
	UpdatedAt time.Time
}

// Key returns the canonical store key for a counter scope.
func Key(namespace, period string) string {
	return namespace + ":" + period
}

// FormatIdentifier renders an allocated sequence value as a public
// identifier, e.g. UCAES20250001. The sequence is zero-padded to four digits
// as a minimum width; values past 9999 widen rather than truncate.
func FormatIdentifier(namespace, period string, sequence int64) string {
	return fmt.Sprintf("%s%s%04d", namespace, period, sequence)
}

// FormatDegradedIdentifier renders the timestamp-derived fallback identifier.
// It is not collision-free; the allocator only emits it when the counter
// store is unreachable and the deployment explicitly opted in.
func FormatDegradedIdentifier(namespace, period string, at time.Time) string {
	return fmt.Sprintf("%s%sT%d", namespace, period, at.UnixMilli())
}
