package domain

import (
	"fmt"
	"strings"
	"time"
)

// MaxFutureSkew is how far ahead of the ingest clock an event timestamp may
// lie before it is rejected with ErrFutureTimestamp.
const MaxFutureSkew = time.Hour

// DeriveIdempotencyKey builds the deterministic ingestion key for an event
// that carries no explicit key. Identical inputs always yield the identical
// key, so a retried submission collapses into the original row.
func DeriveIdempotencyKey(tenantID, metric, customerRef, resourceID string, ts time.Time) string {
	return fmt.Sprintf("evt:%s:%s:%s:%s:%d",
		strings.TrimSpace(tenantID),
		strings.TrimSpace(metric),
		strings.TrimSpace(customerRef),
		strings.TrimSpace(resourceID),
		ts.UTC().UnixNano(),
	)
}

// TruncateToPeriod returns the UTC first-of-month period bucket for ts.
func TruncateToPeriod(ts time.Time) time.Time {
	t := ts.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
