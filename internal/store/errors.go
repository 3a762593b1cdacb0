package store

import "errors"

// ErrLeaseStolen is returned by settle calls when claimed_by no longer
// matches the caller: another worker reclaimed the job after the lease
// expired, and now owns the outcome.
var ErrLeaseStolen = errors.New("store: lease stolen, settle rejected")

// ErrNotInDLQ is returned by DLQRetry when the job is not currently in the
// dlq state.
var ErrNotInDLQ = errors.New("store: job is not in dlq state")

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("store: job not found")
