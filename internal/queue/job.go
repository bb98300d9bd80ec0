// Package queue implements a durable, typed job queue on Redis with
// per-queue retry, backoff, and retention policies, plus a bounded-concurrency
// worker pool that consumes it.
//
// Each job type is its own named queue. A job moves through
// waiting -> active -> (completed | waiting again after backoff | dead).
// Jobs survive process restarts; no worker needs to be running at enqueue
// time.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable is returned by Enqueue when the backing broker
	// cannot be reached.
	ErrStoreUnavailable = errors.New("queue: store unavailable")

	// ErrClosed is returned by Enqueue after Close has been called.
	ErrClosed = errors.New("queue: store closed")

	// ErrJobNotFound is returned by RetryDead when no dead job matches the ID.
	ErrJobNotFound = errors.New("queue: job not found")
)

// BackoffKind selects how the delay between retry attempts grows.
type BackoffKind string

const (
	// BackoffFixed waits Base between every attempt.
	BackoffFixed BackoffKind = "fixed"
	// BackoffExponential waits Base * 2^attempts, where attempts is the
	// number of failures recorded so far.
	BackoffExponential BackoffKind = "exponential"
)

// Backoff is the delay policy applied between attempts of a failed job.
type Backoff struct {
	Kind BackoffKind   `json:"kind"`
	Base time.Duration `json:"base_ms"`
}

// Delay returns the wait before the next run of a job that has failed
// attempts times. attempts is always >= 1 when this is consulted.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Kind != BackoffExponential {
		return b.Base
	}
	d := b.Base
	for i := 0; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Job is one unit of deferred work as serialized into the broker.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	Seq         int64           `json:"seq"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`

	// raw is the exact encoding this job had when it was moved into the
	// active set. State transitions remove it by value, so it must not be
	// re-marshaled between Dequeue and MarkCompleted/MarkFailed.
	raw []byte
}

// score orders the job within the pending set: lower priority values sort
// first, enqueue order breaks ties. Priorities are small (0..3) and the
// sequence counter stays far below 2^44, so the combined value is exact in
// a float64.
func (j *Job) score() float64 {
	return float64(j.Priority)*(1<<44) + float64(j.Seq)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the store dead-letters the job on this failure
// instead of consuming its remaining retry budget. Handlers use it for
// errors that retrying cannot fix, such as rejected credentials or a
// malformed payload.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
