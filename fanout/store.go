package fanout

import (
	"context"
	"errors"
	"time"
)

// Job is one post's pending fan-out. Delivery is at-least-once: the handler
// must tolerate re-running a job whose previous attempt partially completed.
type Job interface {
	PostID() uint
	State() string
	SetState(ctx context.Context, state string) error
	RetryCount() int
}

// Store holds fan-out jobs. Implementations must make EnqueueJob idempotent
// per post so a double-submit from the post-creation path is harmless.
type Store interface {
	GetJob(ctx context.Context, postID uint) (Job, error)
	GetNextEnqueuedJob(ctx context.Context) (Job, error)
	EnqueueJob(ctx context.Context, postID uint) error
}

var (
	// StateEnqueued is the state of a fan-out job when it is first created
	StateEnqueued = "enqueued"
	// StateInProgress is the state of a fan-out job while its batches run
	StateInProgress = "in_progress"
	// StateComplete is the state of a fan-out job once every batch landed
	StateComplete = "complete"
)

// ErrJobNotFound is returned when looking up a job that doesn't exist
var ErrJobNotFound = errors.New("job not found")

// MaxRetries is the maximum number of times to retry a failed fan-out job
var MaxRetries = 10

func computeExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * 10 * time.Second
}
