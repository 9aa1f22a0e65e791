package fanout

import (
	"context"
	"strings"
	"sync"
	"time"
)

type Memjob struct {
	postID uint
	state  string

	lk sync.Mutex

	createdAt time.Time
	updatedAt time.Time

	retryCount int
	retryAfter *time.Time
}

// Memstore is a simple in-memory implementation of the fan-out Store interface
type Memstore struct {
	lk   sync.RWMutex
	jobs map[uint]*Memjob
}

func NewMemstore() *Memstore {
	return &Memstore{
		jobs: make(map[uint]*Memjob),
	}
}

func (s *Memstore) EnqueueJob(ctx context.Context, postID uint) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	if _, ok := s.jobs[postID]; ok {
		return nil
	}

	j := &Memjob{
		postID:    postID,
		createdAt: time.Now(),
		updatedAt: time.Now(),
		state:     StateEnqueued,
	}
	s.jobs[postID] = j

	jobsEnqueued.Inc()
	return nil
}

func (s *Memstore) GetJob(ctx context.Context, postID uint) (Job, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	j, ok := s.jobs[postID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (s *Memstore) GetNextEnqueuedJob(ctx context.Context) (Job, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	for _, j := range s.jobs {
		shouldRetry := strings.HasPrefix(j.State(), "failed") && j.retryAfter != nil && time.Now().After(*j.retryAfter)

		if j.State() == StateEnqueued || shouldRetry {
			return j, nil
		}
	}
	return nil, nil
}

func (j *Memjob) PostID() uint {
	return j.postID
}

func (j *Memjob) State() string {
	j.lk.Lock()
	defer j.lk.Unlock()

	return j.state
}

func (j *Memjob) SetState(ctx context.Context, state string) error {
	j.lk.Lock()
	defer j.lk.Unlock()

	j.state = state
	j.updatedAt = time.Now()

	if strings.HasPrefix(state, "failed") {
		if j.retryCount < MaxRetries {
			next := time.Now().Add(computeExponentialBackoff(j.retryCount))
			j.retryAfter = &next
			j.retryCount++
		} else {
			j.retryAfter = nil
		}
	}

	return nil
}

func (j *Memjob) RetryCount() int {
	j.lk.Lock()
	defer j.lk.Unlock()
	return j.retryCount
}
