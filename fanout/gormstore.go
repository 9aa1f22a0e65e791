package fanout

import (
	"context"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Gormjob struct {
	postID uint
	state  string

	lk sync.Mutex

	dbj *GormDBJob
	db  *gorm.DB

	createdAt time.Time
	updatedAt time.Time

	retryCount int
	retryAfter *time.Time
}

type GormDBJob struct {
	gorm.Model
	PostID     uint   `gorm:"uniqueIndex"`
	State      string `gorm:"index"`
	RetryCount int
	RetryAfter *time.Time
}

// Gormstore is a gorm-backed implementation of the fan-out Store interface
type Gormstore struct {
	lk   sync.RWMutex
	jobs map[uint]*Gormjob
	db   *gorm.DB
}

func NewGormstore(db *gorm.DB) *Gormstore {
	db.AutoMigrate(&GormDBJob{})
	return &Gormstore{
		jobs: make(map[uint]*Gormjob),
		db:   db,
	}
}

// LoadJobs pulls any jobs left over from a previous process into memory so
// the worker picks them back up after a restart.
func (s *Gormstore) LoadJobs(ctx context.Context) error {
	limit := 20_000
	offset := 0
	s.lk.Lock()
	defer s.lk.Unlock()

	for {
		var dbjobs []*GormDBJob
		if err := s.db.WithContext(ctx).
			Where("state != ?", StateComplete).
			Limit(limit).Offset(offset).
			Find(&dbjobs).Error; err != nil {
			return err
		}
		if len(dbjobs) == 0 {
			break
		}
		offset += len(dbjobs)

		for i := range dbjobs {
			dbj := dbjobs[i]
			j := &Gormjob{
				postID:    dbj.PostID,
				state:     dbj.State,
				createdAt: dbj.CreatedAt,
				updatedAt: dbj.UpdatedAt,

				dbj: dbj,
				db:  s.db,

				retryCount: dbj.RetryCount,
				retryAfter: dbj.RetryAfter,
			}
			s.jobs[dbj.PostID] = j
		}
	}

	return nil
}

func (s *Gormstore) EnqueueJob(ctx context.Context, postID uint) error {
	dbj := &GormDBJob{
		PostID: postID,
		State:  StateEnqueued,
	}
	// a second enqueue for the same post is a no-op, not an error: the
	// queue promises at-least-once, the unique index keeps it at-most-one-row
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(dbj).Error; err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	if _, ok := s.jobs[postID]; ok {
		return nil
	}

	j := &Gormjob{
		postID:    postID,
		createdAt: time.Now(),
		updatedAt: time.Now(),
		state:     StateEnqueued,

		dbj: dbj,
		db:  s.db,
	}
	s.jobs[postID] = j

	jobsEnqueued.Inc()
	return nil
}

func (s *Gormstore) GetJob(ctx context.Context, postID uint) (Job, error) {
	return s.getJob(ctx, postID)
}

func (s *Gormstore) getJob(ctx context.Context, postID uint) (*Gormjob, error) {
	cj := s.checkJobCache(ctx, postID)
	if cj != nil {
		return cj, nil
	}

	return s.loadJob(ctx, postID)
}

func (s *Gormstore) loadJob(ctx context.Context, postID uint) (*Gormjob, error) {
	var dbj GormDBJob
	if err := s.db.WithContext(ctx).Find(&dbj, "post_id = ?", postID).Error; err != nil {
		return nil, err
	}

	if dbj.ID == 0 {
		return nil, ErrJobNotFound
	}

	j := &Gormjob{
		postID:    dbj.PostID,
		state:     dbj.State,
		createdAt: dbj.CreatedAt,
		updatedAt: dbj.UpdatedAt,

		dbj: &dbj,
		db:  s.db,

		retryCount: dbj.RetryCount,
		retryAfter: dbj.RetryAfter,
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	// would imply a race condition
	exist, ok := s.jobs[postID]
	if ok {
		return exist, nil
	}
	s.jobs[postID] = j
	return j, nil
}

func (s *Gormstore) checkJobCache(ctx context.Context, postID uint) *Gormjob {
	s.lk.RLock()
	defer s.lk.RUnlock()

	j, ok := s.jobs[postID]
	if !ok || j == nil {
		return nil
	}
	return j
}

func (s *Gormstore) GetNextEnqueuedJob(ctx context.Context) (Job, error) {
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

func (j *Gormjob) PostID() uint {
	return j.postID
}

func (j *Gormjob) State() string {
	j.lk.Lock()
	defer j.lk.Unlock()

	return j.state
}

func (j *Gormjob) SetState(ctx context.Context, state string) error {
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

	// Persist the job to the database
	j.dbj.State = state
	j.dbj.RetryCount = j.retryCount
	j.dbj.RetryAfter = j.retryAfter
	return j.db.WithContext(ctx).Save(j.dbj).Error
}

func (j *Gormjob) RetryCount() int {
	j.lk.Lock()
	defer j.lk.Unlock()
	return j.retryCount
}
