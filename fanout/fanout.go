// Package fanout materializes feed entries for every follower when a post is
// created. The work runs off an at-least-once job queue, decoupled from the
// post-creation request: the creating request enqueues and returns as soon
// as the post row itself is durable.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chirpnet/chirp/feedcache"
	"github.com/chirpnet/chirp/models"
)

var tracer = otel.Tracer("fanout")

// ErrPostNotFound is returned when fanning out a post id with no durable row
var ErrPostNotFound = errors.New("post not found")

// FollowerSource is the read-only view of the follow graph. It is consulted
// at fan-out time, not post-creation time, so followers gained while the job
// sat in the queue still receive the post.
type FollowerSource interface {
	FollowersOf(ctx context.Context, author uint) ([]uint, error)
}

// Summary reports what one fan-out run did, for logs and handler responses.
type Summary struct {
	EntriesCreated  int64
	BatchesCreated  int64
	RecipientsTotal int64
}

type Options struct {
	// Recipients per bulk insert
	BatchSize int
	// Number of fan-out jobs to process in parallel
	ParallelJobs int
	// Number of batches to process in parallel within one job
	ParallelBatches int
	// Job dequeue pacing
	DequeuesPerSecond int
}

func DefaultOptions() *Options {
	return &Options{
		BatchSize:         500,
		ParallelJobs:      10,
		ParallelBatches:   4,
		DequeuesPerSecond: 50,
	}
}

// Fanouter drains the fan-out queue and runs the per-post pipeline.
type Fanouter struct {
	Name string

	db        *gorm.DB
	feeds     *feedcache.Cache
	followers FollowerSource
	store     Store

	batchSize       int
	parallelJobs    int
	parallelBatches int

	dequeueLimiter *rate.Limiter

	stop chan chan struct{}

	log *slog.Logger
}

func New(name string, db *gorm.DB, feeds *feedcache.Cache, followers FollowerSource, store Store, opts *Options) *Fanouter {
	if opts == nil {
		opts = DefaultOptions()
	}

	db.AutoMigrate(&models.FeedEntry{})

	return &Fanouter{
		Name:            name,
		db:              db,
		feeds:           feeds,
		followers:       followers,
		store:           store,
		batchSize:       opts.BatchSize,
		parallelJobs:    opts.ParallelJobs,
		parallelBatches: opts.ParallelBatches,
		dequeueLimiter:  rate.NewLimiter(rate.Limit(opts.DequeuesPerSecond), 1),
		stop:            make(chan chan struct{}, 1),
		log:             slog.Default().With("system", "fanout", "name", name),
	}
}

// Enqueue submits a post for asynchronous fan-out. Safe to call more than
// once for the same post.
func (f *Fanouter) Enqueue(ctx context.Context, postID uint) error {
	return f.store.EnqueueJob(ctx, postID)
}

// Start runs the fan-out processor until Stop is called.
func (f *Fanouter) Start() {
	ctx := context.Background()

	log := f.log
	log.Info("starting fanout processor")

	sem := semaphore.NewWeighted(int64(f.parallelJobs))

	for {
		select {
		case stopped := <-f.stop:
			log.Info("stopping fanout processor")
			sem.Acquire(ctx, int64(f.parallelJobs))
			close(stopped)
			return
		default:
		}

		f.dequeueLimiter.Wait(ctx)

		job, err := f.store.GetNextEnqueuedJob(ctx)
		if err != nil {
			log.Error("failed to get next enqueued job", "error", err)
			time.Sleep(1 * time.Second)
			continue
		} else if job == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		log := log.With("post", job.PostID())

		if err := job.SetState(ctx, StateInProgress); err != nil {
			log.Error("failed to set job state", "error", err)
			continue
		}

		sem.Acquire(ctx, 1)
		go func(j Job) {
			defer sem.Release(1)
			summary, err := f.FanOut(ctx, j.PostID())
			newState := StateComplete
			if err != nil {
				log.Error("fanout failed", "error", err, "retries", j.RetryCount())
				newState = fmt.Sprintf("failed: %s", err)
			} else {
				log.Debug("fanout complete",
					"entries", summary.EntriesCreated,
					"batches", summary.BatchesCreated,
					"recipients", summary.RecipientsTotal)
			}
			if sserr := j.SetState(ctx, newState); sserr != nil {
				log.Error("failed to set job state", "error", sserr)
			}
			jobsProcessed.Inc()
		}(job)
	}
}

// Stop halts the processor once in-flight jobs finish.
func (f *Fanouter) Stop(ctx context.Context) error {
	stopped := make(chan struct{})
	f.stop <- stopped
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FanOut creates one feed entry per recipient of the given post and pushes
// each created entry onto warm feed caches. The whole operation is
// idempotent: the (recipient, post) unique index turns replayed inserts into
// no-ops, and only rows actually inserted this run are pushed to caches. A
// partial failure is retried from the start by the queue, not resumed.
func (f *Fanouter) FanOut(ctx context.Context, postID uint) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "FanOut")
	defer span.End()

	var post models.Post
	if err := f.db.WithContext(ctx).First(&post, "id = ?", postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, fmt.Errorf("loading post: %w", err)
	}

	followers, err := f.followers.FollowersOf(ctx, post.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("resolving followers: %w", err)
	}

	// the author sees their own posts in their home feed
	recipients := append(followers, post.AuthorID)

	var summary Summary
	summary.RecipientsTotal = int64(len(recipients))

	var created atomic.Int64

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(f.parallelBatches)

	for start := 0; start < len(recipients); start += f.batchSize {
		end := start + f.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]
		summary.BatchesCreated++

		eg.Go(func() error {
			n, err := f.fanOutBatch(gctx, &post, batch)
			if err != nil {
				return err
			}
			created.Add(n)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	summary.EntriesCreated = created.Load()
	entriesCreated.Add(float64(summary.EntriesCreated))
	return &summary, nil
}

func (f *Fanouter) fanOutBatch(ctx context.Context, post *models.Post, recipients []uint) (int64, error) {
	rows := make([]models.FeedEntry, 0, len(recipients))
	for _, r := range recipients {
		rows = append(rows, models.FeedEntry{
			RecipientID: r,
			PostID:      post.ID,
			// ordering timestamp is copied from the post, not insert time
			CreatedAt: post.CreatedAt,
		})
	}

	res := f.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("creating feed entries: %w", res.Error)
	}

	// only rows inserted this run carry ids; replayed duplicates stay zero
	// and must not be re-pushed into warm caches
	for i := range rows {
		if rows[i].ID == 0 {
			continue
		}
		if err := f.feeds.Push(ctx, rows[i].RecipientID, &rows[i]); err != nil {
			// the cache is a rebuildable projection; a failed push costs the
			// recipient a lazy reload, never feed content
			f.log.Error("feed cache push failed", "recipient", rows[i].RecipientID, "post", post.ID, "error", err)
		}
	}

	return res.RowsAffected, nil
}
