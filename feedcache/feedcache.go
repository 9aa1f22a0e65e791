// Package feedcache holds the per-recipient bounded list of recent feed
// entries in redis, backed by the durable feed_entries table. The cache is a
// rebuildable projection: losing it costs a reload, never data.
package feedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/chirpnet/chirp/models"
)

// prefix string for all the redis keys this cache uses
var feedKeyPrefix = "feed/"

// Entry is the cached projection of a FeedEntry row. Rows are immutable
// once written, so caching the whole (tiny) row is as safe as caching the
// bare identifier and saves a dereference on every page read.
type Entry struct {
	ID        uint      `json:"id"`
	PostID    uint      `json:"post"`
	CreatedAt time.Time `json:"at"`
}

func fromModel(fe *models.FeedEntry) Entry {
	return Entry{ID: fe.ID, PostID: fe.PostID, CreatedAt: fe.CreatedAt}
}

type Cache struct {
	rdb *redis.Client
	db  *gorm.DB

	size int
	ttl  time.Duration

	log *slog.Logger
}

// New creates a feed list cache capped at size entries per recipient.
// size is the L bound: a warm list never exceeds it, and a lazy load pulls
// exactly the size most recent rows.
func New(rdb *redis.Client, db *gorm.DB, size int, ttl time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default().With("system", "feedcache")
	}
	return &Cache{
		rdb:  rdb,
		db:   db,
		size: size,
		ttl:  ttl,
		log:  log,
	}
}

// Size returns the configured cap L.
func (c *Cache) Size() int {
	return c.size
}

func feedKey(recipient uint) string {
	return fmt.Sprintf("%s%d", feedKeyPrefix, recipient)
}

// GetOrLoad returns the recipient's cached window, most recent first. On a
// miss it loads the top-L rows from the database and installs them as the
// new cache content. warm reports whether the window was served from an
// already-populated cache; callers that need durable-store authority (the
// newer-than pull on a cold recipient) can rely on warm==false meaning the
// window was just read from the database.
//
// Concurrent misses for the same recipient may both load and both write;
// they compute the same top-L set, so last writer wins is fine.
func (c *Cache) GetOrLoad(ctx context.Context, recipient uint) (entries []Entry, warm bool, err error) {
	key := feedKey(recipient)

	vals, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		// treat an unavailable cache as a miss and serve from the database
		c.log.Error("feed cache read failed", "recipient", recipient, "err", err)
		feedCacheErrors.WithLabelValues("read").Inc()
		vals = nil
	}

	if len(vals) > 0 {
		out := make([]Entry, 0, len(vals))
		for _, v := range vals {
			var e Entry
			if err := json.Unmarshal([]byte(v), &e); err != nil {
				// a corrupt element poisons the whole list; rebuild it
				c.log.Warn("corrupt feed cache entry, rebuilding", "recipient", recipient, "err", err)
				feedCacheErrors.WithLabelValues("decode").Inc()
				return c.load(ctx, recipient)
			}
			out = append(out, e)
		}
		feedCacheHits.Inc()
		return out, true, nil
	}

	feedCacheMisses.Inc()
	return c.load(ctx, recipient)
}

func (c *Cache) load(ctx context.Context, recipient uint) ([]Entry, bool, error) {
	var rows []models.FeedEntry
	if err := c.db.WithContext(ctx).
		Where("recipient_id = ?", recipient).
		Order("created_at desc, id desc").
		Limit(c.size).
		Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("loading feed entries: %w", err)
	}

	out := make([]Entry, 0, len(rows))
	for i := range rows {
		out = append(out, fromModel(&rows[i]))
	}

	if err := c.install(ctx, recipient, out); err != nil {
		// cache write failure is not a read failure
		c.log.Error("feed cache write failed", "recipient", recipient, "err", err)
		feedCacheErrors.WithLabelValues("write").Inc()
	}

	return out, false, nil
}

func (c *Cache) install(ctx context.Context, recipient uint, entries []Entry) error {
	key := feedKey(recipient)

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(entries) > 0 {
		// RPush preserves most-recent-first order for a descending slice
		vals := make([]interface{}, 0, len(entries))
		for _, e := range entries {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			vals = append(vals, b)
		}
		pipe.RPush(ctx, key, vals...)
	}
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// pushScript prepends to the list only when the key already exists, so an
// expiry racing the push cannot leave behind a one-element list that a later
// read would mistake for a complete window.
var pushScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[1])
redis.call("LTRIM", KEYS[1], 0, tonumber(ARGV[2]) - 1)
if tonumber(ARGV[3]) > 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

// Push prepends a freshly fanned-out entry to the recipient's list and trims
// to the cap. If the recipient has no cached list this is a no-op: the next
// read lazily loads from the database, which already holds the entry. Only
// an already-warm cache is kept warm incrementally, so a cold cache can
// never be mistaken for a complete one.
func (c *Cache) Push(ctx context.Context, recipient uint, fe *models.FeedEntry) error {
	b, err := json.Marshal(fromModel(fe))
	if err != nil {
		return err
	}

	ttlSec := int64(c.ttl / time.Second)
	pushed, err := pushScript.Run(ctx, c.rdb, []string{feedKey(recipient)}, b, c.size, ttlSec).Int()
	if err != nil {
		return fmt.Errorf("pushing feed cache entry: %w", err)
	}

	if pushed == 1 {
		feedCachePushes.Inc()
	}
	return nil
}

// Invalidate drops the recipient's cached list entirely.
func (c *Cache) Invalidate(ctx context.Context, recipient uint) error {
	return c.rdb.Del(ctx, feedKey(recipient)).Err()
}
