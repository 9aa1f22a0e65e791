// Package feed serves home feed pages. Reads prefer the per-recipient list
// cache and fall back to the feed_entries table whenever the cache cannot
// prove it holds everything the query needs.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/chirpnet/chirp/feedcache"
	"github.com/chirpnet/chirp/models"
	"github.com/chirpnet/chirp/objcache"
)

var tracer = otel.Tracer("feed")

// ErrUserNotFound is returned for pages requested on behalf of unknown users
var ErrUserNotFound = errors.New("user not found")

// Cursor selects a page. Zero value means "most recent page". OlderThan
// walks backward in time; NewerThan returns everything strictly newer (the
// live-refresh pull). At most one of the two is set. OlderThanID carries the
// entry id of the last item the client saw, so a page boundary falling
// between two entries that share a created_at does not skip the second one;
// zero means "timestamp only".
type Cursor struct {
	OlderThan   time.Time
	OlderThanID uint
	NewerThan   time.Time
}

func (c Cursor) older() bool { return !c.OlderThan.IsZero() }
func (c Cursor) newer() bool { return !c.NewerThan.IsZero() }

// admitsOlder reports whether the entry sits strictly after the cursor
// position in descending (created_at, id) order.
func (c Cursor) admitsOlder(e feedcache.Entry) bool {
	if e.CreatedAt.Before(c.OlderThan) {
		return true
	}
	return c.OlderThanID != 0 && e.CreatedAt.Equal(c.OlderThan) && e.ID < c.OlderThanID
}

type UserView struct {
	ID          uint   `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

type PostView struct {
	ID           uint      `json:"id"`
	Author       UserView  `json:"author"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
}

type Item struct {
	EntryID   uint      `json:"entry_id"`
	CreatedAt time.Time `json:"created_at"`
	Post      PostView  `json:"post"`
}

type Page struct {
	Items       []Item `json:"items"`
	HasNextPage bool   `json:"has_next_page"`
}

type Config struct {
	// Items per page; must be smaller than the feed cache cap
	PageSize int
}

func DefaultConfig() *Config {
	return &Config{PageSize: 20}
}

type Service struct {
	db       *gorm.DB
	feeds    *feedcache.Cache
	objs     *objcache.Store
	pageSize int

	log *slog.Logger
}

func NewService(db *gorm.DB, feeds *feedcache.Cache, objs *objcache.Store, cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{
		db:       db,
		feeds:    feeds,
		objs:     objs,
		pageSize: cfg.PageSize,
		log:      slog.Default().With("system", "feed"),
	}
}

// Page returns one page of the recipient's home feed.
//
// The candidate window comes from the list cache (lazily loaded on a cold
// recipient). A window shorter than the cache cap is known-complete, so its
// answers are final. A window at exactly the cap may be truncated, so a
// "no next page" answer inside it cannot be trusted and the query re-runs
// against the database with the same cursor semantics.
func (s *Service) Page(ctx context.Context, recipient uint, cursor Cursor) (*Page, error) {
	ctx, span := tracer.Start(ctx, "Page")
	defer span.End()

	if cursor.older() && cursor.newer() {
		return nil, fmt.Errorf("cursor cannot be both older-than and newer-than")
	}

	// an unknown recipient is a client error, not an empty feed
	if _, err := s.objs.GetUser(ctx, recipient); err != nil {
		if errors.Is(err, objcache.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	window, _, err := s.feeds.GetOrLoad(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("loading feed window: %w", err)
	}

	capped := len(window) == s.feeds.Size()

	if cursor.newer() {
		return s.pageNewer(ctx, recipient, cursor.NewerThan, window, capped)
	}
	return s.pageOlder(ctx, recipient, cursor, window, capped)
}

// pageNewer serves the live-refresh pull: everything strictly newer than T,
// front of the window first. Trim only ever drops old entries, so anything
// newer than T is still inside the most-recent-L window - unless more than a
// whole window arrived since T, in which case the window itself is the
// truncation and the database answers instead.
func (s *Service) pageNewer(ctx context.Context, recipient uint, t time.Time, window []feedcache.Entry, capped bool) (*Page, error) {
	var take []feedcache.Entry
	for _, e := range window {
		if !e.CreatedAt.After(t) {
			break
		}
		take = append(take, e)
	}

	if capped && len(take) == len(window) {
		// every cached entry qualified; older qualifying entries may have
		// been trimmed away
		rows, err := s.storeQuery(ctx, recipient, Cursor{NewerThan: t}, 0)
		if err != nil {
			return nil, err
		}
		feedStoreFallbacks.WithLabelValues("newer").Inc()
		return s.hydrate(ctx, rows, false)
	}

	return s.hydrate(ctx, take, false)
}

func (s *Service) pageOlder(ctx context.Context, recipient uint, cursor Cursor, window []feedcache.Entry, capped bool) (*Page, error) {
	start := 0
	if cursor.older() {
		for start < len(window) && !cursor.admitsOlder(window[start]) {
			start++
		}
	}

	end := start + s.pageSize
	if end > len(window) {
		end = len(window)
	}
	take := window[start:end]
	hasNext := end < len(window)

	if !hasNext && capped {
		// the window may be truncated rather than exhausted; only the
		// database can prove there is no next page
		rows, err := s.storeQuery(ctx, recipient, cursor, s.pageSize+1)
		if err != nil {
			return nil, err
		}
		feedStoreFallbacks.WithLabelValues("older").Inc()
		hasNext = len(rows) > s.pageSize
		if hasNext {
			rows = rows[:s.pageSize]
		}
		return s.hydrate(ctx, rows, hasNext)
	}

	return s.hydrate(ctx, take, hasNext)
}

// storeQuery applies cursor semantics directly to the feed_entries table.
// limit 0 means unbounded (used by the newer-than pull, which is exhaustive
// by contract).
func (s *Service) storeQuery(ctx context.Context, recipient uint, cursor Cursor, limit int) ([]feedcache.Entry, error) {
	q := s.db.WithContext(ctx).
		Model(&models.FeedEntry{}).
		Where("recipient_id = ?", recipient).
		Order("created_at desc, id desc")
	if cursor.older() {
		if cursor.OlderThanID != 0 {
			q = q.Where("created_at < ? OR (created_at = ? AND id < ?)",
				cursor.OlderThan, cursor.OlderThan, cursor.OlderThanID)
		} else {
			q = q.Where("created_at < ?", cursor.OlderThan)
		}
	}
	if cursor.newer() {
		q = q.Where("created_at > ?", cursor.NewerThan)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.FeedEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying feed entries: %w", err)
	}

	out := make([]feedcache.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, feedcache.Entry{ID: r.ID, PostID: r.PostID, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// hydrate dereferences entries to rendered posts through the object cache.
// Entries whose post or author vanished under a delete cascade are dropped,
// not errors.
func (s *Service) hydrate(ctx context.Context, entries []feedcache.Entry, hasNext bool) (*Page, error) {
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		post, err := s.objs.GetPost(ctx, e.PostID)
		if err != nil {
			if errors.Is(err, objcache.ErrNotFound) {
				s.log.Debug("feed entry references missing post", "entry", e.ID, "post", e.PostID)
				continue
			}
			return nil, err
		}

		author, err := s.objs.GetUser(ctx, post.AuthorID)
		if err != nil {
			if errors.Is(err, objcache.ErrNotFound) {
				s.log.Debug("post references missing author", "post", post.ID, "author", post.AuthorID)
				continue
			}
			return nil, err
		}

		items = append(items, Item{
			EntryID:   e.ID,
			CreatedAt: e.CreatedAt,
			Post: PostView{
				ID: post.ID,
				Author: UserView{
					ID:          author.ID,
					Handle:      author.Handle,
					DisplayName: author.DisplayName,
				},
				Content:      post.Content,
				CreatedAt:    post.CreatedAt,
				LikeCount:    post.LikeCount,
				CommentCount: post.CommentCount,
			},
		})
	}

	return &Page{Items: items, HasNextPage: hasNext}, nil
}

// AuthorFeed lists a single user's own posts, newest first, with the same
// older-than cursoring as the home feed. Served straight from the posts
// table; the author view has no fan-out rows of its own.
func (s *Service) AuthorFeed(ctx context.Context, author uint, olderThan time.Time) (*Page, error) {
	ctx, span := tracer.Start(ctx, "AuthorFeed")
	defer span.End()

	q := s.db.WithContext(ctx).
		Where("author_id = ?", author).
		Order("created_at desc, id desc").
		Limit(s.pageSize + 1)
	if !olderThan.IsZero() {
		q = q.Where("created_at < ?", olderThan)
	}

	var posts []models.Post
	if err := q.Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("querying author posts: %w", err)
	}

	hasNext := len(posts) > s.pageSize
	if hasNext {
		posts = posts[:s.pageSize]
	}

	user, err := s.objs.GetUser(ctx, author)
	if err != nil {
		if errors.Is(err, objcache.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	items := make([]Item, 0, len(posts))
	for _, p := range posts {
		items = append(items, Item{
			CreatedAt: p.CreatedAt,
			Post: PostView{
				ID: p.ID,
				Author: UserView{
					ID:          user.ID,
					Handle:      user.Handle,
					DisplayName: user.DisplayName,
				},
				Content:      p.Content,
				CreatedAt:    p.CreatedAt,
				LikeCount:    p.LikeCount,
				CommentCount: p.CommentCount,
			},
		})
	}

	return &Page{Items: items, HasNextPage: hasNext}, nil
}
