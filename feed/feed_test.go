package feed_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chirpnet/chirp/feed"
	"github.com/chirpnet/chirp/feedcache"
	"github.com/chirpnet/chirp/models"
	"github.com/chirpnet/chirp/objcache"
)

type feedFixture struct {
	svc   *feed.Service
	feeds *feedcache.Cache
	db    *gorm.DB

	author models.User
	reader models.User
}

func testFeed(t *testing.T, cacheSize, pageSize int) *feedFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite")))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Post{}, &models.FeedEntry{}); err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	objs := objcache.New(rdb, db, 1000, time.Hour)
	feeds := feedcache.New(rdb, db, cacheSize, time.Hour, nil)

	author := models.User{Handle: "author", DisplayName: "The Author"}
	if err := db.Create(&author).Error; err != nil {
		t.Fatal(err)
	}
	reader := models.User{Handle: "reader"}
	if err := db.Create(&reader).Error; err != nil {
		t.Fatal(err)
	}

	return &feedFixture{
		svc:    feed.NewService(db, feeds, objs, &feed.Config{PageSize: pageSize}),
		feeds:  feeds,
		db:     db,
		author: author,
		reader: reader,
	}
}

// seedHome creates n posts by the fixture author, one second apart, each with
// a feed entry for the reader. Returned posts are oldest first.
func (fx *feedFixture) seedHome(t *testing.T, reader uint, n int) []models.Post {
	t.Helper()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	posts := make([]models.Post, 0, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		p := models.Post{AuthorID: fx.author.ID, Content: "post", Model: gorm.Model{CreatedAt: ts}}
		if err := fx.db.Create(&p).Error; err != nil {
			t.Fatal(err)
		}
		fe := models.FeedEntry{RecipientID: reader, PostID: p.ID, CreatedAt: ts}
		if err := fx.db.Create(&fe).Error; err != nil {
			t.Fatal(err)
		}
		posts = append(posts, p)
	}
	return posts
}

func itemPostIDs(page *feed.Page) []uint {
	out := make([]uint, 0, len(page.Items))
	for _, it := range page.Items {
		out = append(out, it.Post.ID)
	}
	return out
}

func TestHomeFeedFirstPage(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 10, 3)
	posts := fx.seedHome(t, fx.reader.ID, 5)

	page, err := fx.svc.Page(ctx, fx.reader.ID, feed.Cursor{})
	require.NoError(t, err)
	require.True(t, page.HasNextPage)
	require.Equal(t, []uint{posts[4].ID, posts[3].ID, posts[2].ID}, itemPostIDs(page))
	require.Equal(t, "author", page.Items[0].Post.Author.Handle)

	last := page.Items[len(page.Items)-1]
	page, err = fx.svc.Page(ctx, fx.reader.ID, feed.Cursor{OlderThan: last.CreatedAt})
	require.NoError(t, err)
	require.False(t, page.HasNextPage)
	require.Equal(t, []uint{posts[1].ID, posts[0].ID}, itemPostIDs(page))
}

func TestHomeFeedEmpty(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 10, 3)

	page, err := fx.svc.Page(ctx, fx.reader.ID, feed.Cursor{})
	require.NoError(t, err)
	require.False(t, page.HasNextPage)
	require.Len(t, page.Items, 0)
}

// A reader with more history than the cache holds must still be able to page
// all the way back; the tail pages come from the feed entry table.
func TestHomeFeedPagesBeyondCacheWindow(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 5, 3)
	posts := fx.seedHome(t, fx.reader.ID, 12)

	want := make([]uint, 0, len(posts))
	for i := len(posts) - 1; i >= 0; i-- {
		want = append(want, posts[i].ID)
	}

	var got []uint
	cursor := feed.Cursor{}
	for i := 0; i < 10; i++ {
		page, err := fx.svc.Page(ctx, fx.reader.ID, cursor)
		require.NoError(t, err)
		got = append(got, itemPostIDs(page)...)
		if !page.HasNextPage {
			break
		}
		require.NotEmpty(t, page.Items)
		cursor = feed.Cursor{OlderThan: page.Items[len(page.Items)-1].CreatedAt}
	}

	require.Equal(t, want, got)
}

func TestHomeFeedNewerThan(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 5, 3)
	posts := fx.seedHome(t, fx.reader.ID, 8)

	// two entries are newer than the 6th post; both sit inside the window
	page, err := fx.svc.Page(ctx, fx.reader.ID, feed.Cursor{NewerThan: posts[5].CreatedAt})
	require.NoError(t, err)
	require.Equal(t, []uint{posts[7].ID, posts[6].ID}, itemPostIDs(page))

	// six entries are newer than the 2nd post; the capped window cannot
	// prove completeness, so the full answer comes from the database
	page, err = fx.svc.Page(ctx, fx.reader.ID, feed.Cursor{NewerThan: posts[1].CreatedAt})
	require.NoError(t, err)
	require.Equal(t, []uint{
		posts[7].ID, posts[6].ID, posts[5].ID,
		posts[4].ID, posts[3].ID, posts[2].ID,
	}, itemPostIDs(page))
}

func TestHomeFeedRejectsDoubleCursor(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 5, 3)

	_, err := fx.svc.Page(ctx, fx.reader.ID, feed.Cursor{
		OlderThan: time.Now(),
		NewerThan: time.Now().Add(-time.Hour),
	})
	require.Error(t, err)
}

func TestHomeFeedDropsDeletedPosts(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 10, 5)
	posts := fx.seedHome(t, fx.reader.ID, 3)

	// hard-delete the middle post before anything cached it
	if err := fx.db.Unscoped().Delete(&models.Post{}, posts[1].ID).Error; err != nil {
		t.Fatal(err)
	}

	page, err := fx.svc.Page(ctx, fx.reader.ID, feed.Cursor{})
	require.NoError(t, err)
	require.Equal(t, []uint{posts[2].ID, posts[0].ID}, itemPostIDs(page))
}

func TestAuthorFeed(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 10, 3)
	posts := fx.seedHome(t, fx.reader.ID, 5)

	page, err := fx.svc.AuthorFeed(ctx, fx.author.ID, time.Time{})
	require.NoError(t, err)
	require.True(t, page.HasNextPage)
	require.Equal(t, []uint{posts[4].ID, posts[3].ID, posts[2].ID}, itemPostIDs(page))

	page, err = fx.svc.AuthorFeed(ctx, fx.author.ID, page.Items[len(page.Items)-1].CreatedAt)
	require.NoError(t, err)
	require.False(t, page.HasNextPage)
	require.Equal(t, []uint{posts[1].ID, posts[0].ID}, itemPostIDs(page))
}

func TestHomeFeedUnknownRecipient(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 10, 3)

	_, err := fx.svc.Page(ctx, 424242, feed.Cursor{})
	require.ErrorIs(t, err, feed.ErrUserNotFound)
}

// Two entries sharing a created_at must not lose the second one when a page
// boundary lands between them; the entry id travels in the cursor as the
// tiebreak, on both the cached and the store-fallback paths.
func TestHomeFeedTimestampTies(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 2, 1)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	times := []time.Time{base, base.Add(time.Second), base.Add(time.Second)}

	var entries []models.FeedEntry
	for _, ts := range times {
		p := models.Post{AuthorID: fx.author.ID, Content: "post", Model: gorm.Model{CreatedAt: ts}}
		if err := fx.db.Create(&p).Error; err != nil {
			t.Fatal(err)
		}
		fe := models.FeedEntry{RecipientID: fx.reader.ID, PostID: p.ID, CreatedAt: ts}
		if err := fx.db.Create(&fe).Error; err != nil {
			t.Fatal(err)
		}
		entries = append(entries, fe)
	}

	// descending (created_at, id): the tied pair first, higher id leading
	want := []uint{entries[2].PostID, entries[1].PostID, entries[0].PostID}

	var got []uint
	cursor := feed.Cursor{}
	for i := 0; i < 5; i++ {
		page, err := fx.svc.Page(ctx, fx.reader.ID, cursor)
		require.NoError(t, err)
		got = append(got, itemPostIDs(page)...)
		if !page.HasNextPage {
			break
		}
		require.NotEmpty(t, page.Items)
		last := page.Items[len(page.Items)-1]
		cursor = feed.Cursor{OlderThan: last.CreatedAt, OlderThanID: last.EntryID}
	}

	require.Equal(t, want, got)
}

func TestAuthorFeedUnknownUser(t *testing.T) {
	ctx := context.Background()
	fx := testFeed(t, 10, 3)

	_, err := fx.svc.AuthorFeed(ctx, 999, time.Time{})
	require.ErrorIs(t, err, feed.ErrUserNotFound)
}
