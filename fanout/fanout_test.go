package fanout_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chirpnet/chirp/fanout"
	"github.com/chirpnet/chirp/feedcache"
	"github.com/chirpnet/chirp/models"
)

type staticFollowers struct {
	ids []uint
}

func (sf *staticFollowers) FollowersOf(ctx context.Context, author uint) ([]uint, error) {
	return sf.ids, nil
}

func testFanouter(t *testing.T, followers []uint, opts *fanout.Options) (*fanout.Fanouter, *gorm.DB, *feedcache.Cache) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite")))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&models.Post{}); err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	feeds := feedcache.New(rdb, db, 100, time.Hour, nil)

	f := fanout.New("fanout-test", db, feeds, &staticFollowers{ids: followers}, fanout.NewMemstore(), opts)
	return f, db, feeds
}

func createPost(t *testing.T, db *gorm.DB, author uint, content string) *models.Post {
	t.Helper()
	post := models.Post{AuthorID: author, Content: content}
	if err := db.Create(&post).Error; err != nil {
		t.Fatal(err)
	}
	return &post
}

func TestFanOutDeliversToFollowersAndAuthor(t *testing.T) {
	ctx := context.Background()
	f, db, _ := testFanouter(t, []uint{2, 3, 4}, nil)
	post := createPost(t, db, 1, "hello")

	summary, err := f.FanOut(ctx, post.ID)
	require.NoError(t, err)
	require.EqualValues(t, 4, summary.RecipientsTotal)
	require.EqualValues(t, 4, summary.EntriesCreated)

	var recipients []uint
	if err := db.Model(&models.FeedEntry{}).
		Where("post_id = ?", post.ID).
		Order("recipient_id").
		Pluck("recipient_id", &recipients).Error; err != nil {
		t.Fatal(err)
	}
	require.Equal(t, []uint{1, 2, 3, 4}, recipients)
}

func TestFanOutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f, db, _ := testFanouter(t, []uint{2, 3}, nil)
	post := createPost(t, db, 1, "hello again")

	first, err := f.FanOut(ctx, post.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, first.EntriesCreated)

	// a replayed job finds every row already present
	second, err := f.FanOut(ctx, post.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, second.EntriesCreated)

	var count int64
	if err := db.Model(&models.FeedEntry{}).Where("post_id = ?", post.ID).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	require.EqualValues(t, 3, count)
}

func TestFanOutMissingPost(t *testing.T) {
	ctx := context.Background()
	f, _, _ := testFanouter(t, nil, nil)

	_, err := f.FanOut(ctx, 999)
	if !errors.Is(err, fanout.ErrPostNotFound) {
		t.Fatalf("expected ErrPostNotFound, got %v", err)
	}
}

func TestFanOutBatching(t *testing.T) {
	ctx := context.Background()

	followers := make([]uint, 0, 9)
	for i := uint(2); i <= 10; i++ {
		followers = append(followers, i)
	}

	opts := fanout.DefaultOptions()
	opts.BatchSize = 3

	f, db, _ := testFanouter(t, followers, opts)
	post := createPost(t, db, 1, "big fanout")

	summary, err := f.FanOut(ctx, post.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10, summary.RecipientsTotal)
	require.EqualValues(t, 10, summary.EntriesCreated)
	require.EqualValues(t, 4, summary.BatchesCreated)
}

func TestFanOutOnlyPushesWarmCaches(t *testing.T) {
	ctx := context.Background()
	f, db, feeds := testFanouter(t, []uint{2}, nil)

	first := createPost(t, db, 1, "one")
	_, err := f.FanOut(ctx, first.ID)
	require.NoError(t, err)

	// warm the follower's cache, then fan out a second post into it
	entries, warm, err := feeds.GetOrLoad(ctx, 2)
	require.NoError(t, err)
	require.False(t, warm)
	require.Len(t, entries, 1)

	second := createPost(t, db, 1, "two")
	_, err = f.FanOut(ctx, second.ID)
	require.NoError(t, err)

	entries, warm, err = feeds.GetOrLoad(ctx, 2)
	require.NoError(t, err)
	require.True(t, warm)
	require.Len(t, entries, 2)
	require.Equal(t, second.ID, entries[0].PostID)

	// replaying the job must not push duplicates into the warm list
	_, err = f.FanOut(ctx, second.ID)
	require.NoError(t, err)

	entries, _, err = feeds.GetOrLoad(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
