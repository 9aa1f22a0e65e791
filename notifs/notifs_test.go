package notifs_test

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

	"github.com/chirpnet/chirp/models"
	"github.com/chirpnet/chirp/notifs"
	"github.com/chirpnet/chirp/objcache"
)

func testNotifs(t *testing.T) (*notifs.Manager, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite")))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Post{}, &models.Comment{}); err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	objs := objcache.New(rdb, db, 1000, time.Hour)

	return notifs.NewManager(db, objs), db
}

func TestNotificationLifecycle(t *testing.T) {
	ctx := context.Background()
	nm, db := testNotifs(t)

	owner := models.User{Handle: "owner"}
	actor := models.User{Handle: "actor", DisplayName: "The Actor"}
	if err := db.Create(&owner).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&actor).Error; err != nil {
		t.Fatal(err)
	}
	post := models.Post{AuthorID: owner.ID, Content: "liked post"}
	if err := db.Create(&post).Error; err != nil {
		t.Fatal(err)
	}

	require.NoError(t, nm.AddLike(ctx, owner.ID, actor.ID, models.RefKindPost, post.ID))

	count, err := nm.GetCount(ctx, owner.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	out, err := nm.GetNotifications(ctx, owner.ID, 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "like", out[0].Reason)
	require.Equal(t, "actor", out[0].Actor.Handle)
	require.False(t, out[0].IsRead)

	subject, ok := out[0].Subject.(*models.Post)
	require.True(t, ok)
	require.Equal(t, post.ID, subject.ID)

	require.NoError(t, nm.UpdateSeen(ctx, owner.ID, time.Now().Add(time.Second)))

	count, err = nm.GetCount(ctx, owner.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	out, err = nm.GetNotifications(ctx, owner.ID, 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].IsRead)
}

func TestSelfNotificationsSkipped(t *testing.T) {
	ctx := context.Background()
	nm, db := testNotifs(t)

	u := models.User{Handle: "solo"}
	if err := db.Create(&u).Error; err != nil {
		t.Fatal(err)
	}

	require.NoError(t, nm.AddLike(ctx, u.ID, u.ID, models.RefKindPost, 1))
	require.NoError(t, nm.AddComment(ctx, u.ID, u.ID, 1))

	count, err := nm.GetCount(ctx, u.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestFollowNotification(t *testing.T) {
	ctx := context.Background()
	nm, db := testNotifs(t)

	followed := models.User{Handle: "followed"}
	follower := models.User{Handle: "follower"}
	if err := db.Create(&followed).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&follower).Error; err != nil {
		t.Fatal(err)
	}

	require.NoError(t, nm.AddFollow(ctx, followed.ID, follower.ID))

	out, err := nm.GetNotifications(ctx, followed.ID, 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "follow", out[0].Reason)
	require.Equal(t, "follower", out[0].Actor.Handle)
	require.Nil(t, out[0].Subject)
}

func TestUpdateSeenUpserts(t *testing.T) {
	ctx := context.Background()
	nm, db := testNotifs(t)

	require.NoError(t, nm.UpdateSeen(ctx, 1, time.Now()))
	require.NoError(t, nm.UpdateSeen(ctx, 1, time.Now().Add(time.Minute)))

	var count int64
	if err := db.Model(&notifs.Seen{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	require.EqualValues(t, 1, count)
}

func TestMissingActorDropped(t *testing.T) {
	ctx := context.Background()
	nm, db := testNotifs(t)

	owner := models.User{Handle: "owner"}
	if err := db.Create(&owner).Error; err != nil {
		t.Fatal(err)
	}

	// actor 999 never existed; the record stays but hydration skips it
	require.NoError(t, nm.AddFollow(ctx, owner.ID, 999))

	out, err := nm.GetNotifications(ctx, owner.ID, 50)
	require.NoError(t, err)
	require.Len(t, out, 0)
}
