package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	Handle      string `gorm:"uniqueIndex"`
	DisplayName string
	Bio         string
	Followers   int64
	Following   int64
	Posts       int64
}

type Post struct {
	gorm.Model
	AuthorID uint `gorm:"index"`
	Content  string
	// denormalized counters, bumped by the like/comment write paths
	LikeCount    int64
	CommentCount int64
}

// FeedEntry is the durable fan-out row: one per (recipient, post). The
// unique index is what makes retried fan-out batches no-ops, and the
// (recipient, created_at) index serves ordered range scans for pagination.
type FeedEntry struct {
	ID          uint      `gorm:"primarykey"`
	CreatedAt   time.Time `gorm:"index:idx_feedentry_recipient_created"`
	RecipientID uint      `gorm:"index:idx_feedentry_recipient_created;index:idx_feedentry_recipient_post,unique"`
	PostID      uint      `gorm:"index:idx_feedentry_recipient_post,unique"`
}

type Follow struct {
	gorm.Model
	FromUserID uint `gorm:"index:idx_follow_pair,unique"`
	ToUserID   uint `gorm:"index:idx_follow_pair,unique;index"`
}

// RefKind tags what a like or comment points at. A tagged union instead of
// a generic (content type, object id) foreign key; both kinds resolve
// through the object cache.
type RefKind string

const (
	RefKindPost    = RefKind("post")
	RefKindComment = RefKind("comment")
)

type Like struct {
	gorm.Model
	UserID  uint    `gorm:"index:idx_like_user_ref,unique"`
	RefKind RefKind `gorm:"index:idx_like_user_ref,unique"`
	RefID   uint    `gorm:"index:idx_like_user_ref,unique"`
}

type Comment struct {
	gorm.Model
	UserID    uint
	PostID    uint `gorm:"index"`
	Content   string
	LikeCount int64
}
