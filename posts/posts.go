// Package posts owns the write paths for posts, comments and likes. Every
// write invalidates the object cache for the rows it touched and, for new
// posts, hands the post id to the fan-out queue before returning.
package posts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chirpnet/chirp/models"
	"github.com/chirpnet/chirp/notifs"
	"github.com/chirpnet/chirp/objcache"
)

// MaxPostLength bounds post and comment bodies, in runes.
const MaxPostLength = 255

var (
	ErrNotFound       = errors.New("not found")
	ErrEmptyContent   = errors.New("content must not be empty")
	ErrContentTooLong = fmt.Errorf("content must be at most %d characters", MaxPostLength)
)

// Enqueuer accepts a durably-created post id for asynchronous fan-out.
type Enqueuer interface {
	Enqueue(ctx context.Context, postID uint) error
}

type Service struct {
	db     *gorm.DB
	objs   *objcache.Store
	notifs *notifs.Manager
	fanout Enqueuer

	log *slog.Logger
}

func NewService(db *gorm.DB, objs *objcache.Store, nm *notifs.Manager, fanout Enqueuer) *Service {
	db.AutoMigrate(&models.User{})
	db.AutoMigrate(&models.Post{})
	db.AutoMigrate(&models.Comment{})
	db.AutoMigrate(&models.Like{})

	return &Service{
		db:     db,
		objs:   objs,
		notifs: nm,
		fanout: fanout,
		log:    slog.Default().With("system", "posts"),
	}
}

func validateContent(content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxPostLength {
		return ErrContentTooLong
	}
	return nil
}

// CreatePost durably writes the post row and enqueues its fan-out. The
// caller gets the post back as soon as the row is committed; followers see
// it when the fan-out job lands.
func (s *Service) CreatePost(ctx context.Context, author uint, content string) (*models.Post, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", author).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	post := models.Post{AuthorID: author, Content: content}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		return nil, fmt.Errorf("creating post: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", author).
		Update("posts", gorm.Expr("posts + 1")).Error; err != nil {
		return nil, err
	}
	if err := s.objs.Invalidate(ctx, objcache.KindUser, author); err != nil {
		// the snapshot goes stale until its TTL; the post itself is durable
		s.log.Error("failed to invalidate user snapshot", "user", author, "error", err)
	}

	if err := s.fanout.Enqueue(ctx, post.ID); err != nil {
		// the post is durable and visible to its author regardless; the
		// queue will be nudged again by a retry or an operator
		s.log.Error("failed to enqueue fanout", "post", post.ID, "error", err)
	}

	return &post, nil
}

// UpdatePost replaces the body of an existing post.
func (s *Service) UpdatePost(ctx context.Context, id uint, content string) (*models.Post, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	var post models.Post
	if err := s.db.WithContext(ctx).First(&post, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	post.Content = content
	if err := s.db.WithContext(ctx).Save(&post).Error; err != nil {
		return nil, fmt.Errorf("updating post: %w", err)
	}
	if err := s.objs.Invalidate(ctx, objcache.KindPost, id); err != nil {
		s.log.Error("failed to invalidate post snapshot", "post", id, "error", err)
	}

	return &post, nil
}

// DeletePost removes the post row and its cached snapshot. Feed entries
// referencing it are dropped at render time.
func (s *Service) DeletePost(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Post{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return s.objs.Invalidate(ctx, objcache.KindPost, id)
}

// CreateComment attaches a comment to a post and notifies the post author.
func (s *Service) CreateComment(ctx context.Context, user, postID uint, content string) (*models.Comment, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	post, err := s.objs.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, objcache.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	comment := models.Comment{UserID: user, PostID: postID, Content: content}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		return nil, fmt.Errorf("creating comment: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ?", postID).
		Update("comment_count", gorm.Expr("comment_count + 1")).Error; err != nil {
		return nil, err
	}
	if err := s.objs.Invalidate(ctx, objcache.KindPost, postID); err != nil {
		s.log.Error("failed to invalidate post snapshot", "post", postID, "error", err)
	}

	if err := s.notifs.AddComment(ctx, post.AuthorID, user, comment.ID); err != nil {
		s.log.Error("failed to add comment notification", "comment", comment.ID, "error", err)
	}

	return &comment, nil
}

// Like records user → ref. Re-liking is a no-op.
func (s *Service) Like(ctx context.Context, user uint, refKind models.RefKind, refID uint) error {
	owner, err := s.refOwner(ctx, refKind, refID)
	if err != nil {
		return err
	}

	like := models.Like{UserID: user, RefKind: refKind, RefID: refID}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&like)
	if res.Error != nil {
		return fmt.Errorf("creating like: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	if err := s.bumpLikeCount(ctx, refKind, refID, 1); err != nil {
		return err
	}

	if err := s.notifs.AddLike(ctx, owner, user, refKind, refID); err != nil {
		s.log.Error("failed to add like notification", "ref", refID, "error", err)
	}

	return nil
}

func (s *Service) Unlike(ctx context.Context, user uint, refKind models.RefKind, refID uint) error {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND ref_kind = ? AND ref_id = ?", user, refKind, refID).
		Delete(&models.Like{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	return s.bumpLikeCount(ctx, refKind, refID, -1)
}

func (s *Service) refOwner(ctx context.Context, refKind models.RefKind, refID uint) (uint, error) {
	obj, err := s.objs.ResolveRef(ctx, objcache.Ref{Kind: objcache.Kind(refKind), ID: refID})
	if err != nil {
		if errors.Is(err, objcache.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	switch v := obj.(type) {
	case *models.Post:
		return v.AuthorID, nil
	case *models.Comment:
		return v.UserID, nil
	default:
		return 0, fmt.Errorf("unlikeable entity kind: %q", refKind)
	}
}

func (s *Service) bumpLikeCount(ctx context.Context, refKind models.RefKind, refID uint, delta int) error {
	switch refKind {
	case models.RefKindPost:
		if err := s.db.WithContext(ctx).Model(&models.Post{}).
			Where("id = ?", refID).
			Update("like_count", gorm.Expr("like_count + ?", delta)).Error; err != nil {
			return err
		}
		return s.objs.Invalidate(ctx, objcache.KindPost, refID)
	case models.RefKindComment:
		if err := s.db.WithContext(ctx).Model(&models.Comment{}).
			Where("id = ?", refID).
			Update("like_count", gorm.Expr("like_count + ?", delta)).Error; err != nil {
			return err
		}
		return s.objs.Invalidate(ctx, objcache.KindComment, refID)
	default:
		return fmt.Errorf("unknown ref kind: %q", refKind)
	}
}
