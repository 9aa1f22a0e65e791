// Package graph owns follow relationships. Fan-out only consumes the
// follower-id read path; the write paths exist for the HTTP layer and keep
// the denormalized counters on users in step.
package graph

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chirpnet/chirp/models"
	"github.com/chirpnet/chirp/objcache"
)

// Invalidator is the one contract entity writers owe the object cache:
// drop the snapshot as part of the write path.
type Invalidator interface {
	Invalidate(ctx context.Context, kind objcache.Kind, id uint) error
}

type Service struct {
	db  *gorm.DB
	inv Invalidator
}

func NewService(db *gorm.DB, inv Invalidator) *Service {
	db.AutoMigrate(&models.Follow{})
	return &Service{db: db, inv: inv}
}

// FollowersOf returns the ids of everyone following the author. Reads the
// graph as of call time; a follow racing a fan-out lands in whichever state
// the query observes.
func (s *Service) FollowersOf(ctx context.Context, author uint) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("to_user_id = ?", author).
		Pluck("from_user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing followers: %w", err)
	}
	return ids, nil
}

func (s *Service) FollowingOf(ctx context.Context, user uint) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("from_user_id = ?", user).
		Pluck("to_user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing following: %w", err)
	}
	return ids, nil
}

// Follow records from → to. Re-following is a no-op.
func (s *Service) Follow(ctx context.Context, from, to uint) error {
	if from == to {
		return fmt.Errorf("cannot follow yourself")
	}

	fr := models.Follow{FromUserID: from, ToUserID: to}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&fr)
	if res.Error != nil {
		return fmt.Errorf("creating follow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	if err := s.bumpCounters(ctx, from, to, 1); err != nil {
		return err
	}
	return nil
}

func (s *Service) Unfollow(ctx context.Context, from, to uint) error {
	res := s.db.WithContext(ctx).
		Where("from_user_id = ? AND to_user_id = ?", from, to).
		Delete(&models.Follow{})
	if res.Error != nil {
		return fmt.Errorf("deleting follow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	return s.bumpCounters(ctx, from, to, -1)
}

func (s *Service) bumpCounters(ctx context.Context, from, to uint, delta int) error {
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", from).
		Update("following", gorm.Expr("following + ?", delta)).Error; err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", to).
		Update("followers", gorm.Expr("followers + ?", delta)).Error; err != nil {
		return err
	}
	// drop, never patch: the next reader refetches the updated rows
	if s.inv != nil {
		s.inv.Invalidate(ctx, objcache.KindUser, from)
		s.inv.Invalidate(ctx, objcache.KindUser, to)
	}
	return nil
}

func (s *Service) IsFollowing(ctx context.Context, from, to uint) (bool, error) {
	var c int64
	if err := s.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("from_user_id = ? AND to_user_id = ?", from, to).
		Count(&c).Error; err != nil {
		return false, err
	}
	return c > 0, nil
}
