// Package fakedata seeds a chirp database with plausible users, follows and
// posts, for local development and load-testing the fan-out path.
package fakedata

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"

	"github.com/chirpnet/chirp/graph"
	"github.com/chirpnet/chirp/models"
	"github.com/chirpnet/chirp/posts"
)

type Options struct {
	Users int
	// Fraction of users treated as "celebs" with many followers
	CelebRatio float64
	// Follows created per regular user
	FollowsPerUser int
	PostsPerUser   int
}

func DefaultOptions() *Options {
	return &Options{
		Users:          100,
		CelebRatio:     0.05,
		FollowsPerUser: 10,
		PostsPerUser:   5,
	}
}

// Seed populates users, a follow graph skewed toward a few celebs, and
// posts (each enqueued for fan-out through the posts service).
func Seed(ctx context.Context, db *gorm.DB, gs *graph.Service, ps *posts.Service, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}

	log := slog.Default().With("system", "fakedata")

	users := make([]models.User, 0, opts.Users)
	for i := 0; i < opts.Users; i++ {
		handle := strings.ToLower(fmt.Sprintf("%s%d", gofakeit.Username(), i))
		users = append(users, models.User{
			Handle:      handle,
			DisplayName: gofakeit.Name(),
			Bio:         gofakeit.Sentence(8),
		})
	}
	if err := db.WithContext(ctx).Create(&users).Error; err != nil {
		return fmt.Errorf("creating users: %w", err)
	}
	log.Info("created users", "count", len(users))

	ncelebs := int(float64(opts.Users) * opts.CelebRatio)
	if ncelebs < 1 {
		ncelebs = 1
	}
	celebs := users[:ncelebs]

	for _, u := range users {
		// everyone follows a celeb or two, plus a handful of randoms
		for _, c := range celebs {
			if c.ID == u.ID {
				continue
			}
			if err := gs.Follow(ctx, u.ID, c.ID); err != nil {
				return err
			}
		}
		for i := 0; i < opts.FollowsPerUser; i++ {
			target := users[rand.Intn(len(users))]
			if target.ID == u.ID {
				continue
			}
			if err := gs.Follow(ctx, u.ID, target.ID); err != nil {
				return err
			}
		}
	}
	log.Info("created follow graph", "celebs", ncelebs)

	var nposts int
	for _, u := range users {
		for i := 0; i < opts.PostsPerUser; i++ {
			if _, err := ps.CreatePost(ctx, u.ID, gofakeit.Sentence(10)); err != nil {
				return fmt.Errorf("creating post for %s: %w", u.Handle, err)
			}
			nposts++
		}
	}
	log.Info("created posts", "count", nposts)

	return nil
}
