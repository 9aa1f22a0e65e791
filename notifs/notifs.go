// Package notifs records and serves per-user notifications for likes,
// comments and follows.
package notifs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chirpnet/chirp/models"
	"github.com/chirpnet/chirp/objcache"
)

type Manager struct {
	db   *gorm.DB
	objs *objcache.Store
}

func NewManager(db *gorm.DB, objs *objcache.Store) *Manager {
	db.AutoMigrate(&Record{})
	db.AutoMigrate(&Seen{})

	return &Manager{
		db:   db,
		objs: objs,
	}
}

const (
	KindLike    = 1
	KindComment = 2
	KindFollow  = 3
)

type Record struct {
	gorm.Model
	For     uint `gorm:"index"`
	Kind    int64
	Who     uint
	RefKind models.RefKind
	RefID   uint
}

type Seen struct {
	ID       uint `gorm:"primarykey"`
	Usr      uint `gorm:"uniqueIndex"`
	LastSeen time.Time
}

type ActorView struct {
	ID          uint   `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

type HydratedNotification struct {
	ID        uint      `json:"id"`
	Reason    string    `json:"reason"`
	Actor     ActorView `json:"actor"`
	Subject   any       `json:"subject,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

func (nm *Manager) GetNotifications(ctx context.Context, user uint, limit int) ([]*HydratedNotification, error) {
	var lastSeen time.Time
	if err := nm.db.WithContext(ctx).Model(Seen{}).Where("usr = ?", user).Select("last_seen").Scan(&lastSeen).Error; err != nil {
		return nil, err
	}

	var recs []Record
	if err := nm.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&recs, "for = ?", user).Error; err != nil {
		return nil, err
	}

	out := []*HydratedNotification{}
	for i := range recs {
		hn, err := nm.hydrateNotification(ctx, &recs[i], lastSeen)
		if err != nil {
			if errors.Is(err, objcache.ErrNotFound) {
				// actor or subject deleted since; skip rather than fail the list
				continue
			}
			return nil, err
		}
		out = append(out, hn)
	}
	return out, nil
}

func (nm *Manager) hydrateNotification(ctx context.Context, rec *Record, lastSeen time.Time) (*HydratedNotification, error) {
	actor, err := nm.objs.GetUser(ctx, rec.Who)
	if err != nil {
		return nil, err
	}

	hn := &HydratedNotification{
		ID: rec.ID,
		Actor: ActorView{
			ID:          actor.ID,
			Handle:      actor.Handle,
			DisplayName: actor.DisplayName,
		},
		IsRead:    rec.CreatedAt.Before(lastSeen),
		CreatedAt: rec.CreatedAt,
	}

	switch rec.Kind {
	case KindLike:
		hn.Reason = "like"
	case KindComment:
		hn.Reason = "comment"
	case KindFollow:
		hn.Reason = "follow"
		return hn, nil
	default:
		return nil, fmt.Errorf("attempted to hydrate unknown notif kind: %d", rec.Kind)
	}

	subject, err := nm.objs.ResolveRef(ctx, objcache.Ref{Kind: objcache.Kind(rec.RefKind), ID: rec.RefID})
	if err != nil {
		return nil, err
	}
	hn.Subject = subject

	return hn, nil
}

func (nm *Manager) GetCount(ctx context.Context, user uint) (int64, error) {
	var lseen time.Time
	if err := nm.db.WithContext(ctx).Model(Seen{}).Where("usr = ?", user).Select("last_seen").Scan(&lseen).Error; err != nil {
		return 0, err
	}

	var c int64
	if err := nm.db.WithContext(ctx).Model(Record{}).Where("for = ? AND created_at > ?", user, lseen).Count(&c).Error; err != nil {
		return 0, err
	}

	return c, nil
}

func (nm *Manager) UpdateSeen(ctx context.Context, usr uint, seen time.Time) error {
	if err := nm.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "usr"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
	}).Create(&Seen{
		Usr:      usr,
		LastSeen: seen,
	}).Error; err != nil {
		return err
	}

	return nil
}

// AddLike notifies the owner of the liked entity. Self-likes are not worth
// a notification.
func (nm *Manager) AddLike(ctx context.Context, owner, who uint, refKind models.RefKind, refID uint) error {
	if owner == who {
		return nil
	}
	return nm.db.WithContext(ctx).Create(&Record{
		Kind:    KindLike,
		For:     owner,
		Who:     who,
		RefKind: refKind,
		RefID:   refID,
	}).Error
}

func (nm *Manager) AddComment(ctx context.Context, postAuthor, who, commentID uint) error {
	if postAuthor == who {
		return nil
	}
	return nm.db.WithContext(ctx).Create(&Record{
		Kind:    KindComment,
		For:     postAuthor,
		Who:     who,
		RefKind: models.RefKindComment,
		RefID:   commentID,
	}).Error
}

func (nm *Manager) AddFollow(ctx context.Context, followed, follower uint) error {
	return nm.db.WithContext(ctx).Create(&Record{
		Kind: KindFollow,
		For:  followed,
		Who:  follower,
	}).Error
}
