package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/chirpnet/chirp/feed"
	"github.com/chirpnet/chirp/models"
)

func paramUint(c echo.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return uint(v), nil
}

func queryUint(c echo.Context, name string) (uint, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "missing "+name)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return uint(v), nil
}

// queryTime parses an optional cursor timestamp, passed as unix nanoseconds.
func queryTime(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return time.Unix(0, n), nil
}

type createUserBody struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	Bio         string `json:"bio"`
}

func (s *Server) handleCreateUser(c echo.Context) error {
	var body createUserBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if body.Handle == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "handle is required")
	}

	u := models.User{
		Handle:      body.Handle,
		DisplayName: body.DisplayName,
		Bio:         body.Bio,
	}
	if err := s.db.WithContext(c.Request().Context()).Create(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return echo.NewHTTPError(http.StatusConflict, "handle already taken")
		}
		return err
	}

	s.handleCache.Add(u.Handle, u.ID)
	return c.JSON(http.StatusCreated, u)
}

func (s *Server) resolveHandle(c echo.Context, handle string) (uint, error) {
	if id, ok := s.handleCache.Get(handle); ok {
		return id, nil
	}

	var u models.User
	if err := s.db.WithContext(c.Request().Context()).First(&u, "handle = ?", handle).Error; err != nil {
		return 0, err
	}

	s.handleCache.Add(handle, u.ID)
	return u.ID, nil
}

func (s *Server) handleGetProfile(c echo.Context) error {
	id, err := s.resolveHandle(c, c.Param("handle"))
	if err != nil {
		return err
	}

	u, err := s.objs.GetUser(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (s *Server) handleAuthorFeed(c echo.Context) error {
	id, err := s.resolveHandle(c, c.Param("handle"))
	if err != nil {
		return err
	}

	olderThan, err := queryTime(c, "older_than")
	if err != nil {
		return err
	}

	page, err := s.feed.AuthorFeed(c.Request().Context(), id, olderThan)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

type createPostBody struct {
	AuthorID uint   `json:"author_id"`
	Content  string `json:"content"`
}

func (s *Server) handleCreatePost(c echo.Context) error {
	var body createPostBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	post, err := s.posts.CreatePost(c.Request().Context(), body.AuthorID, body.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, post)
}

type updatePostBody struct {
	Content string `json:"content"`
}

func (s *Server) handleUpdatePost(c echo.Context) error {
	id, err := paramUint(c, "id")
	if err != nil {
		return err
	}

	var body updatePostBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	post, err := s.posts.UpdatePost(c.Request().Context(), id, body.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, post)
}

func (s *Server) handleDeletePost(c echo.Context) error {
	id, err := paramUint(c, "id")
	if err != nil {
		return err
	}

	if err := s.posts.DeletePost(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleFeed(c echo.Context) error {
	user, err := queryUint(c, "user_id")
	if err != nil {
		return err
	}

	olderThan, err := queryTime(c, "older_than")
	if err != nil {
		return err
	}
	newerThan, err := queryTime(c, "newer_than")
	if err != nil {
		return err
	}
	if !olderThan.IsZero() && !newerThan.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "older_than and newer_than are mutually exclusive")
	}

	var olderThanID uint
	if raw := c.QueryParam("older_than_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid older_than_id")
		}
		olderThanID = uint(v)
	}

	page, err := s.feed.Page(c.Request().Context(), user, feed.Cursor{
		OlderThan:   olderThan,
		OlderThanID: olderThanID,
		NewerThan:   newerThan,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

type followBody struct {
	FromUserID uint `json:"from_user_id"`
	ToUserID   uint `json:"to_user_id"`
}

func (s *Server) handleFollow(c echo.Context) error {
	var body followBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	ctx := c.Request().Context()
	if err := s.graph.Follow(ctx, body.FromUserID, body.ToUserID); err != nil {
		return err
	}

	if err := s.notifs.AddFollow(ctx, body.ToUserID, body.FromUserID); err != nil {
		s.log.Error("failed to add follow notification", "error", err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnfollow(c echo.Context) error {
	var body followBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := s.graph.Unfollow(c.Request().Context(), body.FromUserID, body.ToUserID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type likeBody struct {
	UserID  uint   `json:"user_id"`
	RefKind string `json:"ref_kind"`
	RefID   uint   `json:"ref_id"`
}

func parseRefKind(raw string) (models.RefKind, error) {
	switch models.RefKind(raw) {
	case models.RefKindPost:
		return models.RefKindPost, nil
	case models.RefKindComment:
		return models.RefKindComment, nil
	default:
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid ref_kind")
	}
}

func (s *Server) handleLike(c echo.Context) error {
	var body likeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	kind, err := parseRefKind(body.RefKind)
	if err != nil {
		return err
	}

	if err := s.posts.Like(c.Request().Context(), body.UserID, kind, body.RefID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnlike(c echo.Context) error {
	var body likeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	kind, err := parseRefKind(body.RefKind)
	if err != nil {
		return err
	}

	if err := s.posts.Unlike(c.Request().Context(), body.UserID, kind, body.RefID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type createCommentBody struct {
	UserID  uint   `json:"user_id"`
	PostID  uint   `json:"post_id"`
	Content string `json:"content"`
}

func (s *Server) handleCreateComment(c echo.Context) error {
	var body createCommentBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	comment, err := s.posts.CreateComment(c.Request().Context(), body.UserID, body.PostID, body.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, comment)
}

func (s *Server) handleNotifications(c echo.Context) error {
	user, err := queryUint(c, "user_id")
	if err != nil {
		return err
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	out, err := s.notifs.GetNotifications(c.Request().Context(), user, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleNotificationCount(c echo.Context) error {
	user, err := queryUint(c, "user_id")
	if err != nil {
		return err
	}

	n, err := s.notifs.GetCount(c.Request().Context(), user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"count": n})
}

type seenBody struct {
	UserID uint `json:"user_id"`
}

func (s *Server) handleNotificationsSeen(c echo.Context) error {
	var body seenBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := s.notifs.UpdateSeen(c.Request().Context(), body.UserID, time.Now()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
