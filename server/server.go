// Package server exposes the chirp HTTP API over echo. Identity is a
// trusted user id parameter; session handling lives outside this service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"

	"github.com/chirpnet/chirp/fanout"
	"github.com/chirpnet/chirp/feed"
	"github.com/chirpnet/chirp/graph"
	"github.com/chirpnet/chirp/notifs"
	"github.com/chirpnet/chirp/objcache"
	"github.com/chirpnet/chirp/posts"
)

type Server struct {
	echo   *echo.Echo
	db     *gorm.DB
	feed   *feed.Service
	posts  *posts.Service
	graph  *graph.Service
	notifs *notifs.Manager
	objs   *objcache.Store

	// hot handle → user id mappings, so profile lookups by handle skip the
	// database on repeat hits
	handleCache *lru.Cache[string, uint]

	log *slog.Logger
}

func NewServer(db *gorm.DB, feeds *feed.Service, ps *posts.Service, gs *graph.Service, nm *notifs.Manager, objs *objcache.Store) (*Server, error) {
	hc, err := lru.New[string, uint](100_000)
	if err != nil {
		return nil, err
	}

	return &Server{
		db:          db,
		feed:        feeds,
		posts:       ps,
		graph:       gs,
		notifs:      nm,
		objs:        objs,
		handleCache: hc,
		log:         slog.Default().With("system", "server"),
	}, nil
}

func (s *Server) RunAPI(addr string) error {
	var lc net.ListenConfig
	li, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}
	return s.RunAPIWithListener(li)
}

func (s *Server) RunAPIWithListener(listen net.Listener) error {
	e := echo.New()
	s.echo = e
	e.HideBanner = true
	e.Use(slogecho.New(s.log))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64K"))
	e.HTTPErrorHandler = s.errorHandler

	s.RegisterRoutes(e)

	e.Listener = listen
	srv := &http.Server{}
	return e.StartServer(srv)
}

// RegisterRoutes attaches all API routes to an echo instance. Split out so
// tests can drive handlers without binding a listener.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/_health", s.handleHealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/api/users", s.handleCreateUser)
	e.GET("/api/users/:handle", s.handleGetProfile)
	e.GET("/api/users/:handle/posts", s.handleAuthorFeed)

	e.POST("/api/posts", s.handleCreatePost)
	e.PATCH("/api/posts/:id", s.handleUpdatePost)
	e.DELETE("/api/posts/:id", s.handleDeletePost)

	e.GET("/api/feed", s.handleFeed)

	e.POST("/api/follows", s.handleFollow)
	e.DELETE("/api/follows", s.handleUnfollow)

	e.POST("/api/likes", s.handleLike)
	e.DELETE("/api/likes", s.handleUnlike)

	e.POST("/api/comments", s.handleCreateComment)

	e.GET("/api/notifications", s.handleNotifications)
	e.GET("/api/notifications/count", s.handleNotificationCount)
	e.POST("/api/notifications/seen", s.handleNotificationsSeen)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	switch {
	case errors.Is(err, posts.ErrNotFound),
		errors.Is(err, fanout.ErrPostNotFound),
		errors.Is(err, feed.ErrUserNotFound),
		errors.Is(err, objcache.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, posts.ErrEmptyContent),
		errors.Is(err, posts.ErrContentTooLong):
		c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	default:
		var he *echo.HTTPError
		if errors.As(err, &he) {
			c.JSON(he.Code, map[string]any{"error": he.Message})
			return
		}
		s.log.Error("request failed", "path", c.Path(), "error", err)
		c.JSON(http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
