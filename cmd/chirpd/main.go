package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"

	"github.com/chirpnet/chirp/fakedata"
	"github.com/chirpnet/chirp/fanout"
	"github.com/chirpnet/chirp/feed"
	"github.com/chirpnet/chirp/feedcache"
	"github.com/chirpnet/chirp/graph"
	"github.com/chirpnet/chirp/notifs"
	"github.com/chirpnet/chirp/objcache"
	"github.com/chirpnet/chirp/posts"
	"github.com/chirpnet/chirp/server"
	"github.com/chirpnet/chirp/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "chirpd",
		Usage:   "feed fan-out and delivery service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/chirp/chirp.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Value:   "redis://localhost:6379/0",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"CHIRP_LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		seedCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "combined fan-out worker and API server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the HTTP API",
			Value:   ":4100",
			EnvVars: []string{"CHIRP_BIND"},
		},
		&cli.IntFlag{
			Name:    "feed-cache-size",
			Usage:   "maximum entries held per recipient in the feed list cache",
			Value:   1000,
			EnvVars: []string{"CHIRP_FEED_CACHE_SIZE"},
		},
		&cli.IntFlag{
			Name:    "feed-page-size",
			Value:   20,
			EnvVars: []string{"CHIRP_FEED_PAGE_SIZE"},
		},
		&cli.IntFlag{
			Name:    "fanout-batch-size",
			Value:   500,
			EnvVars: []string{"CHIRP_FANOUT_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "cache-ttl",
			Value:   24 * time.Hour,
			EnvVars: []string{"CHIRP_CACHE_TTL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := cliutil.SetupSlog(cliutil.LogOptions{LogLevel: cctx.String("log-level")})
		if err != nil {
			return err
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		rdb, err := setupRedis(cctx.String("redis-url"))
		if err != nil {
			return err
		}

		ttl := cctx.Duration("cache-ttl")

		objs := objcache.New(rdb, db, 10_000, ttl)
		feeds := feedcache.New(rdb, db, cctx.Int("feed-cache-size"), ttl, logger)
		gs := graph.NewService(db, objs)
		nm := notifs.NewManager(db, objs)

		fanoutStore := fanout.NewGormstore(db)
		if err := fanoutStore.LoadJobs(cctx.Context); err != nil {
			return fmt.Errorf("loading pending fanout jobs: %w", err)
		}

		fanoutOpts := fanout.DefaultOptions()
		fanoutOpts.BatchSize = cctx.Int("fanout-batch-size")
		fanouter := fanout.New("chirpd", db, feeds, gs, fanoutStore, fanoutOpts)

		ps := posts.NewService(db, objs, nm, fanouter)
		fs := feed.NewService(db, feeds, objs, &feed.Config{PageSize: cctx.Int("feed-page-size")})

		srv, err := server.NewServer(db, fs, ps, gs, nm, objs)
		if err != nil {
			return err
		}

		go fanouter.Start()

		apiErr := make(chan error, 1)
		go func() {
			apiErr <- srv.RunAPI(cctx.String("bind"))
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
		case err := <-apiErr:
			if err != nil {
				logger.Error("api server failed", "error", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fanouter.Stop(ctx); err != nil {
			logger.Error("failed to stop fanout processor", "error", err)
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down api server", "error", err)
		}
		return nil
	},
}

var seedCmd = &cli.Command{
	Name:  "seed",
	Usage: "populate the database with fake users, follows and posts",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "users",
			Value: 100,
		},
		&cli.IntFlag{
			Name:  "posts-per-user",
			Value: 5,
		},
	},
	Action: func(cctx *cli.Context) error {
		if _, err := cliutil.SetupSlog(cliutil.LogOptions{LogLevel: cctx.String("log-level")}); err != nil {
			return err
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		rdb, err := setupRedis(cctx.String("redis-url"))
		if err != nil {
			return err
		}

		objs := objcache.New(rdb, db, 10_000, time.Hour)
		feeds := feedcache.New(rdb, db, 1000, time.Hour, slog.Default())
		gs := graph.NewService(db, objs)
		nm := notifs.NewManager(db, objs)

		store := fanout.NewMemstore()
		fanouter := fanout.New("seed", db, feeds, gs, store, nil)
		ps := posts.NewService(db, objs, nm, fanouter)

		go fanouter.Start()
		defer fanouter.Stop(context.Background())

		opts := fakedata.DefaultOptions()
		opts.Users = cctx.Int("users")
		opts.PostsPerUser = cctx.Int("posts-per-user")

		if err := fakedata.Seed(cctx.Context, db, gs, ps, opts); err != nil {
			return err
		}

		// let the in-process fan-out drain before exiting
		time.Sleep(2 * time.Second)
		return nil
	},
}

func setupRedis(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return rdb, nil
}
