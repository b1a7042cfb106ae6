package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"linkflow/internal/api"
	"linkflow/internal/campaign"
	"linkflow/internal/domain"
	"linkflow/internal/engine"
	"linkflow/internal/executor"
	"linkflow/internal/lock"
	"linkflow/internal/maintenance"
	"linkflow/internal/presence"
	"linkflow/internal/queue"
	"linkflow/internal/ratelimit"
	"linkflow/internal/slot"
	"linkflow/internal/worker"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "HTTP bind address")
		dbPath    = flag.String("db", "linkflow.db", "SQLite DB path")
		redisAddr = flag.String("redis-addr", "localhost:6379", "Redis address")
		redisDB   = flag.Int("redis-db", 0, "Redis database index")
		mode      = flag.String("mode", "extension", "dispatch mode: extension or direct")
		execURL   = flag.String("executor-url", "", "session executor base URL (direct mode)")
		workers   = flag.Int("workers", 4, "number of worker goroutines (direct mode)")
		poll      = flag.Duration("poll", 5*time.Second, "poll interval for due instructions (direct mode)")
		sweepCron = flag.String("sweep-cron", "*/5 * * * *", "maintenance sweep schedule")
		staleAge  = flag.Duration("stale-age", 15*time.Minute, "age before a processing instruction is recovered")
		silence   = flag.Duration("ext-silence", presence.DefaultSilence, "extension silence before a reconnect is assumed")

		minDelay = flag.Duration("min-delay", 30*time.Second, "default minimum spacing between actions")
		maxDelay = flag.Duration("max-delay", 2*time.Minute, "default maximum spacing between actions")
		hourly   = flag.Int("hourly", 50, "default hourly action limit")
		daily    = flag.Int("daily", 200, "default daily action limit")
		weekly   = flag.Int("weekly", 800, "default weekly action limit")
		attempts = flag.Int("max-attempts", 3, "attempts before an instruction fails")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_time_format=sqlite&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}
	if err := campaign.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure campaign schema")
	}

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr, DB: *redisDB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", *redisAddr).Msg("redis unreachable")
	}
	defer rdb.Close()

	repo := queue.NewSQLiteRepo(db)
	campaigns := campaign.NewSQLiteStore(db)

	if n, err := repo.RecoverStale(context.Background(), time.Now().Add(-*staleAge)); err != nil {
		log.Fatal().Err(err).Msg("recover stale instructions")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale processing instructions")
	}

	var exec executor.Executor
	switch *mode {
	case "direct":
		if *execURL == "" {
			log.Fatal().Msg("direct mode requires -executor-url")
		}
		exec = executor.NewSession(*execURL, 90*time.Second)
	case "extension":
		// Instructions are delivered through the poll/report endpoints.
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}

	eng := engine.New(
		repo,
		campaigns,
		ratelimit.New(rdb),
		slot.New(rdb),
		engine.RedisLocks{Manager: lock.NewManager(rdb)},
		presence.NewTracker(rdb, *silence),
		exec,
		engine.Defaults{
			Delay:       domain.Delay{Min: *minDelay, Max: *maxDelay},
			Limits:      domain.Limits{Hourly: *hourly, Daily: *daily, Weekly: *weekly},
			MaxAttempts: *attempts,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mode == "direct" {
		pool := worker.NewPool(repo, eng, *workers, *poll)
		go pool.Run(ctx)
		defer pool.Stop()
	}

	sweeper, err := maintenance.NewService(repo, *sweepCron, *staleAge)
	if err != nil {
		log.Fatal().Err(err).Str("cron", *sweepCron).Msg("invalid sweep schedule")
	}
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(eng, repo, campaigns)}
	go func() {
		log.Info().Str("addr", *addr).Str("mode", *mode).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
