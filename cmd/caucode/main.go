package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"caucode/internal/api"
	"caucode/internal/config"
	"caucode/internal/scheduler"
	"caucode/internal/service"
	"caucode/internal/solvedac"
	"caucode/internal/store"
	"caucode/internal/taskq"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Database.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	repo := store.NewSQLiteRepo(db)

	queue, err := taskq.New(taskq.Config{
		Workers:    cfg.Queue.Workers,
		BackoffCap: cfg.Queue.BackoffCap,
	}, log.With().Str("component", "taskq").Logger())
	if err != nil {
		return err
	}

	client := solvedac.NewClient(cfg.SolvedAC.BaseURL, cfg.SolvedAC.Timeout)
	profiles := service.NewProfileService(repo, client, queue, cfg.Profile.StaleAfter, log)
	verifications := service.NewVerificationService(repo, client, profiles, log)
	sessions := service.NewSessionService(repo, log)

	sched := scheduler.New(scheduler.DefaultConfig(), log.With().Str("component", "scheduler").Logger())
	if err := service.RegisterJobs(sched, profiles, verifications, sessions, queue, log); err != nil {
		return err
	}

	queue.Start()
	sched.Start()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServerWithDebug(queue, sched, profiles, cfg.Server.Debug),
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	sched.Shutdown()
	queue.Stop()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	return nil
}
