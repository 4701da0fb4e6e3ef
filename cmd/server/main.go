package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rollcall/internal/notify"
	"rollcall/internal/platform/config"
	"rollcall/internal/platform/httpserver"
	"rollcall/internal/platform/logger"
	platformredis "rollcall/internal/platform/redis"
	"rollcall/internal/platform/scheduler"
	"rollcall/internal/recordapi"
	"rollcall/internal/retry"
	"rollcall/internal/session"
	sessionmetrics "rollcall/internal/session/metrics"
	"rollcall/internal/session/store"
	"rollcall/internal/submission"
	submissionmetrics "rollcall/internal/submission/metrics"
	httptransport "rollcall/internal/transport/http"
	"rollcall/internal/verification"
	"rollcall/internal/verification/compare"
	verificationmetrics "rollcall/internal/verification/metrics"
	"rollcall/internal/verification/refstore"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionStore, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Error("store initialization failed", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	refs := refstore.New(cfg.RefStore.BaseURL, log, refstore.WithCacheTTL(cfg.RefStore.CacheTTL))
	defer refs.Close()

	creds := recordapi.NewSigner([]byte(cfg.RecordAPI.Secret), cfg.RecordAPI.ServiceID)
	records := recordapi.New(cfg.RecordAPI.BaseURL, creds, log)
	coordinator := submission.NewCoordinator(records, log,
		submission.WithMetrics(submissionmetrics.New()),
	)

	tracker := retry.New(retry.WithMaxAttempts(cfg.Session.MaxAttempts))
	comparer := compare.New(cfg.Compare.BaseURL)

	vmetrics := verificationmetrics.New()
	hub := verification.NewResultHub(log, vmetrics)

	var guard sessionGuard
	queue := verification.NewQueue(
		verification.Config{
			Capacity:       cfg.Queue.Capacity,
			MinWorkers:     cfg.Queue.MinWorkers,
			MaxWorkers:     cfg.Queue.MaxWorkers,
			ScaleInterval:  cfg.Queue.ScaleInterval,
			ScaleCooldown:  cfg.Queue.ScaleCooldown,
			CompareTimeout: cfg.Queue.CompareTimeout,
			Threshold:      cfg.Queue.Threshold,
		},
		refs, comparer, coordinator, &guard, tracker, hub, log, vmetrics,
	)

	var notifier session.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL)
	} else {
		notifier = notify.NewLogSink(log)
	}

	sessions := session.NewService(
		session.Config{
			DefaultRadiusMeters: cfg.Session.DefaultRadiusMeters,
			DefaultTTL:          cfg.Session.DefaultTTL,
			ReportBuffer:        cfg.Session.ReportBuffer,
			Retention:           cfg.Store.Retention,
			MaxAttempts:         cfg.Session.MaxAttempts,
		},
		sessionStore, queue, hub, tracker, reportSource{records}, notifier, log,
		session.WithMetrics(sessionmetrics.New()),
		session.WithForgetters(coordinator),
	)
	defer sessions.Stop()
	guard.service = sessions

	queue.Start(ctx)

	sched := scheduler.New(log)
	sched.Every(cfg.Session.SweepInterval, "sweep", func() {
		sessions.Sweep(context.Background())
	})
	sched.Start()
	defer sched.Stop()

	handler := httptransport.NewHandler(sessions, queue, log)
	router := httptransport.NewRouter(handler)
	srv := httpserver.New(cfg.HTTP.Addr, router, cfg.HTTP.ReadHeaderTimeout)

	go func() {
		log.Info("rollcall listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	queue.Wait()
}

// buildStore selects the session store backend from configuration.
func buildStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		client, err := platformredis.New(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedis(client.Client, cfg.Store.Retention), func() { _ = client.Close() }, nil
	case "postgres":
		db, err := sql.Open("pgx", cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store.NewPostgres(db), func() { _ = db.Close() }, nil
	default:
		return store.NewInMemory(), func() {}, nil
	}
}

// reportSource adapts the record API client to the session service's
// attendance port.
type reportSource struct {
	client *recordapi.Client
}

func (r reportSource) FetchAttendance(ctx context.Context, code string) ([]session.AttendanceMark, error) {
	lines, err := r.client.FetchAttendance(ctx, code)
	if err != nil {
		return nil, err
	}
	marks := make([]session.AttendanceMark, 0, len(lines))
	for _, line := range lines {
		marks = append(marks, session.AttendanceMark{ParticipantID: line.ParticipantID, Present: line.Present})
	}
	return marks, nil
}

// sessionGuard defers the queue's session check to the session service,
// breaking the construction cycle between queue and service.
type sessionGuard struct {
	service *session.Service
}

func (g *sessionGuard) IsActive(ctx context.Context, code string) bool {
	if g.service == nil {
		return false
	}
	return g.service.IsActive(ctx, code)
}
