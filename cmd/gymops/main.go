package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/eevans-d/gymops-messaging/internal/api"
	"github.com/eevans-d/gymops-messaging/internal/campaign"
	"github.com/eevans-d/gymops-messaging/internal/config"
	"github.com/eevans-d/gymops-messaging/internal/delivery"
	"github.com/eevans-d/gymops-messaging/internal/dispatch"
	"github.com/eevans-d/gymops-messaging/internal/provider"
	"github.com/eevans-d/gymops-messaging/internal/queue"
	"github.com/eevans-d/gymops-messaging/internal/ratelimit"
	"github.com/eevans-d/gymops-messaging/internal/repo"
	"github.com/eevans-d/gymops-messaging/internal/template"
	"github.com/eevans-d/gymops-messaging/internal/window"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("postgres unreachable: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("redis unreachable: %v", err)
	}

	messages := repo.NewPostgresMessageRepo(db)
	campaigns := repo.NewPostgresCampaignRepo(db)

	limiter := ratelimit.NewRedisLimiter(rdb, cfg.Quota.DailyLimit, cfg.Quota.Window)

	win, err := window.New(cfg.Window.StartHour, cfg.Window.EndHour, nil)
	if err != nil {
		log.Fatal(err)
	}

	providerClient := provider.NewClient(cfg.Provider.URL, cfg.Provider.APIKey, cfg.Provider.Timeout, cfg.Provider.TPS)

	dispatchQ, err := queue.NewRedisQueue(rdb, "dispatch", cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase)
	if err != nil {
		log.Fatal(err)
	}
	campaignQ, err := queue.NewRedisQueue(rdb, "campaigns", cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase)
	if err != nil {
		log.Fatal(err)
	}

	engine := dispatch.NewEngine(
		limiter,
		win,
		template.Default(),
		providerClient,
		messages,
		dispatchQ,
		cfg.Provider.LanguageCode,
		cfg.Provider.Timeout,
	)
	sequencer := campaign.NewSequencer(campaigns, campaignQ, engine)
	tracker := delivery.NewTracker(messages)

	dispatchWorker, err := queue.NewWorker(dispatchQ, cfg.Queue.PollInterval, cfg.Queue.Workers)
	if err != nil {
		log.Fatal(err)
	}
	dispatchWorker.Register(dispatch.KindDeferredSend, engine.HandleDeferredSend)

	campaignWorker, err := queue.NewWorker(campaignQ, cfg.Queue.PollInterval, cfg.Queue.Workers)
	if err != nil {
		log.Fatal(err)
	}
	campaignWorker.Register(campaign.KindCampaignStep, sequencer.HandleStep)

	dispatchWorker.Start()
	campaignWorker.Start()

	h := api.NewHandler(engine, tracker, sequencer, messages, map[string]*queue.RedisQueue{
		"dispatch":  dispatchQ,
		"campaigns": campaignQ,
	}, cfg.Webhook.Secret)

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(h)),
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	campaignWorker.Stop()
	dispatchWorker.Stop()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
