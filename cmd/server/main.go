package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pauljones0/zdm-digest-bot/internal/config"
	"github.com/pauljones0/zdm-digest-bot/internal/digest"
	"github.com/pauljones0/zdm-digest-bot/internal/filter"
	"github.com/pauljones0/zdm-digest-bot/internal/notifier"
	"github.com/pauljones0/zdm-digest-bot/internal/processor"
	"github.com/pauljones0/zdm-digest-bot/internal/scheduler"
	"github.com/pauljones0/zdm-digest-bot/internal/scraper"
	"github.com/pauljones0/zdm-digest-bot/internal/storage"
)

const processJob = "process-deals"

type Server struct {
	processor processor.Processor
	scheduler *scheduler.Scheduler
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Critical error loading configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg)
	slog.Info("Starting zdm digest bot", "mode", cfg.RunMode, "store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Exiting with error", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing %s store: %w", cfg.StoreDriver, err)
	}
	defer store.Close()

	p, err := newProcessor(cfg, store)
	if err != nil {
		return err
	}

	if cfg.RunMode == config.RunModeOnce {
		return p.ProcessDeals(ctx)
	}
	return serve(ctx, cfg, p)
}

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Detail {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func newProcessor(cfg *config.Config, store storage.Store) (*processor.DealProcessor, error) {
	rules := filter.Rules{
		Blacklist:    filter.ParseBlacklist(cfg.BlackWords),
		Whitelist:    filter.ParseWhitelist(cfg.WhiteWords, cfg.MinVoted, cfg.MinComments),
		PriceMarkers: cfg.PriceMarkers,
	}
	engine := filter.New(rules, cfg.Detail)
	slog.Info("Filter configured", "mode", engine.Mode(), "blacklist", len(rules.Blacklist), "whitelist", len(rules.Whitelist))

	renderer, err := digest.NewRenderer(cfg.DigestSubject, cfg.Location())
	if err != nil {
		return nil, err
	}

	// Channels are attempted in priority order.
	dispatcher := notifier.NewDispatcher(
		notifier.NewEmail(cfg.EmailHost, cfg.EmailPort, cfg.EmailAccount, cfg.EmailPassword, cfg.EmailTo),
		notifier.NewWxPusher(cfg.WxPusherSPT, cfg.WxPusherURL),
		notifier.NewDiscord(cfg.DiscordWebhookURL),
		notifier.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID),
	)

	return processor.New(
		store,
		scraper.New(cfg),
		dispatcher,
		engine,
		digest.NewBuilder(cfg.BatchSize, renderer),
		cfg,
	), nil
}

func serve(ctx context.Context, cfg *config.Config, p processor.Processor) error {
	sched := scheduler.New(cfg.Location(), scheduler.DefaultTimeout)
	srv := &Server{processor: p, scheduler: sched}

	if cfg.CronSchedule != "" {
		if err := sched.AddJob(processJob, cfg.CronSchedule, p.ProcessDeals); err != nil {
			return err
		}
		sched.Start()
		defer func() {
			<-sched.Stop().Done()
		}()
		if next, ok := sched.Next(processJob); ok {
			slog.Info("Next scheduled run", "at", next)
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("Listening on port", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to listen and serve: %w", err)
	}
	slog.Info("Server stopped.")
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.ProcessDealsHandler)
	mux.HandleFunc("/process-deals", s.ProcessDealsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ProcessDealsHandler starts a run in the background and returns at once.
// Requests that arrive while a run is in flight join that run.
func (s *Server) ProcessDealsHandler(w http.ResponseWriter, r *http.Request) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Panic in ProcessDeals", "panic", r)
			}
		}()
		shared, err := s.scheduler.Run(context.Background(), processJob, s.processor.ProcessDeals)
		if err != nil && !shared {
			slog.Error("Error processing deals", "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "Deal processing started.")
}
