package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bias-lab/biaslab-go/internal/analysis"
	"github.com/bias-lab/biaslab-go/internal/article"
	"github.com/bias-lab/biaslab-go/internal/auth"
	"github.com/bias-lab/biaslab-go/internal/bias"
	"github.com/bias-lab/biaslab-go/internal/cache"
	"github.com/bias-lab/biaslab-go/internal/calibration"
	"github.com/bias-lab/biaslab-go/internal/db"
	"github.com/bias-lab/biaslab-go/internal/events"
	"github.com/bias-lab/biaslab-go/internal/handlers"
	"github.com/bias-lab/biaslab-go/internal/monitor"
	"github.com/bias-lab/biaslab-go/internal/ratelimit"
	"github.com/bias-lab/biaslab-go/internal/server"
	"github.com/bias-lab/biaslab-go/internal/sse"
	"github.com/bias-lab/biaslab-go/internal/tasks"
	biastls "github.com/bias-lab/biaslab-go/internal/tls"
	"github.com/bias-lab/biaslab-go/internal/ws"
)

const memoryCacheEntries = 1024

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

// scoringPipeline builds the cascade from whichever providers are configured.
func scoringPipeline(ctx context.Context) *bias.Pipeline {
	opts := bias.PipelineOptions{
		Lexicon:       bias.MustLexiconScorer(),
		DeepThreshold: cfg.DeepAnalysisThreshold,
		Observer:      monitor.StageMetrics{},
	}

	chat := bias.NewChatScorer(bias.ChatConfig{
		BaseURL: cfg.LLMAPIURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
	if chat.Configured() {
		opts.Fast = bias.WithBreaker(chat, bias.DefaultBreakerSettings)
	} else {
		logger.Warn("chat scorer not configured, fast stage disabled")
	}

	claude := bias.NewClaudeScorer(ctx, bias.ClaudeConfig{
		APIKey:     cfg.AnthropicAPIKey,
		Model:      cfg.ClaudeModel,
		UseBedrock: cfg.UseBedrock,
		Region:     cfg.AWSRegion,
		Timeout:    cfg.LLMTimeout,
	})
	if claude.Configured() {
		opts.Deep = bias.WithBreaker(claude, bias.DefaultBreakerSettings)
	} else {
		logger.Warn("claude scorer not configured, deep stage disabled")
	}

	return bias.NewPipeline(opts, logger)
}

func newFetcher() *article.Fetcher {
	return article.NewFetcher(article.FetcherOptions{
		Timeout:      cfg.FetchTimeout,
		MaxBytes:     cfg.FetchMaxBytes,
		AllowPrivate: cfg.AllowPrivateHosts,
	}, logger)
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL
	database, err := db.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	var store cache.Cache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		store = rc
	} else {
		logger.Warn("REDIS_URL not set, using in-process cache")
		store = cache.NewMemoryCache(memoryCacheEntries)
	}
	defer store.Close()

	var (
		publisher events.Publisher = events.Nop{}
		nc        *events.NATSPublisher
	)
	if cfg.NatsURL != "" {
		if nc, err = events.NewNATSPublisher(cfg.NatsURL, logger); err != nil {
			return err
		}
		publisher = nc
	}
	defer publisher.Close()

	// Init components
	runner := tasks.NewRunner(tasks.Options{
		Workers:   cfg.WorkerConcurrency,
		QueueSize: cfg.TaskQueueSize,
		Threshold: cfg.BackpressureThreshold,
	}, logger)
	// Jobs run whole cascades, so they get their own workers and budget.
	jobRunner := tasks.NewRunner(tasks.Options{
		Workers:   cfg.WorkerConcurrency,
		QueueSize: cfg.TaskQueueSize,
		Timeout:   cfg.JobTimeout(),
		Threshold: cfg.BackpressureThreshold,
	}, logger)
	tracker := monitor.NewTracker(runner)
	pipeline := scoringPipeline(ctx)
	hub := sse.NewHub(logger)
	wsManager := ws.NewManager(tracker, logger)
	limiter := ratelimit.New()

	svc := analysis.NewService(analysis.Deps{
		Store:    database,
		Cache:    store,
		Fetcher:  newFetcher(),
		Pipeline: pipeline,
		Tasks:    runner,
		Jobs:     jobRunner,
		Tracker:  tracker,
		Hub:      hub,
		WS:       wsManager,
		Events:   publisher,
	}, analysis.Options{CacheTTL: cfg.CacheTTL}, logger)

	calibrator := calibration.NewLoop(pipeline, tracker, database, wsManager, publisher,
		calibration.Options{Interval: cfg.CalibrationInterval}, logger)

	checks := []monitor.Check{
		{Name: "database", Required: true, Fn: database.Ping},
		{Name: "cache", Fn: store.Ping},
	}
	if nc != nil {
		checks = append(checks, monitor.Check{Name: "nats", Fn: nc.Ping})
	}
	checker := monitor.NewChecker(checks, tracker, 0, logger)

	router := handlers.NewRouter(handlers.RouterConfig{
		Analyses:  handlers.NewAnalysisHandler(svc, logger),
		Ops:       handlers.NewOpsHandler(tracker, svc, calibrator, checker, logger),
		Auth:      auth.NewKeyAuth(cfg.APIKeys, logger),
		Limiter:   limiter,
		WebSocket: wsManager.HandleWS,
		Metrics:   promhttp.Handler(),
	})

	// Start background goroutines
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	loops := server.NewLoops(loopCtx, logger)
	loops.Go("pg-listener", sse.NewPGListener(database.Pool, db.AnalysisChannel, hub, logger).Listen)
	loops.Go("ws-stats", func(ctx context.Context) {
		wsManager.RunStatsBroadcaster(ctx, ws.StatsInterval)
	})
	loops.Go("calibration", calibrator.Run)
	loops.Go("health-checker", checker.Run)
	loops.Go("job-sweeper", func(ctx context.Context) {
		svc.RunJobSweeper(ctx, time.Minute)
	})
	loops.Go("ratelimit-sweep", func(ctx context.Context) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Sweep(ratelimit.MaxWindow)
			}
		}
	})

	servers, err := httpServers(ctx, router)
	if err != nil {
		return err
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *listenServer) {
			logger.Info("server starting", "addr", s.srv.Addr, "tls", s.tls)
			if err := s.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(s)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("server failed", "err", serveErr)
	}

	// Graceful shutdown
	cancelLoops()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	wsManager.Close()
	for _, s := range servers {
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "addr", s.srv.Addr, "err", err)
		}
	}
	if err := jobRunner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("analysis jobs did not drain", "err", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background tasks did not drain", "err", err)
	}
	if err := loops.Wait(shutdownCtx); err != nil {
		logger.Warn("background loops did not stop", "err", err)
	}
	logger.Info("server stopped")
	return serveErr
}

type listenServer struct {
	srv *http.Server
	tls bool
}

func (s *listenServer) serve() error {
	if !s.tls {
		return s.srv.ListenAndServe()
	}
	ln, err := biastls.Listen(s.srv)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

// httpServers returns the plain API server, or the HTTPS and ACME challenge
// servers when TLS domains are configured.
func httpServers(ctx context.Context, handler http.Handler) ([]*listenServer, error) {
	if len(cfg.TLSDomains) == 0 {
		return []*listenServer{{srv: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      0, // SSE + WebSocket need unlimited write time
			IdleTimeout:       60 * time.Second,
		}}}, nil
	}

	cm, err := biastls.NewCertManager(biastls.Options{
		Domains:    cfg.TLSDomains,
		Email:      cfg.ACMEEmail,
		Production: cfg.Production(),
	}, logger)
	if err != nil {
		return nil, err
	}
	https, plain, err := cm.Servers(ctx, handler)
	if err != nil {
		return nil, err
	}
	https.IdleTimeout = 60 * time.Second
	return []*listenServer{{srv: https, tls: true}, {srv: plain}}, nil
}
