package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/judger/internal/config"
	"github.com/coderunr/judger/internal/handler"
	"github.com/coderunr/judger/internal/judge"
	"github.com/coderunr/judger/internal/language"
	"github.com/coderunr/judger/internal/middleware"
	"github.com/coderunr/judger/internal/sandbox"
	"github.com/coderunr/judger/internal/version"
	"github.com/coderunr/judger/internal/workspace"
)

func main() {
	configFile := flag.String("config", "", "Path to a config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := cfg.NewLogger()
	logrus.SetLevel(logger.GetLevel())
	logrus.SetFormatter(logger.Formatter)

	logger.WithFields(logrus.Fields{
		"version":  version.Version,
		"provider": cfg.Provider,
	}).Info("Starting judger API server")

	provider, err := sandbox.NewProvider(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sandbox provider")
	}

	judgeManager, err := newJudgeManager(cfg, provider)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize judge")
	}

	h := handler.NewHandler(judgeManager, cfg, logger)

	stop := make(chan struct{})
	limiter := middleware.NewRateLimiter(cfg.RateLimit.GlobalRPS, cfg.RateLimit.PerIPRPS, cfg.RateLimit.PerIPBurst)
	limiter.StartCleanup(5*time.Minute, stop)

	server := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           newRouter(cfg, h, limiter, logger),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout(cfg),
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("API server starting on %s", cfg.BindAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	close(stop)

	// In-flight submissions get a full time limit plus compile to finish
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout(cfg))
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("Server exited")
}

// newJudgeManager wires the registry, workspaces and provider into a judge
func newJudgeManager(cfg *config.Config, provider sandbox.Provider) (*judge.Manager, error) {
	registry, err := language.NewRegistry(cfg.Languages)
	if err != nil {
		return nil, err
	}

	workspaces, err := workspace.NewManager(cfg.VolumeRoot)
	if err != nil {
		return nil, err
	}

	return judge.NewManager(cfg, registry, workspaces, provider), nil
}

func newRouter(cfg *config.Config, h *handler.Handler, limiter *middleware.RateLimiter, logger *logrus.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.BodyLimit(cfg.RequestBodyLimit))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limiter.Handler)
			r.Use(middleware.JSON)
			r.Use(chiMiddleware.Timeout(writeTimeout(cfg)))
			r.Post("/judge", h.Judge)
			r.Post("/run", h.Run)
		})

		// WebSocket route (no JSON middleware)
		r.With(limiter.Handler).HandleFunc("/connect", h.HandleWebSocket)

		r.Get("/languages", h.GetLanguages)
	})

	r.Get("/", h.GetVersion)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return r
}

// writeTimeout covers the slowest possible submission: compile plus the
// largest time limit, with headroom for staging and cleanup
func writeTimeout(cfg *config.Config) time.Duration {
	maxRun := time.Duration(cfg.MaxTimeLimitSeconds * float64(time.Second))
	return cfg.CompileTimeout + maxRun + 30*time.Second
}
