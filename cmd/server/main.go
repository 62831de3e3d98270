// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/outreach-dispatch/internal/app"
	"github.com/unclebandit/outreach-dispatch/internal/config"
	"github.com/unclebandit/outreach-dispatch/internal/controller"
	"github.com/unclebandit/outreach-dispatch/internal/handler"
	"github.com/unclebandit/outreach-dispatch/internal/logging"
	"github.com/unclebandit/outreach-dispatch/internal/metrics"
	"github.com/unclebandit/outreach-dispatch/internal/queue"
	"github.com/unclebandit/outreach-dispatch/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := a.OpenQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	// Without a broker nobody else will consume dispatch requests.
	if _, inProcess := q.(*queue.InMemoryQueue); inProcess {
		dispatcher, err := a.Dispatcher()
		if err != nil {
			return err
		}
		w := service.NewWorker(dispatcher, cfg.Dispatch.BatchLimit, logger.Named("worker"))
		if err := q.Subscribe(service.DispatchTopic, w.Handle); err != nil {
			return err
		}
	}

	metrics.Register(prometheus.DefaultRegisterer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware(logger.Named("http")))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.PingContext(pingCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	handler.NewWebhookHandler(a.Reactor, logger.Named("webhooks")).Routes(r)
	(&controller.CampaignController{
		CampaignService: a.CampaignService,
		LeadService:     a.LeadService,
		QueueManager:    a.QueueManager,
		Queue:           q,
		BatchLimit:      cfg.Dispatch.BatchLimit,
		Logger:          logger.Named("api"),
	}).Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
