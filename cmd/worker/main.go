// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-dispatch/internal/app"
	"github.com/unclebandit/outreach-dispatch/internal/config"
	"github.com/unclebandit/outreach-dispatch/internal/logging"
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
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required for the standalone worker")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	dispatcher, err := a.Dispatcher()
	if err != nil {
		return err
	}
	q, err := queue.DialAMQP(cfg.AMQPURL, logger.Named("amqp"))
	if err != nil {
		return err
	}

	if err := subscribe(ctx, q, service.NewWorker(dispatcher, cfg.Dispatch.BatchLimit, logger.Named("worker"))); err != nil {
		q.Close()
		return err
	}
	logger.Info("worker running, waiting for dispatch requests", zap.String("topic", service.DispatchTopic))

	<-ctx.Done()
	logger.Info("shutting down")
	return q.Close()
}

// subscribe binds w to the dispatch topic. Handler contexts are tied to ctx so
// a shutdown cancels the pacing wait of a run in progress.
func subscribe(ctx context.Context, q queue.Queue, w *service.Worker) error {
	return q.Subscribe(service.DispatchTopic, func(hctx context.Context, body []byte) error {
		runCtx, cancel := context.WithCancel(hctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return w.Handle(runCtx, body)
	})
}
