// internal/service/worker.go
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DispatchTopic is the message queue topic carrying dispatch run requests.
const DispatchTopic = "dispatch_runs"

// DispatchRequest asks a worker for one dispatcher run.
type DispatchRequest struct {
	RunID       string    `json:"run_id"`
	Limit       int       `json:"limit"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewDispatchRequest(limit int, now time.Time) DispatchRequest {
	return DispatchRequest{RunID: uuid.NewString(), Limit: limit, RequestedAt: now.UTC()}
}

// Processor is the part of Dispatcher a worker drives.
type Processor interface {
	Process(ctx context.Context, limit int) (*DispatchResult, error)
}

// Worker executes dispatch run requests taken off the message queue.
type Worker struct {
	Dispatcher   Processor
	DefaultLimit int
	Logger       *zap.Logger
}

func NewWorker(p Processor, defaultLimit int, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{Dispatcher: p, DefaultLimit: defaultLimit, Logger: logger}
}

// Handle decodes one request and runs the dispatcher. A malformed payload is
// logged and dropped; a failed run is returned so the queue can redeliver
// it, which is safe because items are claimed before they are sent.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var req DispatchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		w.Logger.Warn("dropping malformed dispatch request", zap.Error(err))
		return nil
	}
	_, err := w.Run(ctx, req)
	return err
}

func (w *Worker) Run(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = w.DefaultLimit
	}
	log := w.Logger.With(zap.String("run_id", req.RunID), zap.Int("limit", limit))
	if !req.RequestedAt.IsZero() {
		log = log.With(zap.Duration("queued_for", time.Since(req.RequestedAt)))
	}

	res, err := w.Dispatcher.Process(ctx, limit)
	if err != nil {
		log.Error("dispatch run failed", zap.Error(err))
		return res, fmt.Errorf("dispatch run %s: %w", req.RunID, err)
	}
	log.Info("dispatch run complete",
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}
