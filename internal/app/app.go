// internal/app/app.go
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-dispatch/internal/cache"
	"github.com/unclebandit/outreach-dispatch/internal/config"
	"github.com/unclebandit/outreach-dispatch/internal/db"
	"github.com/unclebandit/outreach-dispatch/internal/queue"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
	"github.com/unclebandit/outreach-dispatch/internal/service"
)

// App holds the wired dependencies shared by the server, the worker and the
// CLI.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *sqlx.DB
	Redis  *redis.Client

	Campaigns    *repository.CampaignRepository
	Contacts     *repository.ContactRepository
	Variations   *repository.VariationRepository
	QueueItems   *repository.QueueItemRepository
	DeliveryLogs *repository.DeliveryLogRepository

	Gate            *service.Gate
	LeadService     *service.LeadService
	QueueManager    *service.QueueManager
	CampaignService *service.CampaignService
	Reactor         *service.Reactor
}

// New opens the database, runs pending migrations and wires the services.
// The transport is built separately because only dispatching processes need
// one.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, logger); err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{
		Config:       cfg,
		Logger:       logger,
		DB:           conn,
		Campaigns:    &repository.CampaignRepository{DB: conn},
		Contacts:     &repository.ContactRepository{DB: conn},
		Variations:   &repository.VariationRepository{DB: conn},
		QueueItems:   &repository.QueueItemRepository{DB: conn},
		DeliveryLogs: &repository.DeliveryLogRepository{DB: conn},
	}

	a.Gate = &service.Gate{
		Contacts: a.Contacts,
		MaxLeads: cfg.Gate.MaxLeads,
		Logger:   logger.Named("gate"),
	}
	a.LeadService = &service.LeadService{
		Campaigns: a.Campaigns,
		Contacts:  a.Contacts,
		Gate:      a.Gate,
		Logger:    logger.Named("leads"),
	}
	if cfg.LeadFile != "" {
		a.LeadService.Source = &service.FileLeadSource{Path: cfg.LeadFile}
	}
	a.QueueManager = &service.QueueManager{
		Campaigns:  a.Campaigns,
		QueueItems: a.QueueItems,
		Logger:     logger.Named("queue"),
	}
	a.CampaignService = &service.CampaignService{
		CampaignRepo:  a.Campaigns,
		ContactRepo:   a.Contacts,
		VariationRepo: a.Variations,
		QueueRepo:     a.QueueItems,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger.Named("campaigns"),
	}
	a.Reactor = &service.Reactor{
		Contacts:     a.Contacts,
		QueueItems:   a.QueueItems,
		DeliveryLogs: a.DeliveryLogs,
		Logger:       logger.Named("reactor"),
	}

	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.Redis = client
		a.Reactor.Deduper = cache.NewRedisDeduper(client, cache.DefaultEventTTL)
	} else {
		a.Reactor.Deduper = cache.NewMemoryDeduper(cache.DefaultEventTTL)
	}
	return a, nil
}

// Dispatcher builds a dispatcher over the configured transport.
func (a *App) Dispatcher() (*service.Dispatcher, error) {
	tr, err := a.Config.BuildTransport(a.Logger.Named("transport"))
	if err != nil {
		return nil, err
	}
	return &service.Dispatcher{
		QueueItems:    a.QueueItems,
		Contacts:      a.Contacts,
		Variations:    a.Variations,
		Transport:     tr,
		FromEmail:     a.Config.Transport.FromEmail,
		FromName:      a.Config.Transport.FromName,
		PublicBaseURL: a.Config.PublicBaseURL,
		SendTimeout:   a.Config.Transport.SendTimeout,
		Pacing:        a.Config.Dispatch.Pacing,
		Logger:        a.Logger.Named("dispatcher"),
	}, nil
}

// OpenQueue connects to RabbitMQ when AMQP_URL is set and falls back to an
// in-process queue otherwise.
func (a *App) OpenQueue() (queue.Queue, error) {
	if a.Config.AMQPURL == "" {
		a.Logger.Info("AMQP_URL not set, using the in-process queue")
		return queue.NewInMemoryQueue(a.Logger.Named("queue")), nil
	}
	q, err := queue.DialAMQP(a.Config.AMQPURL, a.Logger.Named("amqp"))
	if err != nil {
		return nil, fmt.Errorf("open message queue: %w", err)
	}
	return q, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.DB.Close()
}
