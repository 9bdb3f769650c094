package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nhle/mailagent/internal/ai"
	"github.com/nhle/mailagent/internal/credential"
	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/pipeline"
	"github.com/nhle/mailagent/internal/ratelimit"
	"github.com/nhle/mailagent/internal/source/email"
	"github.com/nhle/mailagent/internal/store"
	"github.com/nhle/mailagent/internal/sync"
)

// agent holds the wired components shared by the run and once commands.
type agent struct {
	cfg       *model.Config
	store     *store.SQLiteStore
	mailbox   *email.Adapter
	scheduler *sync.Scheduler
	logger    *zap.Logger
}

func newAgent(cfg *model.Config, logger *zap.Logger) (*agent, error) {
	if ring, err := credential.Open(); err != nil {
		logger.Warn("keyring unavailable, using configured secrets only", zap.Error(err))
	} else if err := ring.Resolve(cfg); err != nil {
		logger.Warn("reading secrets from keyring", zap.Error(err))
	}

	backend, err := ai.NewBackend(cfg.AI)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	mailbox := email.NewAdapterFromConfig(cfg.Mail, logger)
	limiter := ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxPerWindow)

	processor := pipeline.NewProcessor(pipeline.Deps{
		Mailbox:   mailbox,
		Transport: mailbox,
		Audit:     st,
		Limiter:   limiter,
		Generator: ai.NewGenerator(backend, logger),
		Logger:    logger,
	})

	scheduler := sync.New(mailbox, processor, cfg, logger,
		sync.WithLimiter(limiter),
		sync.WithRunStore(st),
	)

	return &agent{
		cfg:       cfg,
		store:     st,
		mailbox:   mailbox,
		scheduler: scheduler,
		logger:    logger,
	}, nil
}

func (a *agent) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Error closing audit store", zap.Error(err))
	}
}
