package main

import (
	"fmt"

	"github.com/daviddao/outreach/internal/ai"
	"github.com/daviddao/outreach/internal/auth"
	"github.com/daviddao/outreach/internal/pipeline"
	"github.com/daviddao/outreach/internal/reply"
	outsync "github.com/daviddao/outreach/internal/sync"
	"github.com/daviddao/outreach/internal/types"
)

// engine is the wired set of services shared by the commands.
type engine struct {
	tokens    *auth.TokenStore
	connector *auth.Connector
	sync      *outsync.Coordinator
	scheduler *outsync.Scheduler
	pipeline  *pipeline.Service
	replies   *reply.Service
}

func openConnector() (*auth.TokenStore, *auth.Connector, error) {
	tokens, err := auth.OpenTokenStore(cfg.Keyring)
	if err != nil {
		return nil, nil, err
	}
	conn, err := auth.NewConnector(cfg.Gmail.CredentialsPath, tokens, store,
		logging.Logger.With("component", "auth"))
	if err != nil {
		return nil, nil, fmt.Errorf("gmail credentials: %w", err)
	}
	return tokens, conn, nil
}

// newEngine wires the services over the open store. notify receives every
// record change.
func newEngine(notify types.ChangeNotifier) (*engine, error) {
	tokens, conn, err := openConnector()
	if err != nil {
		return nil, err
	}

	log := logging.Logger
	coord := outsync.NewCoordinator(cfg.Sync, store, conn, notify, log)
	replyCfg := cfg.Reply
	if replyCfg.ProviderTimeout <= 0 {
		replyCfg.ProviderTimeout = cfg.Sync.ProviderTimeout
	}

	return &engine{
		tokens:    tokens,
		connector: conn,
		sync:      coord,
		scheduler: outsync.NewScheduler(coord, store, store, cfg.Sync, log),
		pipeline:  pipeline.NewService(store, coord, notify, log),
		replies: reply.NewService(store, store, conn, ai.New(cfg.AI), notify,
			replyCfg, log),
	}, nil
}

func (e *engine) close() {
	e.sync.Stop()
}
