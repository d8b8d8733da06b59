package main

import (
	"fmt"
	"log/slog"

	"github.com/jobagent/jobagent/internal/config"
	"github.com/jobagent/jobagent/internal/contentstore"
	"github.com/jobagent/jobagent/internal/coordinator"
	"github.com/jobagent/jobagent/internal/generate"
	"github.com/jobagent/jobagent/internal/index"
	"github.com/jobagent/jobagent/internal/job"
	"github.com/jobagent/jobagent/internal/ledger"
	"github.com/jobagent/jobagent/internal/seal"
	"github.com/jobagent/jobagent/internal/transport"
	"github.com/jobagent/jobagent/internal/webhook"
)

// app holds the constructed gateways and coordinator.
type app struct {
	store    *job.SQLiteStore
	content  contentstore.Gateway
	coord    *coordinator.Coordinator
	notifier *webhook.Notifier
}

func (a *app) Close() error {
	if a.notifier != nil {
		a.notifier.Wait()
	}
	return a.store.Close()
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	httpc := transport.New(transport.Options{
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	var lg ledger.Gateway
	if cfg.Simulated() {
		logger.Info("ledger in simulate mode", "read_only", cfg.ReadOnly, "sender_configured", cfg.Sender != nil)
		lg = ledger.NewSimulator(logger)
	} else {
		rpc, err := ledger.NewRPCClient(ledger.RPCConfig{
			URL:            cfg.RPCURL,
			From:           *cfg.Sender,
			Contract:       cfg.Marketplace,
			GasLimit:       cfg.GasLimit,
			GasPriceWei:    cfg.GasPriceWei,
			ConfirmTimeout: cfg.ConfirmTimeout,
		}, httpc)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		lg = rpc
	}

	var content contentstore.Gateway
	switch cfg.ContentStore {
	case config.ContentStoreLocal:
		local, err := contentstore.NewLocal(cfg.ContentDir)
		if err != nil {
			return nil, fmt.Errorf("content store: %w", err)
		}
		content = local
	default:
		content = contentstore.NewIPFS(cfg.IPFSAPIURL, httpc)
	}

	var gen generate.Generator = generate.Placeholder{}
	if cfg.GeneratorPath != "" {
		gen = generate.Command{Path: cfg.GeneratorPath, Model: cfg.GeneratorModel}
	}

	var opts []coordinator.Option
	opts = append(opts, coordinator.WithLogger(logger))
	if len(cfg.DeliveryRecipients) > 0 {
		s, err := seal.NewSealer(cfg.DeliveryRecipients)
		if err != nil {
			return nil, fmt.Errorf("delivery recipients: %w", err)
		}
		opts = append(opts, coordinator.WithSealer(s))
	}

	a := &app{content: content}
	if cfg.NotifyURL != "" {
		n, err := webhook.NewNotifier(cfg.NotifyURL, httpc, logger)
		if err != nil {
			return nil, fmt.Errorf("notify url: %w", err)
		}
		a.notifier = n
		opts = append(opts, coordinator.WithNotifier(n))
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a.store = store

	origin := coordinator.DefaultPost()
	coord, err := coordinator.New(store, coordinator.Gateways{
		Index:     index.NewClient(cfg.IndexURL, httpc),
		Ledger:    lg,
		Content:   content,
		Generator: gen,
	}, coordinator.Config{
		MinAmount:        cfg.MinAmount,
		AcceptTag:        cfg.AcceptTag,
		CoolingOff:       cfg.CoolingOff,
		BatchSize:        cfg.BatchSize,
		Marketplace:      cfg.Marketplace,
		OriginateOnEmpty: cfg.OriginateOnEmpty,
		Origin:           origin,
	}, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.coord = coord
	return a, nil
}
