// Package cli holds the moneysync subcommands and the wiring they share.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jask/moneysync/internal/config"
	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/provider/apiclient"
	"github.com/jask/moneysync/internal/provider/coinbase"
	"github.com/jask/moneysync/internal/provider/csvfile"
	"github.com/jask/moneysync/internal/provider/finicity"
	"github.com/jask/moneysync/internal/provider/plaid"
	"github.com/jask/moneysync/internal/secrets"
	"github.com/jask/moneysync/internal/service"
)

// App is everything a command needs, opened once per invocation.
type App struct {
	Config   config.Config
	Logger   *logging.Logger
	DB       *sql.DB
	Registry *provider.Registry
	Metrics  *metrics.PrometheusCollector
	// Gatherer exposes Metrics for the serve command.
	Gatherer prometheus.Gatherer

	Sync        *service.SyncService
	Link        *service.LinkService
	Ledger      *service.LedgerService
	Ingest      *service.IngestService
	Portfolio   *service.PortfolioService
	Maintenance *service.MaintenanceService
}

// Open loads configuration, migrates the database and wires the services.
func Open(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	if err := database.RunMigrations(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	store, err := secrets.NewFileStore(cfg.Secrets.Dir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("secrets: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheusCollector("moneysync")
	if err := collector.Register(reg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	app := &App{Config: cfg, Logger: logger, DB: db, Metrics: collector, Gatherer: reg}
	app.wire(store)
	return app, nil
}

func (a *App) wire(store secrets.Store) {
	cfg := a.Config
	api := func(name, baseURL string) *apiclient.Client {
		return apiclient.New(apiclient.Config{
			Provider:        name,
			BaseURL:         baseURL,
			Timeout:         cfg.HTTP.Timeout,
			BreakerFailures: cfg.HTTP.BreakerFailures,
			Logger:          a.Logger,
			Metrics:         a.Metrics,
		})
	}
	lookback := time.Duration(cfg.Sync.LookbackDays) * 24 * time.Hour

	pl := plaid.New(api(plaid.Name, cfg.Plaid.URL()), plaid.Config{
		ClientID:     cfg.Plaid.ClientID,
		Secret:       cfg.Plaid.Secret,
		ClientName:   cfg.Plaid.ClientName,
		CountryCodes: cfg.Plaid.CountryCodes,
		Products:     cfg.Plaid.Products,
		PollInterval: cfg.Link.PollInterval,
		PollTimeout:  cfg.Link.PollTimeout,
	}, a.Logger)
	fin := finicity.New(api(finicity.Name, cfg.Finicity.BaseURL), finicity.Config{
		PartnerID: cfg.Finicity.PartnerID,
		Secret:    cfg.Finicity.Secret,
		AppKey:    cfg.Finicity.AppKey,
		Lookback:  lookback,
	}, a.Logger)
	cb := coinbase.New(api(coinbase.Name, cfg.Coinbase.BaseURL), coinbase.Config{Lookback: lookback}, a.Logger)

	a.Registry = provider.NewRegistry()
	a.Registry.Register(plaid.Name, pl.Factory())
	a.Registry.Register(finicity.Name, fin.Factory())
	a.Registry.Register(coinbase.Name, cb.Factory())
	a.Registry.Register(csvfile.Name, csvfile.Factory(csvfile.Options{}, a.Logger))

	var hosted []provider.HostedLinker
	if pl.Configured() {
		hosted = append(hosted, pl)
	}
	if fin.Configured() {
		hosted = append(hosted, fin)
	}

	accounts := repository.NewAccountRepo(a.DB)
	txns := repository.NewTransactionRepo(a.DB)
	holdings := repository.NewHoldingRepo(a.DB)
	conns := repository.NewConnectionRepo(a.DB)

	a.Sync = &service.SyncService{
		DB:           a.DB,
		Accounts:     accounts,
		Transactions: txns,
		Holdings:     holdings,
		Connections:  conns,
		Secrets:      store,
		Registry:     a.Registry,
		Logger:       a.Logger.Named("sync"),
		Metrics:      a.Metrics,
		Concurrency:  cfg.Sync.Concurrency,
	}
	a.Link = &service.LinkService{
		Connections: conns,
		Secrets:     store,
		Registry:    a.Registry,
		Sync:        a.Sync,
		Hosted:      hosted,
		Direct:      []provider.DirectLinker{cb, csvfile.Linker{}},
		Preference:  cfg.Link.Preference,
		Logger:      a.Logger.Named("link"),
		Metrics:     a.Metrics,
	}
	a.Ledger = &service.LedgerService{
		DB:           a.DB,
		Accounts:     accounts,
		Transactions: txns,
		Connections:  conns,
		Secrets:      store,
		Registry:     a.Registry,
		Logger:       a.Logger.Named("ledger"),
	}
	a.Ingest = &service.IngestService{DB: a.DB, Transactions: txns, Accounts: accounts}
	a.Portfolio = &service.PortfolioService{Accounts: accounts, Holdings: holdings, Snapshots: repository.NewSnapshotRepo(a.DB)}
	a.Maintenance = &service.MaintenanceService{DB: a.DB, Secrets: store}
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}
