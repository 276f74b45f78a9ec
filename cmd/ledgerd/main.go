package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/uhyunpark/tradeledger/params"
	"github.com/uhyunpark/tradeledger/pkg/api"
	"github.com/uhyunpark/tradeledger/pkg/app/core/events"
	"github.com/uhyunpark/tradeledger/pkg/app/core/instrument"
	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
	"github.com/uhyunpark/tradeledger/pkg/app/core/reconcile"
	"github.com/uhyunpark/tradeledger/pkg/app/core/valuation"
	"github.com/uhyunpark/tradeledger/pkg/feed"
	"github.com/uhyunpark/tradeledger/pkg/storage"
	"github.com/uhyunpark/tradeledger/pkg/storage/postgres"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// nodeStore is what every ledger backend provides.
type nodeStore interface {
	reconcile.Store
	api.FillSource
	pricebook.Sink
	LoadQuotes() ([]pricebook.Quote, error)
	UserIDs(ctx context.Context) ([]string, error)
	Close() error
}

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		sugar.Fatalw("store_open_failed", "backend", cfg.Store.Backend, "err", err)
	}
	defer store.Close()

	if users, err := store.UserIDs(ctx); err != nil {
		sugar.Warnw("user_scan_failed", "err", err)
	} else {
		sugar.Infow("store_opened", "backend", cfg.Store.Backend, "ledgers", len(users))
	}

	// ---- Reference data ----
	catalog := instrument.Defaults()
	if cfg.Ledger.CatalogFile != "" {
		catalog, err = instrument.LoadFile(cfg.Ledger.CatalogFile)
		if err != nil {
			sugar.Fatalw("catalog_load_failed", "file", cfg.Ledger.CatalogFile, "err", err)
		}
	}
	sugar.Infow("catalog_loaded", "instruments", catalog.Count())

	// ---- Price book ----
	hub := api.NewHub(sugar)
	book := pricebook.New(sugar, pricebook.WithSink(store), pricebook.WithListener(hub.OnQuote))
	if quotes, err := store.LoadQuotes(); err != nil {
		sugar.Warnw("quote_restore_failed", "err", err)
	} else {
		sugar.Infow("quotes_restored", "count", book.Restore(quotes))
	}

	// ---- Downstream publishers ----
	fanout := events.NewFanout(sugar, hub)

	if cfg.Store.JournalFile != "" {
		journal, err := storage.NewFileJournal(cfg.Store.JournalFile)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "file", cfg.Store.JournalFile, "err", err)
		}
		defer journal.Close()
		fanout.Add(journal)
	}

	if cfg.Kafka.Enabled() {
		pub := feed.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.LedgerTopic)
		defer pub.Close()
		fanout.Add(pub)
	}

	// ---- Reconciliation engine ----
	engine := reconcile.New(reconcile.Config{
		CommitTimeout: cfg.Ledger.CommitTimeout,
		Retention: ledger.Retention{
			Capacity: cfg.Ledger.AppliedOrderCapacity,
			Window:   cfg.Ledger.AppliedOrderWindow,
		},
		CostScale:      cfg.Ledger.CostScale,
		Shards:         cfg.Ledger.RegionShards,
		EventBuffer:    cfg.Ledger.EventBuffer,
		PublishTimeout: cfg.Ledger.PublishTimeout,
	}, store, catalog, book,
		reconcile.WithPublisher(fanout),
		reconcile.WithLogger(sugar),
	)
	defer engine.Close()

	// ---- Market data ----
	if cfg.Kafka.Enabled() {
		consumer := feed.NewTickConsumer(cfg.Kafka.Brokers, cfg.Kafka.TickTopic, cfg.Kafka.GroupID, book, sugar)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				sugar.Errorw("tick_consumer_failed", "err", err)
			}
		}()
		sugar.Infow("tick_consumer_started", "topic", cfg.Kafka.TickTopic, "brokers", strings.Join(cfg.Kafka.Brokers, ","))
	}

	if cfg.Node.EnableFeeder {
		feederCfg := feed.CatalogFeederConfig(catalog.List(), book.Snapshot())
		feederCfg.Interval = cfg.Node.FeederInterval
		cancelFeeder := feed.StartFeeder(ctx, book, feederCfg, util.RealClock{}, sugar)
		defer cancelFeeder()
		sugar.Infow("feeder_enabled", "interval", feederCfg.Interval)
	}

	// ---- API Server ----
	apiServer := api.NewServer(api.Deps{
		Engine:    engine,
		Prices:    book,
		Catalog:   catalog,
		Valuation: valuation.NewService(engine, book, util.RealClock{}),
		Fills:     store,
		Hub:       hub,
		Logger:    sugar,
	}, cfg.Node.CORSOrigins)

	sugar.Infow("node_starting",
		"api_addr", cfg.Node.APIAddr,
		"commit_timeout", cfg.Ledger.CommitTimeout,
		"kafka", cfg.Kafka.Enabled(),
		"feeder", cfg.Node.EnableFeeder)

	if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
	}
	stop()
	sugar.Infow("node_stopping")
}

func openStore(ctx context.Context, cfg params.Store) (nodeStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		pb, err := storage.NewPebbleStore(cfg.PebblePath())
		if err != nil {
			return nil, err
		}
		return pb, nil
	}
}
