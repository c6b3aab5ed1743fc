// Gridline orchestrator — runs the durable extraction pipeline: outbox
// processing, the five-node workflow, terminology grounding, and archival.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicaltrials/gridline/pkg/app"
	"github.com/clinicaltrials/gridline/pkg/audit"
	"github.com/clinicaltrials/gridline/pkg/checkpoint"
	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/db"
	"github.com/clinicaltrials/gridline/pkg/llmclient"
	"github.com/clinicaltrials/gridline/pkg/objectstore"
	"github.com/clinicaltrials/gridline/pkg/outbox"
	"github.com/clinicaltrials/gridline/pkg/pipeline"
	"github.com/clinicaltrials/gridline/pkg/resilience"
	"github.com/clinicaltrials/gridline/pkg/review"
	"github.com/clinicaltrials/gridline/pkg/store"
	"github.com/clinicaltrials/gridline/pkg/terminology"
	"github.com/clinicaltrials/gridline/pkg/version"
)

// sweepInterval paces the proactive archival sweep that backs up lazy
// archival on read.
const sweepInterval = 6 * time.Hour

func main() {
	configPath := flag.String("config", os.Getenv("GRIDLINE_CONFIG"), "Path to YAML configuration file")
	flag.Parse()

	slog.Info("Starting gridline", "version", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Database.DSN == "" {
		slog.Error("DATABASE_URL is required for the orchestrator; set it or run the pipeline embedded with a no-op checkpoint store")
		os.Exit(1)
	}

	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL, schema applied")

	st := store.New(pool.Pool)
	checkpoints := checkpoint.NewPostgres(pool.Pool)
	recorder := audit.NewRecorder(st.Audit)

	breakers := resilience.NewRegistry(cfg.Resilience)
	breakers.Warm()

	var objects objectstore.Store
	if cfg.ObjectStore.Bucket != "" {
		objects, err = objectstore.NewGCS(ctx, cfg.ObjectStore, breakers)
		if err != nil {
			slog.Error("Failed to create object store", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No object-store bucket configured; using in-memory store (development only)")
		objects = objectstore.NewMemory()
	}

	llm, err := llmclient.New(ctx, cfg.LLM, breakers)
	if err != nil {
		slog.Error("Failed to create LLM client", "error", err)
		os.Exit(1)
	}

	cache := terminology.NewCache(cfg.Terminology.CacheTTL)
	router := terminology.NewRouter(cfg.Terminology, cfg.Pipeline.GroundFanOut, breakers, cache)

	inheritor := review.NewInheritor(st, cfg.Review.InheritanceThreshold)
	archiver := review.NewArchiver(st, recorder, cfg.Review.ArchivalCutoff)

	writer := pipeline.NewStoreWriter(st, recorder, inheritor)
	nodes := pipeline.NewNodes(objects, llm, router, writer, cfg.Pipeline)
	driver := pipeline.NewDriver(nodes, checkpoints, app.NewProtocolStatusWriter(st))

	producer := outbox.NewProducer(st.Outbox)
	processor := outbox.NewProcessor(cfg.Outbox, outbox.NewPGStorage(st))

	service := app.NewService(
		app.NewPGRepository(st, producer, recorder),
		objects, driver, checkpoints, archiver, llm,
	)
	service.RegisterHandlers(processor)

	processor.Start(ctx)
	go runArchivalSweep(ctx, archiver)

	slog.Info("Gridline started")
	<-ctx.Done()

	slog.Info("Shutting down")
	processor.Stop()
	slog.Info("Shutdown complete")
}

// runArchivalSweep periodically archives stale dead-letter protocols so
// cleanup does not depend solely on someone reading them.
func runArchivalSweep(ctx context.Context, archiver *review.Archiver) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := archiver.SweepOnce(ctx)
			if err != nil {
				slog.Error("Archival sweep failed", "error", err)
				continue
			}
			if count > 0 {
				slog.Info("Archival sweep complete", "archived", count)
			}
		}
	}
}
