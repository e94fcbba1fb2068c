package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/compute"
	"github.com/sylvanlabs/maestro-go/internal/dispatch"
	"github.com/sylvanlabs/maestro-go/internal/origin"
	"github.com/sylvanlabs/maestro-go/internal/platform/auditlog"
	"github.com/sylvanlabs/maestro-go/internal/platform/auth"
	"github.com/sylvanlabs/maestro-go/internal/platform/httpserver"
	"github.com/sylvanlabs/maestro-go/internal/platform/objectstore"
	"github.com/sylvanlabs/maestro-go/internal/platform/postgres"
	"github.com/sylvanlabs/maestro-go/internal/readiness"
	"github.com/sylvanlabs/maestro-go/internal/reconcile"
	"github.com/sylvanlabs/maestro-go/internal/registry"
	repopg "github.com/sylvanlabs/maestro-go/internal/repo/postgres"
	"github.com/sylvanlabs/maestro-go/internal/service/jobs"
	"github.com/sylvanlabs/maestro-go/internal/service/ledger"
	storageobjectstore "github.com/sylvanlabs/maestro-go/internal/storage/objectstore"
)

const service = "orchestrator"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(service)
	if err != nil {
		slog.Error("invalid http config", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		slog.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := repopg.EnsureSchema(startupCtx, db); err != nil {
		cancel()
		slog.Error("schema migration failed", "error", err)
		os.Exit(1)
	}
	cancel()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		slog.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		slog.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		slog.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	artifactStore, err := storageobjectstore.NewMinioStoreWithClient(storeClient, storeCfg.BucketArtifacts)
	if err != nil {
		slog.Error("artifact store init failed", "error", err)
		os.Exit(2)
	}

	computeCfg, err := compute.ConfigFromEnv()
	if err != nil {
		slog.Error("invalid compute provider config", "error", err)
		os.Exit(2)
	}
	provider, err := compute.NewClient(computeCfg)
	if err != nil {
		slog.Error("compute provider client init failed", "error", err)
		os.Exit(2)
	}

	originCfg, err := origin.ConfigFromEnv()
	if err != nil {
		slog.Error("invalid origin provider config", "error", err)
		os.Exit(2)
	}
	originClient, err := origin.NewClient(originCfg)
	if err != nil {
		slog.Error("origin client init failed", "error", err)
		os.Exit(2)
	}

	specs, prefix, err := registry.SpecsFromEnv()
	if err != nil {
		slog.Error("invalid role specs", "error", err)
		os.Exit(2)
	}
	endpoints, err := registry.NewService(repopg.NewEndpointStore(db), provider, specs, prefix)
	if err != nil {
		slog.Error("endpoint registry init failed", "error", err)
		os.Exit(2)
	}

	readinessCfg, err := readiness.ConfigFromEnv()
	if err != nil {
		slog.Error("invalid readiness config", "error", err)
		os.Exit(2)
	}
	prober, err := readiness.NewProber(provider, endpoints, readinessCfg)
	if err != nil {
		slog.Error("readiness prober init failed", "error", err)
		os.Exit(2)
	}

	ledgerSvc, err := ledger.NewService(repopg.NewJobStore(db), repopg.NewArtifactStore(db))
	if err != nil {
		slog.Error("job ledger init failed", "error", err)
		os.Exit(2)
	}

	dispatchCfg, err := dispatch.ConfigFromEnv()
	if err != nil {
		slog.Error("invalid dispatch config", "error", err)
		os.Exit(2)
	}
	dispatcher, err := dispatch.NewDispatcher(provider, endpoints, prober, ledgerSvc, dispatchCfg)
	if err != nil {
		slog.Error("dispatcher init failed", "error", err)
		os.Exit(2)
	}

	reconcileCfg, err := reconcile.ConfigFromEnv()
	if err != nil {
		slog.Error("invalid reconcile config", "error", err)
		os.Exit(2)
	}
	reconciler, err := reconcile.NewReconciler(
		artifactStore,
		ledgerSvc,
		[]reconcile.ArtifactSource{reconcile.NewOriginSource(originClient)},
		reconcileCfg,
	)
	if err != nil {
		slog.Error("reconciler init failed", "error", err)
		os.Exit(2)
	}

	jobsSvc, err := jobs.NewService(dispatcher, reconciler)
	if err != nil {
		slog.Error("jobs service init failed", "error", err)
		os.Exit(2)
	}

	sweeper, err := newSweeper(ledgerSvc, reconciler)
	if err != nil {
		slog.Error("invalid sweep config", "error", err)
		os.Exit(2)
	}
	go sweeper.run(ctx)

	audit := auditlog.NewRecorder(db)
	guard := auth.NewTokenGuard(audit)
	if !guard.Enabled() {
		slog.Warn("internal token auth disabled; set MAESTRO_INTERNAL_TOKEN outside local development")
	}

	api := newAPI(jobsSvc, dispatcher, ledgerSvc, endpoints, provider, sweeper, audit)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(
		service,
		httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		},
		httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, storeClient, storeCfg)
			},
		},
	))
	api.register(mux, guard)

	if err := httpserver.Run(ctx, httpCfg, httpserver.Wrap(service, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
