package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/helix-labs/helix-go/internal/backend"
	"github.com/helix-labs/helix-go/internal/platform/auditlog"
	"github.com/helix-labs/helix-go/internal/platform/auth"
	"github.com/helix-labs/helix-go/internal/platform/env"
	"github.com/helix-labs/helix-go/internal/platform/httpserver"
	"github.com/helix-labs/helix-go/internal/platform/k8s"
	"github.com/helix-labs/helix-go/internal/platform/objectstore"
	"github.com/helix-labs/helix-go/internal/platform/postgres"
	repopg "github.com/helix-labs/helix-go/internal/repo/postgres"
	"github.com/helix-labs/helix-go/internal/service/instances"
	"github.com/helix-labs/helix-go/internal/storage/specarchive"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ORCHESTRATOR_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("ORCHESTRATOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	store, err := objectstore.Connect(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := store.EnsureSpecsBucket(startupCtx); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	quotaCeiling, err := env.Int("HELIX_QUOTA_CEILING", 10)
	if err != nil {
		logger.Error("invalid quota ceiling", "error", err)
		os.Exit(2)
	}
	backendTimeout, err := env.Duration("HELIX_BACKEND_TIMEOUT", 15*time.Second)
	if err != nil {
		logger.Error("invalid backend timeout", "error", err)
		os.Exit(2)
	}
	reconcileInterval, err := env.Duration("HELIX_RECONCILE_INTERVAL", 5*time.Second)
	if err != nil {
		logger.Error("invalid reconcile interval", "error", err)
		os.Exit(2)
	}
	reconcileBatch, err := env.Int("HELIX_RECONCILE_BATCH", 50)
	if err != nil {
		logger.Error("invalid reconcile batch", "error", err)
		os.Exit(2)
	}

	backendMode := strings.ToLower(strings.TrimSpace(env.String("HELIX_BACKEND", "kubernetes")))
	workflowNamespace := strings.TrimSpace(env.String("HELIX_WORKFLOW_NAMESPACE", ""))
	var exec backend.ExecutionBackend
	switch backendMode {
	case "", "disabled":
		exec = nil
	case "kubernetes", "k8s":
		client, err := k8s.NewInClusterClient()
		if err != nil {
			logger.Error("k8s client init failed", "error", err)
			os.Exit(2)
		}
		if workflowNamespace == "" {
			workflowNamespace = client.Namespace()
		}
		wf, err := backend.NewKubernetesWorkflowBackend(client, workflowNamespace)
		if err != nil {
			logger.Error("workflow backend init failed", "error", err)
			os.Exit(2)
		}
		exec = wf
	default:
		logger.Error("unsupported execution backend", "mode", backendMode)
		os.Exit(2)
	}

	archive, err := specarchive.New(store.MinIO(), store.SpecsBucket())
	if err != nil {
		logger.Error("spec archive init failed", "error", err)
		os.Exit(2)
	}

	templateStore := repopg.NewTemplateStore(db)
	svc := instances.New(
		logger,
		repopg.NewInstanceStore(db),
		templateStore,
		exec,
		archive,
		instances.Config{
			QuotaCeiling:   quotaCeiling,
			BackendTimeout: backendTimeout,
			ReconcileBatch: reconcileBatch,
		},
	)

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeGateway:
		authenticator, err = auth.NewGatewayHeadersAuthenticator(authCfg.GatewaySecret)
		if err != nil {
			logger.Error("invalid internal auth config", "error", err)
			os.Exit(2)
		}
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeDisabled:
		authenticator = nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("orchestrator"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"orchestrator",
			httpserver.ReadinessCheck{
				Name:  "postgres",
				Check: httpserver.CheckWithTimeout(750*time.Millisecond, db.PingContext),
			},
			httpserver.ReadinessCheck{
				Name:  "minio",
				Check: httpserver.CheckWithTimeout(750*time.Millisecond, store.Ready),
			},
		),
	)

	recorder := auditlog.NewRecorder(db, "orchestrator")

	api := newOrchestratorAPI(logger, svc, templateStore, archive, recorder)
	api.register(mux)

	startReconcileSyncer(ctx, logger, svc, reconcileInterval)

	var handler http.Handler = mux
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:           logger,
			Authenticator:    authenticator,
			Authorize:        auth.MethodRoleAuthorizer(),
			NamespaceResolve: auth.ScopedNamespaceResolver([]string{"/namespaces/"}),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return recorder.AuthDeny(auditCtx, event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz"},
		}.Wrap(mux)
	}

	cfg := httpserver.Config{
		Service:         "orchestrator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "orchestrator", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
