// Command conductor runs the orchestrator daemon: it loads configuration and
// secrets, registers the domain capabilities, resumes persisted sessions, and
// serves the HTTP API plus the websocket patch stream until it receives a
// shutdown signal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"conductor/pkg/archetype"
	"conductor/pkg/autonomy"
	"conductor/pkg/capability"
	"conductor/pkg/catalog"
	"conductor/pkg/config"
	"conductor/pkg/demo"
	"conductor/pkg/dispatch"
	"conductor/pkg/emitter"
	"conductor/pkg/eventlog"
	"conductor/pkg/graph"
	"conductor/pkg/intent"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/pipeline"
	"conductor/pkg/planner"
	"conductor/pkg/proto"
	"conductor/pkg/recipe"
	"conductor/pkg/session"
	"conductor/pkg/webui"
)

// Version information - set via ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

// sweepInterval is how often idle sessions are evicted.
const sweepInterval = time.Minute

func main() {
	var (
		configPath  = flag.String("config", "", "Path to conductor.yaml (defaults apply when empty)")
		secretsDir  = flag.String("secrets-dir", ".", "Directory holding the encrypted secrets file")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s (%s)\n", version, commit)
		os.Exit(0)
	}
	if *debug {
		logx.SetDebug(true)
	}

	if err := run(*configPath, *secretsDir); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, secretsDir string) error {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	secrets, err := loadSecrets(secretsDir)
	if err != nil {
		return err
	}

	classifier, err := buildClassifier(cfg, secrets)
	if err != nil {
		return err
	}

	registry := capability.NewRegistry()
	store := demo.NewStore()
	if err := demo.RegisterAll(registry, store); err != nil {
		return err
	}
	registry.Freeze()

	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	audit, err := eventlog.NewWriter(cfg.Storage.AuditLogDir)
	if err != nil {
		return err
	}
	defer audit.Close()

	promReg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promReg)

	policy := autonomy.NewEngine()
	hub := emitter.NewHub()
	pipe := pipeline.New(pipeline.Deps{
		Classifier: classifier,
		Mapper:     archetype.NewMapper(nil, cfg.DomainPriorityMap()),
		Planner:    planner.New(registry, policy),
		Executor: planner.NewExecutor(registry, capability.NewInvoker(
			cfg.Capability.Timeout,
			retryConfig(cfg.Capability.MaxRetries),
		)),
		Selector: recipe.NewSelector(nil),
		Catalog:  catalog.NewRegistry(catalog.Default()),
		Policy:   policy,
		Emitter:  hub,
		Audit:    audit,
		Store:    db,
		Metrics:  recorder,
	})

	manager := session.NewManager(cfg.Session.IdleTimeout)
	resumed := resumeSessions(db, manager, logger)
	recorder.SetActiveSessions(manager.Len())
	logger.Info("resumed %d persisted sessions", resumed)

	dispatcher := dispatch.New(16)

	server := webui.NewServer(manager, dispatcher, pipe, hub)
	server.SetMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	if url := cfg.Metrics.PrometheusURL; url != "" {
		query, err := metrics.NewQueryService(url)
		if err != nil {
			return fmt.Errorf("metrics query service: %w", err)
		}
		server.SetQueryService(query)
	}
	if password, err := secrets.Get("CONDUCTOR_PASSWORD"); err == nil {
		server.SetPassword(password)
	}

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopSweeper := startSweeper(manager, dispatcher, recorder)
	defer stopSweeper()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	if err := dispatcher.Stop(10 * time.Second); err != nil {
		logger.Warn("dispatcher shutdown: %v", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// loadSecrets decrypts the secrets file when one exists. The password comes
// from CONDUCTOR_SECRETS_PASSWORD or, interactively, from the terminal.
func loadSecrets(dir string) (*config.Secrets, error) {
	if !config.Exists(dir) {
		return config.NewSecrets(), nil
	}
	password := os.Getenv("CONDUCTOR_SECRETS_PASSWORD")
	if password == "" {
		if !term.IsTerminal(int(syscall.Stdin)) {
			return nil, fmt.Errorf("secrets file present but no password: set CONDUCTOR_SECRETS_PASSWORD")
		}
		fmt.Print("Secrets password: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}
	return config.LoadSecrets(dir, password)
}

// buildClassifier resolves the configured provider and its API key.
func buildClassifier(cfg *config.Config, secrets *config.Secrets) (intent.Classifier, error) {
	provider := cfg.Classifier.Provider
	apiKey := ""
	if provider == "anthropic" || provider == "openai" {
		name := cfg.Classifier.APIKeySecret
		if name == "" {
			if provider == "anthropic" {
				name = "ANTHROPIC_API_KEY"
			} else {
				name = "OPENAI_API_KEY"
			}
		}
		key, err := secrets.Get(name)
		if err != nil {
			return nil, fmt.Errorf("classifier provider %s: %w", provider, err)
		}
		apiKey = key
	}
	return intent.NewClassifier(provider, apiKey, cfg.Classifier.Model, cfg.Classifier.ConfidenceThreshold)
}

// resumeSessions rebuilds sessions from their persisted snapshots.
func resumeSessions(db *persistence.Store, manager *session.Manager, logger *logx.Logger) int {
	ids, err := db.ListSessions()
	if err != nil {
		logger.Warn("session resume skipped: %v", err)
		return 0
	}
	resumed := 0
	for _, id := range ids {
		rec, err := db.LoadSession(id)
		if err != nil {
			logger.WarnSession(id, "resume failed: %v", err)
			continue
		}
		g := graph.New()
		if len(rec.GraphJSON) > 0 {
			if err := json.Unmarshal(rec.GraphJSON, g); err != nil {
				logger.WarnSession(id, "graph snapshot unreadable: %v", err)
				g = graph.New()
			}
		}
		var stack []proto.EntityRef
		if len(rec.ContextJSON) > 0 {
			if err := json.Unmarshal(rec.ContextJSON, &stack); err != nil {
				logger.WarnSession(id, "context snapshot unreadable: %v", err)
			}
		}
		manager.Adopt(session.Resume(rec.ID, rec.UserID, rec.Autonomy, rec.State, g, stack))
		resumed++
	}
	return resumed
}

func startSweeper(manager *session.Manager, dispatcher *dispatch.Dispatcher, recorder *metrics.Recorder) func() {
	ticker := time.NewTicker(sweepInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				for _, id := range manager.Sweep(time.Now()) {
					dispatcher.Release(id)
				}
				recorder.SetActiveSessions(manager.Len())
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func retryConfig(maxRetries int) capability.RetryConfig {
	rc := capability.DefaultRetryConfig
	rc.MaxRetries = maxRetries
	return rc
}
