package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sleepysoong/codial/internal/attach"
	"github.com/sleepysoong/codial/internal/config"
	"github.com/sleepysoong/codial/internal/events"
	"github.com/sleepysoong/codial/internal/httpapi"
	"github.com/sleepysoong/codial/internal/idempotency"
	"github.com/sleepysoong/codial/internal/mcp"
	"github.com/sleepysoong/codial/internal/policy"
	"github.com/sleepysoong/codial/internal/provider"
	"github.com/sleepysoong/codial/internal/rules"
	"github.com/sleepysoong/codial/internal/session"
	"github.com/sleepysoong/codial/internal/tools"
	"github.com/sleepysoong/codial/internal/turn"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 30 * time.Second
)

func main() {
	logger := log.New(os.Stdout, "codial-core ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)

	if err := godotenv.Load(); err == nil {
		logger.Printf("loaded .env")
	}

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	warnInsecureTokens(logger, cfg)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	enabledProviders, err := provider.ValidateEnabled(cfg.EnabledProviderNames, cfg.DefaultProviderName)
	if err != nil {
		logger.Fatalf("invalid provider configuration: %v", err)
	}

	policyLoader := policy.NewLoader(logger, cfg.WorkspaceRoot)
	if cfg.PolicyWatchEnabled {
		if err := policyLoader.Watch(rootCtx); err != nil {
			logger.Printf("policy watch disabled: %v", err)
		}
	}
	defer func() {
		if err := policyLoader.Close(); err != nil {
			logger.Printf("policy loader close warning: %v", err)
		}
	}()

	ruleStore := rules.NewStore(cfg.WorkspaceRoot)

	sessionStore, err := openSessionStore(cfg)
	if err != nil {
		logger.Fatalf("failed to initialize session store: %v", err)
	}
	defer func() {
		if err := sessionStore.Close(); err != nil {
			logger.Printf("session store close warning: %v", err)
		}
	}()

	copilotToken := ""
	if contains(enabledProviders, "github-copilot-sdk") {
		bootstrapper := provider.NewCopilotAuthBootstrapper(logger, provider.CopilotAuthConfig{
			BridgeBaseURL:    cfg.CopilotBridgeBaseURL,
			BridgeToken:      cfg.CopilotBridgeToken,
			Timeout:          cfg.ProviderBridgeTimeout,
			CachePath:        cfg.CopilotAuthCachePath,
			WorkspaceRoot:    cfg.WorkspaceRoot,
			AutoLoginEnabled: cfg.CopilotAutoLoginEnabled,
			LoginEndpoint:    cfg.CopilotLoginEndpoint,
		})
		authCtx, authCancel := context.WithTimeout(rootCtx, cfg.ProviderBridgeTimeout)
		copilotToken, err = bootstrapper.EnsureToken(authCtx)
		authCancel()
		if err != nil {
			logger.Fatalf("copilot auth bootstrap failed: %v", err)
		}
	}

	providerRegistry := provider.NewRegistry(provider.BuildAdapters(provider.Settings{
		CopilotBridgeBaseURL: cfg.CopilotBridgeBaseURL,
		CopilotBridgeToken:   cfg.CopilotBridgeToken,
		BridgeTimeout:        cfg.ProviderBridgeTimeout,
	}, enabledProviders, copilotToken)...)

	publisher := events.NewPublisher(logger, cfg.GatewayBaseURL, cfg.GatewayInternalToken, cfg.RequestTimeout)
	ingestor := attach.NewIngestor(logger, cfg.AttachmentDownloadEnabled, cfg.AttachmentDownloadMaxBytes,
		cfg.AttachmentStorageDir, cfg.RequestTimeout)
	toolRegistry := tools.DefaultRegistry(cfg.WorkspaceRoot)

	engineOpts := []turn.EngineOption{}
	if cfg.MCPServerURL != "" {
		mcpClient := mcp.NewClient(logger, cfg.MCPServerURL, cfg.MCPServerToken, cfg.MCPRequestTimeout)
		engineOpts = append(engineOpts, turn.WithMCPClient(mcpClient))
	}
	engine := turn.NewEngine(logger, publisher, ingestor, providerRegistry, policyLoader, toolRegistry, engineOpts...)

	locks := session.NewLockTable()
	pool := turn.NewPool(logger, engine, sessionStore, locks, cfg.TurnWorkerCount, cfg.TurnQueueSize)
	pool.Start()

	srv := httpapi.NewServer(logger, cfg.Addr(), httpapi.Deps{
		APIToken:         cfg.APIToken,
		GatewayBaseURL:   cfg.GatewayBaseURL,
		EnabledProviders: enabledProviders,
		DefaultProvider:  cfg.DefaultProviderName,
		Store:            sessionStore,
		Pool:             pool,
		Policy:           policyLoader,
		Rules:            ruleStore,
		Idempotency:      idempotency.New(idempotency.DefaultTTL),
	})

	go func() {
		logger.Printf("listening on %s workers=%d providers=%v", cfg.Addr(), cfg.TurnWorkerCount, enabledProviders)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown warning: %v", err)
	}

	pool.Stop(drainTimeout)
	rootCancel()
	logger.Printf("shutdown complete")
}

func openSessionStore(cfg config.Config) (session.Store, error) {
	switch cfg.SessionStoreDriver {
	case "memory":
		return session.NewMemoryStore(), nil
	default:
		return session.NewGormStore(cfg.SessionStoreDriver, cfg.SessionStoreDSN)
	}
}

func warnInsecureTokens(logger *log.Logger, cfg config.Config) {
	if cfg.APIToken == "dev-core-token" || cfg.APIToken == "" {
		logger.Printf("warning: CORE_API_TOKEN is the development default, replace it in production")
	}
	if cfg.GatewayInternalToken == "dev-internal-token" || cfg.GatewayInternalToken == "" {
		logger.Printf("warning: CORE_GATEWAY_INTERNAL_TOKEN is the development default, replace it in production")
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
