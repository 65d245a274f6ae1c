package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHost                 = "0.0.0.0"
	defaultPort                 = 8081
	defaultAPIToken             = "dev-core-token"
	defaultGatewayBaseURL       = "http://localhost:8080"
	defaultGatewayInternalToken = "dev-internal-token"
	defaultRequestTimeout       = 10 * time.Second
	defaultTurnWorkerCount      = 2
	defaultTurnQueueSize        = 1000
	defaultProviderName         = "github-copilot-sdk"
	defaultBridgeTimeout        = 30 * time.Second
	defaultCopilotCachePath     = ".runtime/copilot-auth.json"
	defaultCopilotLoginEndpoint = "/v1/auth/login"
	defaultMCPRequestTimeout    = 15 * time.Second
	defaultAttachmentMaxBytes   = 10_000_000
	defaultAttachmentDir        = ".runtime/attachments"
	defaultSessionStoreDriver   = "memory"
	defaultSessionStoreDSN      = ".runtime/codial.db"
)

type Config struct {
	Host                 string
	Port                 int
	APIToken             string
	GatewayBaseURL       string
	GatewayInternalToken string
	RequestTimeout       time.Duration

	TurnWorkerCount int
	TurnQueueSize   int

	DefaultProviderName  string
	EnabledProviderNames []string

	CopilotBridgeBaseURL    string
	CopilotBridgeToken      string
	CopilotAutoLoginEnabled bool
	CopilotAuthCachePath    string
	CopilotLoginEndpoint    string
	ProviderBridgeTimeout   time.Duration

	MCPServerURL      string
	MCPServerToken    string
	MCPRequestTimeout time.Duration

	AttachmentDownloadEnabled  bool
	AttachmentDownloadMaxBytes int64
	AttachmentStorageDir       string

	WorkspaceRoot string

	SessionStoreDriver string
	SessionStoreDSN    string
	PolicyWatchEnabled bool
}

func FromEnv() Config {
	return Config{
		Host:                 stringEnv("CORE_HOST", defaultHost),
		Port:                 intEnv("CORE_PORT", defaultPort),
		APIToken:             stringEnv("CORE_API_TOKEN", defaultAPIToken),
		GatewayBaseURL:       stringEnv("CORE_GATEWAY_BASE_URL", defaultGatewayBaseURL),
		GatewayInternalToken: stringEnv("CORE_GATEWAY_INTERNAL_TOKEN", defaultGatewayInternalToken),
		RequestTimeout:       secondsEnv("CORE_REQUEST_TIMEOUT_SECONDS", defaultRequestTimeout),

		TurnWorkerCount: intEnv("CORE_TURN_WORKER_COUNT", defaultTurnWorkerCount),
		TurnQueueSize:   intEnv("CORE_TURN_QUEUE_SIZE", defaultTurnQueueSize),

		DefaultProviderName:  stringEnv("CORE_DEFAULT_PROVIDER_NAME", defaultProviderName),
		EnabledProviderNames: csvEnv("CORE_ENABLED_PROVIDER_NAMES", []string{defaultProviderName}),

		CopilotBridgeBaseURL:    stringEnv("CORE_COPILOT_BRIDGE_BASE_URL", ""),
		CopilotBridgeToken:      stringEnv("CORE_COPILOT_BRIDGE_TOKEN", ""),
		CopilotAutoLoginEnabled: boolEnv("CORE_COPILOT_AUTO_LOGIN_ENABLED", true),
		CopilotAuthCachePath:    stringEnv("CORE_COPILOT_AUTH_CACHE_PATH", defaultCopilotCachePath),
		CopilotLoginEndpoint:    stringEnv("CORE_COPILOT_LOGIN_ENDPOINT", defaultCopilotLoginEndpoint),
		ProviderBridgeTimeout:   secondsEnv("CORE_PROVIDER_BRIDGE_TIMEOUT_SECONDS", defaultBridgeTimeout),

		MCPServerURL:      stringEnv("CORE_MCP_SERVER_URL", ""),
		MCPServerToken:    stringEnv("CORE_MCP_SERVER_TOKEN", ""),
		MCPRequestTimeout: secondsEnv("CORE_MCP_REQUEST_TIMEOUT_SECONDS", defaultMCPRequestTimeout),

		AttachmentDownloadEnabled:  boolEnv("CORE_ATTACHMENT_DOWNLOAD_ENABLED", false),
		AttachmentDownloadMaxBytes: int64Env("CORE_ATTACHMENT_DOWNLOAD_MAX_BYTES", defaultAttachmentMaxBytes),
		AttachmentStorageDir:       stringEnv("CORE_ATTACHMENT_STORAGE_DIR", defaultAttachmentDir),

		WorkspaceRoot: stringEnv("CORE_WORKSPACE_ROOT", "."),

		SessionStoreDriver: strings.ToLower(stringEnv("CORE_SESSION_STORE_DRIVER", defaultSessionStoreDriver)),
		SessionStoreDSN:    stringEnv("CORE_SESSION_STORE_DSN", defaultSessionStoreDSN),
		PolicyWatchEnabled: boolEnv("CORE_POLICY_WATCH_ENABLED", true),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("CORE_HOST must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("CORE_PORT must be between 1 and 65535")
	}
	if strings.TrimSpace(c.GatewayBaseURL) == "" {
		return fmt.Errorf("CORE_GATEWAY_BASE_URL must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("CORE_REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.TurnWorkerCount < 1 {
		return fmt.Errorf("CORE_TURN_WORKER_COUNT must be >= 1")
	}
	if c.TurnQueueSize < 1 {
		return fmt.Errorf("CORE_TURN_QUEUE_SIZE must be >= 1")
	}
	if len(c.EnabledProviderNames) == 0 {
		return fmt.Errorf("CORE_ENABLED_PROVIDER_NAMES must not be empty")
	}
	if c.ProviderBridgeTimeout <= 0 {
		return fmt.Errorf("CORE_PROVIDER_BRIDGE_TIMEOUT_SECONDS must be > 0")
	}
	if c.MCPRequestTimeout <= 0 {
		return fmt.Errorf("CORE_MCP_REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.AttachmentDownloadMaxBytes < 1 {
		return fmt.Errorf("CORE_ATTACHMENT_DOWNLOAD_MAX_BYTES must be >= 1")
	}
	switch c.SessionStoreDriver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("CORE_SESSION_STORE_DRIVER must be memory, sqlite or postgres")
	}
	if c.SessionStoreDriver != "memory" && strings.TrimSpace(c.SessionStoreDSN) == "" {
		return fmt.Errorf("CORE_SESSION_STORE_DSN is required for driver %q", c.SessionStoreDriver)
	}
	return nil
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func stringEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func int64Env(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func secondsEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed * float64(time.Second))
}

func csvEnv(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			values = append(values, value)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
