package config

import (
	"strings"
	"time"

	"github.com/qrelay/qrelay/common/env"
)

var (
	// ServerPort overrides the --port flag when running inside container or PaaS environments.
	ServerPort = strings.TrimSpace(env.String("PORT", ""))
	// GinMode allows forcing Gin into release mode (or other modes) without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", ""))

	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)
	// DebugSQLEnabled toggles per-query SQL logging when DEBUG_SQL=true.
	DebugSQLEnabled = env.Bool("DEBUG_SQL", false)

	// AdminKey authenticates account-management endpoints via the X-Admin-Key header.
	AdminKey = strings.TrimSpace(env.String("ADMIN_KEY", ""))
	// APIKey, when set, is required on the relay endpoints via the X-API-Key header.
	APIKey = strings.TrimSpace(env.String("API_KEY", ""))

	// SessionSecret signs the admin session cookie.
	SessionSecret = env.String("SESSION_SECRET", "qrelay-session-secret")

	// MySQLDSN selects the MySQL backend; empty means the embedded SQLite database.
	MySQLDSN = strings.TrimSpace(env.String("MYSQL_DSN", env.String("SQL_DSN", "")))
	// SQLitePath locates the embedded database file when MySQLDSN is empty.
	SQLitePath = env.String("SQLITE_PATH", "./data/qrelay.db")
	// SQLiteBusyTimeout is passed to the sqlite driver in milliseconds.
	SQLiteBusyTimeout = env.Int("SQLITE_BUSY_TIMEOUT", 3000)

	// RedisConnString enables the Redis call-log mirror; empty keeps the SQL path.
	RedisConnString = strings.TrimSpace(env.String("REDIS_CONN_STRING", ""))
	// RedisPassword supplies the Redis authentication password when required.
	RedisPassword = env.String("REDIS_PASSWORD", "")

	// LoadBalanceStrategy picks how the pool orders eligible accounts.
	// One of: round_robin, weighted_round_robin, least_used, random.
	LoadBalanceStrategy = env.String("LOAD_BALANCE_STRATEGY", "weighted_round_robin")

	// CircuitBreakerEnabled toggles per-account breakers.
	CircuitBreakerEnabled = env.Bool("CIRCUIT_BREAKER_ENABLED", true)
	// CircuitBreakerErrorThreshold is the consecutive-error count that opens a breaker.
	CircuitBreakerErrorThreshold = env.Int("CIRCUIT_BREAKER_ERROR_THRESHOLD", 5)
	// CircuitBreakerRecoveryTimeout is how long an opened breaker keeps the account out.
	CircuitBreakerRecoveryTimeout = time.Duration(env.Int("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", 300)) * time.Second

	// HealthCheckInterval paces the background account health probe.
	HealthCheckInterval = time.Duration(env.Int("HEALTH_CHECK_INTERVAL", 300)) * time.Second

	// EnableCacheSimulation turns on the prompt-cache metadata emulator.
	EnableCacheSimulation = env.Bool("ENABLE_CACHE_SIMULATION", false)
	// CacheTTLSeconds is the sliding TTL for simulated cache entries.
	CacheTTLSeconds = env.Int("CACHE_TTL_SECONDS", 86400)
	// MaxCacheEntries bounds the simulated cache before batched eviction fires.
	MaxCacheEntries = env.Int("MAX_CACHE_ENTRIES", 5000)

	// EnableAutoRefresh starts the background token refresh scheduler.
	EnableAutoRefresh = env.Bool("ENABLE_AUTO_REFRESH", false)
	// TokenRefreshInterval is the cadence of the background refresh scheduler.
	TokenRefreshInterval = time.Duration(env.Int("TOKEN_REFRESH_INTERVAL_HOURS", 5)) * time.Hour
	// TokenCacheDir stores the per-account token cache files (mode 0600).
	TokenCacheDir = env.String("TOKEN_CACHE_DIR", "./data/tokens")
	// TokenRefreshTimeout bounds a single refresh HTTP call.
	TokenRefreshTimeout = time.Duration(env.Int("TOKEN_REFRESH_TIMEOUT", 30)) * time.Second

	// ZeroInputTokenModels lists models whose input tokens are recorded as zero.
	ZeroInputTokenModels = func() []string {
		raw := strings.TrimSpace(env.String("ZERO_INPUT_TOKEN_MODELS", ""))
		if raw == "" {
			return nil
		}
		var models []string
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
		return models
	}()

	// DisableInputValidation skips the ingress token-count check entirely.
	DisableInputValidation = env.Bool("DISABLE_INPUT_VALIDATION", false)
	// InputValidationStrict rejects oversized requests instead of only logging them.
	InputValidationStrict = env.Bool("INPUT_VALIDATION_STRICT", false)
	// MaxInputTokens is the estimated-input ceiling checked at ingress.
	MaxInputTokens = env.Int("AMAZONQ_MAX_INPUT_TOKENS", 100000)

	// BaseURL is the externally visible origin used to build OAuth callback URLs.
	BaseURL = strings.TrimSuffix(strings.TrimSpace(env.String("BASE_URL", "")), "/")

	// ThinkingDefaultEnabled opts in to the legacy always-on thinking behaviour.
	// Claude API semantics default thinking to off, so this defaults to false.
	ThinkingDefaultEnabled = env.Bool("THINKING_DEFAULT_ENABLED", false)
	// ThinkingDefaultBudget is the Gemini thinking budget when the client sends none.
	ThinkingDefaultBudget = env.Int("THINKING_DEFAULT_BUDGET", 1024)

	// ApproximateTokenEnabled replaces tiktoken with a chars*0.38 estimate.
	ApproximateTokenEnabled = env.Bool("APPROXIMATE_TOKEN_COUNT", false)

	// RelayTimeout bounds upstream HTTP requests (seconds) before aborting them.
	RelayTimeout = env.Int("RELAY_TIMEOUT", 300)
	// RetryTimes is the account-selection retry budget per request.
	RetryTimes = env.Int("RETRY_TIMES", 3)
	// PingInterval is the maximum upstream silence before an SSE ping is emitted.
	PingInterval = time.Duration(env.Int("PING_INTERVAL", 15)) * time.Second

	// EnablePrometheusMetrics exposes the /metrics endpoint for scrapers when true.
	EnablePrometheusMetrics = env.Bool("ENABLE_PROMETHEUS_METRICS", true)
)
