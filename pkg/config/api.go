package config

import "time"

// APIConfig holds runtime configuration for the record store API.
type APIConfig struct {
	Environment           string
	Addr                  string
	LogLevel              string
	DatabaseURL           string
	MigrationsDir         string
	JWTSecret             string
	BuilderURL            string
	BuilderAuthToken      string
	WebhookSecret         string
	AllowedOrigins        string
	RateLimitRedisAddr    string
	RateLimitRedisPass    string
	RateLimitRedisDB      int
	ChainRPCURL           string
	ChainConfirmations    int
	ConfirmInterval       time.Duration
	ConfirmTTL            time.Duration
	BuildStageTTL         time.Duration
	DeploymentListMaximum int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:           GetString("APP_ENV", "development"),
		Addr:                  GetString("API_ADDR", ":4000"),
		LogLevel:              GetString("LOG_LEVEL", "info"),
		DatabaseURL:           GetString("DATABASE_URL", ""),
		MigrationsDir:         GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:             GetString("JWT_SECRET", "supersecuresecret"),
		BuilderURL:            GetString("BUILDER_URL", ""),
		BuilderAuthToken:      GetString("BUILDER_AUTH_TOKEN", ""),
		WebhookSecret:         GetString("GIT_WEBHOOK_SECRET", ""),
		AllowedOrigins:        GetString("ALLOWED_ORIGINS", "http://localhost:3000"),
		RateLimitRedisAddr:    GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:    GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:      GetInt("RATE_LIMIT_REDIS_DB", 0),
		ChainRPCURL:           GetString("CHAIN_RPC_URL", ""),
		ChainConfirmations:    GetInt("CHAIN_CONFIRMATIONS", 1),
		ConfirmInterval:       GetSeconds("CONFIRM_INTERVAL_SECONDS", 15*time.Second),
		ConfirmTTL:            GetSeconds("CONFIRM_TTL_SECONDS", 30*time.Minute),
		BuildStageTTL:         GetSeconds("BUILD_STAGE_TTL_SECONDS", time.Hour),
		DeploymentListMaximum: GetInt("DEPLOYMENT_LIST_MAX", 200),
	}
}
