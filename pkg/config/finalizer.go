package config

import "time"

// FinalizerConfig holds runtime configuration for the finalization agent.
type FinalizerConfig struct {
	Environment     string
	Addr            string
	LogLevel        string
	APIBaseURL      string
	APIToken        string
	JWTSecret       string
	AllowedOrigins  string
	PollInterval    time.Duration
	PollLimit       int
	RejectCooldown  time.Duration
	SignTimeout     time.Duration
	StageTimeout    time.Duration
	CooldownRedis   string
	CooldownRedisPw string
	CooldownRedisDB int
	NamingURL       string
	NamingToken     string
	IPFSAPIURL      string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Region        string
	S3Bucket        string
	S3UseSSL        bool
}

// LoadFinalizerConfig constructs a FinalizerConfig from environment variables.
func LoadFinalizerConfig() FinalizerConfig {
	return FinalizerConfig{
		Environment:     GetString("APP_ENV", "development"),
		Addr:            GetString("FINALIZER_ADDR", ":4100"),
		LogLevel:        GetString("LOG_LEVEL", "info"),
		APIBaseURL:      GetString("API_BASE_URL", "http://localhost:4000"),
		APIToken:        GetString("API_TOKEN", ""),
		JWTSecret:       GetString("JWT_SECRET", "supersecuresecret"),
		AllowedOrigins:  GetString("ALLOWED_ORIGINS", "http://localhost:3000"),
		PollInterval:    GetSeconds("POLL_INTERVAL_SECONDS", 5*time.Second),
		PollLimit:       GetInt("POLL_LIMIT", 25),
		RejectCooldown:  GetSeconds("REJECT_COOLDOWN_SECONDS", time.Minute),
		SignTimeout:     GetSeconds("SIGN_TIMEOUT_SECONDS", 5*time.Minute),
		StageTimeout:    GetSeconds("STAGE_TIMEOUT_SECONDS", 2*time.Minute),
		CooldownRedis:   GetString("COOLDOWN_REDIS_ADDR", ""),
		CooldownRedisPw: GetString("COOLDOWN_REDIS_PASSWORD", ""),
		CooldownRedisDB: GetInt("COOLDOWN_REDIS_DB", 0),
		NamingURL:       GetString("NAMING_URL", "http://localhost:4000/naming"),
		NamingToken:     GetString("NAMING_TOKEN", ""),
		IPFSAPIURL:      GetString("IPFS_API_URL", "localhost:5001"),
		S3Endpoint:      GetString("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:     GetString("S3_ACCESS_KEY", ""),
		S3SecretKey:     GetString("S3_SECRET_KEY", ""),
		S3Region:        GetString("S3_REGION", "us-east-1"),
		S3Bucket:        GetString("S3_BUCKET", "builds"),
		S3UseSSL:        GetBool("S3_USE_SSL", false),
	}
}
