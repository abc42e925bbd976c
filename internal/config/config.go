package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the lab service.
type Config struct {
	AppName        string
	AppEnv         string
	AppPort        string
	AllowedOrigins string

	DatabaseDriver string
	DatabaseURL    string
	AutoMigrate    bool
	RedisURL       string
	NATSURL        string
	EventPrefix    string

	JWTSecret string
	JWTIssuer string

	DockerHost       string
	ExecutionTimeout time.Duration
	CodeRunMemoryMB  int
	CodeRunCPUShares int
	SandboxImages    map[string]string

	TargetCacheTTL   time.Duration
	ProgressCacheTTL time.Duration

	SubmitRateLimit  int
	SubmitRateWindow time.Duration

	AllowLateRequestAfterDenial bool

	AIProvider    string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	AITimeout     time.Duration

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether export snapshots can be published.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("GEMA_LAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.name", "GEMA Lab API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.allowed_origins", "*")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("events.prefix", "gema.lab")
	v.SetDefault("execution.timeout", "5s")
	v.SetDefault("execution.memory_mb", 256)
	v.SetDefault("execution.cpu_shares", 512)
	v.SetDefault("cache.target_ttl", "24h")
	v.SetDefault("cache.progress_ttl", "2m")
	v.SetDefault("submit.rate_limit", 10)
	v.SetDefault("submit.rate_window", "1m")
	v.SetDefault("late.allow_request_after_denial", false)
	v.SetDefault("ai.provider", "none")
	v.SetDefault("ai.openai_model", "gpt-4o-mini")
	v.SetDefault("ai.timeout", "8s")
	v.SetDefault("cloudinary.folder", "gema/lab-exports")

	durations := map[string]time.Duration{}
	for _, key := range []string{"execution.timeout", "cache.target_ttl", "cache.progress_ttl", "submit.rate_window", "ai.timeout"} {
		value, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if value <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		durations[key] = value
	}

	cfg := Config{
		AppName:        v.GetString("app.name"),
		AppEnv:         v.GetString("app.env"),
		AppPort:        v.GetString("app.port"),
		AllowedOrigins: v.GetString("app.allowed_origins"),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
		DatabaseURL:    v.GetString("database.url"),
		AutoMigrate:    v.GetBool("database.auto_migrate"),
		RedisURL:       v.GetString("redis.url"),
		NATSURL:        v.GetString("nats.url"),
		EventPrefix:    v.GetString("events.prefix"),

		JWTSecret: v.GetString("jwt.secret"),
		JWTIssuer: v.GetString("jwt.issuer"),

		DockerHost:       v.GetString("docker.host"),
		ExecutionTimeout: durations["execution.timeout"],
		CodeRunMemoryMB:  v.GetInt("execution.memory_mb"),
		CodeRunCPUShares: v.GetInt("execution.cpu_shares"),
		SandboxImages:    v.GetStringMapString("execution.images"),

		TargetCacheTTL:   durations["cache.target_ttl"],
		ProgressCacheTTL: durations["cache.progress_ttl"],

		SubmitRateLimit:  v.GetInt("submit.rate_limit"),
		SubmitRateWindow: durations["submit.rate_window"],

		AllowLateRequestAfterDenial: v.GetBool("late.allow_request_after_denial"),

		AIProvider:    strings.ToLower(strings.TrimSpace(v.GetString("ai.provider"))),
		OpenAIAPIKey:  v.GetString("ai.openai_api_key"),
		OpenAIModel:   v.GetString("ai.openai_model"),
		OpenAIBaseURL: v.GetString("ai.openai_base_url"),
		AITimeout:     durations["ai.timeout"],

		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	switch cfg.AIProvider {
	case "none", "":
		cfg.AIProvider = "none"
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("openai api key must be provided when ai.provider is openai")
		}
	default:
		return Config{}, fmt.Errorf("unsupported ai provider %q", cfg.AIProvider)
	}

	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}
	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}
	if cfg.SubmitRateLimit <= 0 {
		cfg.SubmitRateLimit = 10
	}

	return cfg, nil
}
