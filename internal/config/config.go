package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"storagequota/internal/service/s3"
)

const DefaultQuotaMB = 512

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendS3       = "s3"
	BackendMongo    = "mongo"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"Server"`
	Database DatabaseConfig `mapstructure:"Database"`
	Ledger   LedgerConfig   `mapstructure:"Ledger"`
	Redis    RedisConfig    `mapstructure:"Redis"`
	S3       s3.Config      `mapstructure:"S3"`
	Mongo    MongoConfig    `mapstructure:"Mongo"`
	Quota    QuotaConfig    `mapstructure:"Quota"`
	Log      LogConfig      `mapstructure:"Log"`
	Auth     AuthConfig     `mapstructure:"Auth"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"Port"`
	GRPCPort        string        `mapstructure:"GRPCPort"`
	ReadTimeout     time.Duration `mapstructure:"ReadTimeout"`
	WriteTimeout    time.Duration `mapstructure:"WriteTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"Host"`
	Port           string `mapstructure:"Port"`
	User           string `mapstructure:"User"`
	Password       string `mapstructure:"Password"`
	Name           string `mapstructure:"Name"`
	SSLMode        string `mapstructure:"SSLMode"`
	MigrationsPath string `mapstructure:"MigrationsPath"`
}

type LedgerConfig struct {
	Backend string `mapstructure:"Backend"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"Addr"`
	Password  string `mapstructure:"Password"`
	DB        int    `mapstructure:"DB"`
	KeyPrefix string `mapstructure:"KeyPrefix"`
}

type MongoConfig struct {
	URI        string `mapstructure:"URI"`
	Database   string `mapstructure:"Database"`
	Collection string `mapstructure:"Collection"`
}

type QuotaConfig struct {
	Enabled         bool          `mapstructure:"Enabled"`
	DefaultMB       int64         `mapstructure:"DefaultMB"`
	JanitorInterval time.Duration `mapstructure:"JanitorInterval"`
	JanitorWorkers  int           `mapstructure:"JanitorWorkers"`
}

type LogConfig struct {
	Level  string `mapstructure:"Level"`
	Format string `mapstructure:"Format"`
}

type AuthConfig struct {
	UserHeader string `mapstructure:"UserHeader"`
}

// envBindings maps config keys to the environment variables (and flat keys
// in .env files) that may set them.
var envBindings = []struct {
	key string
	env string
}{
	{"Server.Port", "HTTP_PORT"},
	{"Server.GRPCPort", "GRPC_PORT"},
	{"Server.ReadTimeout", "HTTP_READ_TIMEOUT"},
	{"Server.WriteTimeout", "HTTP_WRITE_TIMEOUT"},
	{"Server.ShutdownTimeout", "SHUTDOWN_TIMEOUT"},

	{"Database.Host", "DATABASE_HOST"},
	{"Database.Port", "DATABASE_PORT"},
	{"Database.User", "DATABASE_USER"},
	{"Database.Password", "DATABASE_PASSWORD"},
	{"Database.Name", "DATABASE_NAME"},
	{"Database.SSLMode", "DATABASE_SSLMODE"},
	{"Database.MigrationsPath", "DATABASE_MIGRATIONS_PATH"},

	{"Ledger.Backend", "LEDGER_BACKEND"},

	{"Redis.Addr", "REDIS_ADDR"},
	{"Redis.Password", "REDIS_PASSWORD"},
	{"Redis.DB", "REDIS_DB"},
	{"Redis.KeyPrefix", "REDIS_KEY_PREFIX"},

	{"S3.Endpoint", "S3_ENDPOINT"},
	{"S3.Region", "S3_REGION"},
	{"S3.Bucket", "S3_BUCKET"},
	{"S3.AccessKeyID", "S3_ACCESS_KEY_ID"},
	{"S3.SecretAccessKey", "S3_SECRET_ACCESS_KEY"},
	{"S3.Prefix", "S3_PREFIX"},
	{"S3.UsePathStyle", "S3_USE_PATH_STYLE"},

	{"Mongo.URI", "MONGO_URI"},
	{"Mongo.Database", "MONGO_DATABASE"},
	{"Mongo.Collection", "MONGO_COLLECTION"},

	{"Quota.Enabled", "QUOTA_ENABLED"},
	{"Quota.DefaultMB", "QUOTA_DEFAULT_MB"},
	{"Quota.JanitorInterval", "QUOTA_JANITOR_INTERVAL"},
	{"Quota.JanitorWorkers", "QUOTA_JANITOR_WORKERS"},

	{"Log.Level", "LOG_LEVEL"},
	{"Log.Format", "LOG_FORMAT"},

	{"Auth.UserHeader", "AUTH_USER_HEADER"},
}

// legacyDefaultQuotaEnv is consulted when Quota.DefaultMB is not set.
const legacyDefaultQuotaEnv = "STORAGE_DEFAULT_QUOTA_MB"

func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.Port", "2525")
	v.SetDefault("Server.GRPCPort", "50051")
	v.SetDefault("Server.ReadTimeout", "30s")
	v.SetDefault("Server.WriteTimeout", "30s")
	v.SetDefault("Server.ShutdownTimeout", "30s")

	v.SetDefault("Database.Port", "5432")
	v.SetDefault("Database.SSLMode", "disable")
	v.SetDefault("Database.MigrationsPath", "file://migrations")

	v.SetDefault("Ledger.Backend", BackendMemory)

	v.SetDefault("Redis.Addr", "localhost:6379")
	v.SetDefault("Redis.KeyPrefix", "quota:")

	v.SetDefault("S3.Region", "us-east-1")
	v.SetDefault("S3.Prefix", "users/")

	v.SetDefault("Mongo.Collection", "users")

	v.SetDefault("Quota.Enabled", true)
	v.SetDefault("Quota.JanitorInterval", "10m")
	v.SetDefault("Quota.JanitorWorkers", 8)

	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.Format", "json")

	v.SetDefault("Auth.UserHeader", "X-User-ID")
}

// NewConfig loads configuration from path (an .env, yaml or json file) and the
// environment. A missing file is not an error.
func NewConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", b.env, err)
		}
	}
	if err := v.BindEnv(legacyDefaultQuotaEnv); err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", legacyDefaultQuotaEnv, err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: using only environment variables: %v\n", err)
		}
	}

	// .env files carry flat keys; lift them onto the nested ones.
	for _, b := range envBindings {
		if !v.InConfig(strings.ToLower(b.key)) && os.Getenv(b.env) == "" && v.InConfig(strings.ToLower(b.env)) {
			v.Set(b.key, v.Get(b.env))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Quota.DefaultMB = resolveDefaultMB(v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveDefaultMB applies the fallback chain
// Quota.DefaultMB -> STORAGE_DEFAULT_QUOTA_MB -> 512.
func resolveDefaultMB(v *viper.Viper) int64 {
	if v.IsSet("Quota.DefaultMB") {
		return v.GetInt64("Quota.DefaultMB")
	}
	if v.IsSet(legacyDefaultQuotaEnv) {
		return v.GetInt64(legacyDefaultQuotaEnv)
	}
	return DefaultQuotaMB
}

func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
				c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case BackendS3:
		if err := c.S3.Validate(); err != nil {
			return fmt.Errorf("invalid s3 configuration: %w", err)
		}
	case BackendMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("mongo uri and database are required")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Quota.DefaultMB < 0 {
		return fmt.Errorf("default quota must not be negative: %d", c.Quota.DefaultMB)
	}
	if c.Quota.DefaultMB > MaxDefaultQuotaMB {
		return fmt.Errorf("default quota is too large: %d MB (max %d)", c.Quota.DefaultMB, MaxDefaultQuotaMB)
	}
	if c.Quota.JanitorWorkers <= 0 {
		return fmt.Errorf("janitor workers must be positive: %d", c.Quota.JanitorWorkers)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// MaxDefaultQuotaMB is the largest default quota whose byte count fits in int64.
const MaxDefaultQuotaMB = math.MaxInt64 / (1 << 20)

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// GetURL returns the postgres URL form used by golang-migrate.
func (c *DatabaseConfig) GetURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}
