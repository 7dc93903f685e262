package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "TASKWATCH"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestIDHeader string        `mapstructure:"request_id_header"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RequestLogging  bool          `mapstructure:"request_logging"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Encoding         string   `mapstructure:"encoding" validate:"omitempty,oneof=console json"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// StorageConfig selects where task records live.
type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory postgres"`
}

// ArtifactsConfig selects where finished export documents are written.
type ArtifactsConfig struct {
	Backend  string     `mapstructure:"backend" validate:"oneof=local sftp s3"`
	LocalDir string     `mapstructure:"local_dir" validate:"required_if=Backend local"`
	SFTP     SFTPConfig `mapstructure:"sftp"`
	S3       S3Config   `mapstructure:"s3"`
}

type SFTPConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	PrivateKey string        `mapstructure:"private_key"`
	HostKey    string        `mapstructure:"host_key"`
	Dir        string        `mapstructure:"dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type S3Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type RunnerConfig struct {
	Workers   int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize int           `mapstructure:"queue_size" validate:"gte=1"`
	StepDelay time.Duration `mapstructure:"step_delay"`
}

// TrackerConfig tunes the client-side task tracker.
type TrackerConfig struct {
	BaseURL                string        `mapstructure:"base_url" validate:"required,url"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	SubmitTimeout          time.Duration `mapstructure:"submit_timeout" validate:"gtefield=RequestTimeout"`
	PollInterval           time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ListRefreshInterval    time.Duration `mapstructure:"list_refresh_interval" validate:"gt=0"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" validate:"gte=0"`
	ReconcileWindow        int           `mapstructure:"reconcile_window" validate:"gte=1,lte=100"`
	ReconcileSkew          time.Duration `mapstructure:"reconcile_skew" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.request_id_header", "X-Request-ID")

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "taskwatch")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.local_dir", "./data/exports")
	v.SetDefault("artifacts.sftp.host", "")
	v.SetDefault("artifacts.sftp.user", "")
	v.SetDefault("artifacts.sftp.password", "")
	v.SetDefault("artifacts.sftp.private_key", "")
	v.SetDefault("artifacts.sftp.host_key", "")
	v.SetDefault("artifacts.sftp.port", 22)
	v.SetDefault("artifacts.sftp.dir", "/var/lib/taskwatch/exports")
	v.SetDefault("artifacts.sftp.timeout", 30*time.Second)
	v.SetDefault("artifacts.sftp.max_retries", 3)
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.access_key_id", "")
	v.SetDefault("artifacts.s3.secret_access_key", "")
	v.SetDefault("artifacts.s3.prefix", "exports/")

	v.SetDefault("runner.workers", 2)
	v.SetDefault("runner.queue_size", 100)
	v.SetDefault("runner.step_delay", 500*time.Millisecond)

	v.SetDefault("tracker.base_url", "http://localhost:8080")
	v.SetDefault("tracker.request_timeout", 10*time.Second)
	v.SetDefault("tracker.submit_timeout", 60*time.Second)
	v.SetDefault("tracker.poll_interval", 20*time.Second)
	v.SetDefault("tracker.list_refresh_interval", 10*time.Second)
	v.SetDefault("tracker.max_consecutive_failures", 0)
	v.SetDefault("tracker.reconcile_window", 5)
	v.SetDefault("tracker.reconcile_skew", 30*time.Second)
}

// Load reads the YAML file at path (optional when empty or missing), a .env file in the
// working directory if present, then TASKWATCH_* environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
