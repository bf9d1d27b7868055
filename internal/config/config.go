// Package config loads settings for the controller, worker and beat binaries
// from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Runtimes the worker can execute runs on.
const (
	RuntimeDocker = "docker"
	RuntimeExec   = "exec"
)

// Object storage backends.
const (
	StorageS3    = "s3"
	StorageLocal = "local"
)

// Task queue backends selected by the broker URL scheme.
const (
	BrokerDatabase = "postgres"
	BrokerAMQP     = "amqp"
)

// ObjectStorage configures the S3-compatible backend.
type ObjectStorage struct {
	Endpoint         string
	UseHTTPS         bool
	AccessKey        string
	SecretKey        string
	Region           string
	Bucket           string
	ExternalEndpoint string
	ExternalUseHTTPS bool
}

// SMTP configures outgoing mail. An empty Host disables delivery.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// External base URLs
	APIURL string
	UIURL  string
	CDNURL string

	// Environment labels containers and prefixes derived images.
	Environment string
	TimeZone    string

	SecretKey      string
	InternalSecret string

	InvitationValidity time.Duration
	ObjectRemovalTTL   time.Duration
	ContainerTTL       time.Duration
	UploadTTL          time.Duration

	StorageBackend   string
	LocalStorageRoot string
	ObjectStorage    ObjectStorage

	// Runner
	Runtime           string
	RuntimeWorkDir    string
	DefaultImage      string
	DefaultImageUser  string
	DefaultImagePass  string
	RunUtilsURL       string
	RegistryTimeout   time.Duration
	PrintContainerLog bool

	// Worker-specific configuration
	WorkerConcurrency        int
	WorkerPollInterval       time.Duration
	WorkerMaxBackoff         time.Duration
	WorkerHeartbeatInterval  time.Duration
	HeartVisibilityExtension time.Duration
	TaskMaxRetries           int

	// BrokerURL selects the task queue. Empty means the database queue.
	BrokerURL     string
	ResultBackend string

	SMTP SMTP

	OTELEndpoint   string
	LogLevel       string
	RateLimit      float64
	RateLimitBurst int
}

type option struct {
	key string
	env string
	def any
}

var options = []option{
	{"database_url", "DATABASE_URL", ""},
	{"http_port", "PORT", 6161},
	{"api_url", "ASKANNA_API_URL", "http://localhost:6161"},
	{"ui_url", "ASKANNA_UI_URL", "http://localhost:3000"},
	{"cdn_url", "ASKANNA_CDN_URL", ""},
	{"environment", "ASKANNA_ENVIRONMENT", "local"},
	{"time_zone", "TIME_ZONE", "UTC"},
	{"secret_key", "SECRET_KEY", ""},
	{"internal_secret", "INTERNAL_SECRET", ""},
	{"invitation_valid_hours", "ASKANNA_INVITATION_VALID_HOURS", 168},
	{"object_removal_ttl_hours", "OBJECT_REMOVAL_TTL_HOURS", 720},
	{"docker_auto_remove_ttl_hours", "DOCKER_AUTO_REMOVE_TTL_HOURS", 1},
	{"docker_print_log", "DOCKER_PRINT_LOG", false},
	{"upload_ttl_hours", "UPLOAD_TTL_HOURS", 24},
	{"storage_backend", "STORAGE_BACKEND", StorageLocal},
	{"local_storage_root", "LOCAL_STORAGE_ROOT", "storage"},
	{"object_storage.endpoint", "OBJECT_STORAGE_ENDPOINT", ""},
	{"object_storage.use_https", "OBJECT_STORAGE_USE_HTTPS", true},
	{"object_storage.access_key", "OBJECT_STORAGE_ACCESS_KEY", ""},
	{"object_storage.secret_key", "OBJECT_STORAGE_SECRET_KEY", ""},
	{"object_storage.region", "OBJECT_STORAGE_REGION", "us-east-1"},
	{"object_storage.default_bucket_name", "OBJECT_STORAGE_DEFAULT_BUCKET_NAME", ""},
	{"object_storage.external_endpoint", "OBJECT_STORAGE_EXTERNAL_ENDPOINT", ""},
	{"object_storage.external_use_https", "OBJECT_STORAGE_EXTERNAL_USE_HTTPS", true},
	{"runner.runtime", "RUNNER_RUNTIME", RuntimeDocker},
	{"runner.workdir", "RUNNER_WORKDIR", ""},
	{"runner.default_docker_image", "RUNNER_DEFAULT_DOCKER_IMAGE", "askanna/python:3.11"},
	{"runner.default_docker_image_username", "RUNNER_DEFAULT_DOCKER_IMAGE_USERNAME", ""},
	{"runner.default_docker_image_password", "RUNNER_DEFAULT_DOCKER_IMAGE_PASSWORD", ""},
	{"runner.utils_url", "RUNNER_UTILS_URL", ""},
	{"registry_timeout", "REGISTRY_TIMEOUT", "60s"},
	{"worker.concurrency", "WORKER_CONCURRENCY", 1},
	{"worker.poll_interval", "WORKER_POLL_INTERVAL", "1s"},
	{"worker.max_backoff", "WORKER_MAX_BACKOFF", "30s"},
	{"worker.heartbeat_interval", "WORKER_HEARTBEAT_INTERVAL", "2m"},
	{"heartbeat_visibility_extension", "HEARTBEAT_VISIBILITY_EXTENSION", "5m"},
	{"task_max_retries", "TASK_MAX_RETRIES", 5},
	{"celery_broker_url", "CELERY_BROKER_URL", ""},
	{"celery_result_backend", "CELERY_RESULT_BACKEND", ""},
	{"smtp.host", "SMTP_HOST", ""},
	{"smtp.port", "SMTP_PORT", 587},
	{"smtp.username", "SMTP_USERNAME", ""},
	{"smtp.password", "SMTP_PASSWORD", ""},
	{"smtp.from", "SMTP_FROM", "AskAnna <support@askanna.io>"},
	{"otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"},
	{"log_level", "LOG_LEVEL", "info"},
	{"rate_limit", "RATE_LIMIT", 50.0},
	{"rate_limit_burst", "RATE_LIMIT_BURST", 100},
}

func envOf(key string) string {
	for _, o := range options {
		if o.key == key {
			return o.env
		}
	}
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func required(key string) error {
	return fmt.Errorf("%s is required (env: %s)", key, envOf(key))
}

// Load reads configuration. When path is empty, askanna.yaml in the working
// directory is used if present. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	for _, o := range options {
		v.SetDefault(o.key, o.def)
		if err := v.BindEnv(o.key, o.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", o.env, err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("askanna")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	hours := func(key string) time.Duration {
		return time.Duration(v.GetInt(key)) * time.Hour
	}

	cfg := &Config{
		DatabaseURL:        v.GetString("database_url"),
		HTTPPort:           v.GetInt("http_port"),
		APIURL:             strings.TrimRight(v.GetString("api_url"), "/"),
		UIURL:              strings.TrimRight(v.GetString("ui_url"), "/"),
		CDNURL:             strings.TrimRight(v.GetString("cdn_url"), "/"),
		Environment:        v.GetString("environment"),
		TimeZone:           v.GetString("time_zone"),
		SecretKey:          v.GetString("secret_key"),
		InternalSecret:     v.GetString("internal_secret"),
		InvitationValidity: hours("invitation_valid_hours"),
		ObjectRemovalTTL:   hours("object_removal_ttl_hours"),
		ContainerTTL:       hours("docker_auto_remove_ttl_hours"),
		UploadTTL:          hours("upload_ttl_hours"),
		StorageBackend:     v.GetString("storage_backend"),
		LocalStorageRoot:   v.GetString("local_storage_root"),
		ObjectStorage: ObjectStorage{
			Endpoint:         v.GetString("object_storage.endpoint"),
			UseHTTPS:         v.GetBool("object_storage.use_https"),
			AccessKey:        v.GetString("object_storage.access_key"),
			SecretKey:        v.GetString("object_storage.secret_key"),
			Region:           v.GetString("object_storage.region"),
			Bucket:           v.GetString("object_storage.default_bucket_name"),
			ExternalEndpoint: v.GetString("object_storage.external_endpoint"),
			ExternalUseHTTPS: v.GetBool("object_storage.external_use_https"),
		},
		Runtime:                  v.GetString("runner.runtime"),
		RuntimeWorkDir:           v.GetString("runner.workdir"),
		DefaultImage:             v.GetString("runner.default_docker_image"),
		DefaultImageUser:         v.GetString("runner.default_docker_image_username"),
		DefaultImagePass:         v.GetString("runner.default_docker_image_password"),
		RunUtilsURL:              v.GetString("runner.utils_url"),
		RegistryTimeout:          v.GetDuration("registry_timeout"),
		PrintContainerLog:        v.GetBool("docker_print_log"),
		WorkerConcurrency:        v.GetInt("worker.concurrency"),
		WorkerPollInterval:       v.GetDuration("worker.poll_interval"),
		WorkerMaxBackoff:         v.GetDuration("worker.max_backoff"),
		WorkerHeartbeatInterval:  v.GetDuration("worker.heartbeat_interval"),
		HeartVisibilityExtension: v.GetDuration("heartbeat_visibility_extension"),
		TaskMaxRetries:           v.GetInt("task_max_retries"),
		BrokerURL:                v.GetString("celery_broker_url"),
		ResultBackend:            v.GetString("celery_result_backend"),
		SMTP: SMTP{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			Username: v.GetString("smtp.username"),
			Password: v.GetString("smtp.password"),
			From:     v.GetString("smtp.from"),
		},
		OTELEndpoint:   v.GetString("otel_endpoint"),
		LogLevel:       v.GetString("log_level"),
		RateLimit:      v.GetFloat64("rate_limit"),
		RateLimitBurst: v.GetInt("rate_limit_burst"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return required("database_url")
	}
	if c.SecretKey == "" {
		return required("secret_key")
	}
	switch c.Runtime {
	case RuntimeDocker, RuntimeExec:
	default:
		return fmt.Errorf("invalid runner.runtime %q (env: %s): must be %s or %s", c.Runtime, envOf("runner.runtime"), RuntimeDocker, RuntimeExec)
	}
	switch c.StorageBackend {
	case StorageLocal:
	case StorageS3:
		if c.ObjectStorage.Bucket == "" {
			return required("object_storage.default_bucket_name")
		}
	default:
		return fmt.Errorf("invalid storage_backend %q (env: %s)", c.StorageBackend, envOf("storage_backend"))
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("invalid worker.concurrency %d (env: %s)", c.WorkerConcurrency, envOf("worker.concurrency"))
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid time_zone %q (env: %s): %w", c.TimeZone, envOf("time_zone"), err)
	}
	if _, err := c.Broker(); err != nil {
		return err
	}
	return nil
}

// Broker returns the task queue backend named by BrokerURL.
func (c *Config) Broker() (string, error) {
	if c.BrokerURL == "" {
		return BrokerDatabase, nil
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return "", fmt.Errorf("invalid celery_broker_url (env: %s): %w", envOf("celery_broker_url"), err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return BrokerDatabase, nil
	case "amqp", "amqps":
		return BrokerAMQP, nil
	}
	return "", fmt.Errorf("invalid celery_broker_url scheme %q (env: %s): must be postgres or amqp", u.Scheme, envOf("celery_broker_url"))
}

// MailEnabled reports whether SMTP delivery is configured.
func (c *Config) MailEnabled() bool {
	return c.SMTP.Host != ""
}
