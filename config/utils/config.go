// Package config provides utilities to load environment variables & set config structs, it includes app, database, cache, queue, dispatch, runner, bundle and http server environment variables.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, database, cache, queue, runners and http server
type (
	AppConfig struct {
		App        *App        `mapstructure:"app"`
		Redis      *Redis      `mapstructure:"redis"`
		Logger     *Logger     `mapstructure:"logger"`
		DB         *DB         `mapstructure:"db"`
		Storage    *Storage    `mapstructure:"storage"`
		MQ         *MQ         `mapstructure:"mq"`
		HTTP       *HTTP       `mapstructure:"http"`
		Dispatch   *Dispatch   `mapstructure:"dispatch"`
		Agent      *Agent      `mapstructure:"agent"`
		Sweep      *Sweep      `mapstructure:"sweep"`
		Runner     *Runner     `mapstructure:"runner"`
		Bundle     *Bundle     `mapstructure:"bundle"`
		Minio      *Minio      `mapstructure:"minio"`
		Scripts    *Scripts    `mapstructure:"scripts"`
		Vault      *Vault      `mapstructure:"vault"`
		Prometheus *Prometheus `mapstructure:"prometheus"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the cache service, an empty Addr disables it
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Database   string `mapstructure:"database"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
		SSLMode    string `mapstructure:"sslMode"`
		MaxConns   int    `mapstructure:"maxConns"`
	}

	// Storage selects the job & agent store: postgres or memory
	Storage struct {
		Driver string `mapstructure:"driver"`
	}

	// MQ contains the dispatch queue connection, driver is rabbitmq or memory
	MQ struct {
		Driver   string `mapstructure:"driver"`
		URL      string `mapstructure:"url"`
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		VHost    string `mapstructure:"vhost"`
	}

	// HTTP contains the api server settings
	HTTP struct {
		Addr string `mapstructure:"addr"`
	}

	// Dispatch contains the worker pool & queue retry settings
	Dispatch struct {
		Concurrency  int           `mapstructure:"concurrency"`
		MaxAttempts  int           `mapstructure:"maxAttempts"`
		Backoff      time.Duration `mapstructure:"backoff"`
		MaxBackoff   time.Duration `mapstructure:"maxBackoff"`
		ExecTimeout  time.Duration `mapstructure:"execTimeout"`
		AllowRequeue bool          `mapstructure:"allowRequeue"`
	}

	// Agent contains agent liveness & selection settings
	Agent struct {
		LivenessWindow time.Duration `mapstructure:"livenessWindow"`
		Selection      string        `mapstructure:"selection"`
		Secret         string        `mapstructure:"secret"`
	}

	// Sweep contains the periodic recovery settings
	Sweep struct {
		Interval       time.Duration `mapstructure:"interval"`
		StaleFactor    int           `mapstructure:"staleFactor"`
		JobTimeout     time.Duration `mapstructure:"jobTimeout"`
		ReapContainers bool          `mapstructure:"reapContainers"`
		ServerJobs     bool          `mapstructure:"serverJobs"`
		// ServerGrace is added to runner.timeout before a running server job counts as lost
		ServerGrace time.Duration `mapstructure:"serverGrace"`
	}

	// Runner contains the server side container settings
	Runner struct {
		Image   string `mapstructure:"image"`
		Network string `mapstructure:"network"`
		// InternalNetwork cuts the runner network off from outside hosts
		InternalNetwork bool          `mapstructure:"internalNetwork"`
		Cleanup         bool          `mapstructure:"cleanup"`
		Timeout         time.Duration `mapstructure:"timeout"`
	}

	// Bundle selects where reproduction bundles are stored: filesystem or minio
	Bundle struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
	}

	// Minio contains the object store settings
	Minio struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"accessKey"`
		SecretKey string `mapstructure:"secretKey"`
		Bucket    string `mapstructure:"bucket"`
		UseSSL    bool   `mapstructure:"useSSL"`
	}

	// Scripts contains the script repository settings
	Scripts struct {
		Path     string        `mapstructure:"path"`
		CacheTTL time.Duration `mapstructure:"cacheTTL"`
		// RepoURL enables POST /api/admin/sync-scripts; Path is cloned from it on first sync
		RepoURL  string `mapstructure:"repoURL"`
		Branch   string `mapstructure:"branch"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	}

	// Vault contains the secret store settings, an empty Addr disables it
	Vault struct {
		Addr       string `mapstructure:"addr"`
		Token      string `mapstructure:"token"`
		SecretPath string `mapstructure:"secretPath"`
	}

	// Prometheus contains the metrics source of load aware agent selection
	Prometheus struct {
		URL string `mapstructure:"url"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// setDefaults registers a value for every tunable so a missing config.yaml still boots
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "setup-factory")
	v.SetDefault("app.env", "development")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.encoderConfig.messageKey", "msg")
	v.SetDefault("logger.encoderConfig.levelKey", "level")
	v.SetDefault("logger.encoderConfig.timeKey", "ts")
	v.SetDefault("logger.encoderConfig.nameKey", "logger")
	v.SetDefault("logger.encoderConfig.callerKey", "caller")
	v.SetDefault("logger.encoderConfig.stacktraceKey", "stacktrace")

	v.SetDefault("db.connection", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "setup_factory")
	v.SetDefault("db.sslMode", "disable")
	v.SetDefault("db.maxConns", 10)

	v.SetDefault("redis.addr", "")

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("mq.driver", "rabbitmq")
	v.SetDefault("mq.url", "")
	v.SetDefault("mq.host", "localhost")
	v.SetDefault("mq.port", "5672")
	v.SetDefault("mq.user", "guest")
	v.SetDefault("mq.password", "guest")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("dispatch.concurrency", 5)
	v.SetDefault("dispatch.maxAttempts", 3)
	v.SetDefault("dispatch.backoff", 2*time.Second)
	v.SetDefault("dispatch.maxBackoff", 30*time.Second)
	v.SetDefault("dispatch.execTimeout", 0)
	v.SetDefault("dispatch.allowRequeue", false)

	v.SetDefault("agent.livenessWindow", 90*time.Second)
	v.SetDefault("agent.selection", "recent")

	v.SetDefault("sweep.interval", 30*time.Second)
	v.SetDefault("sweep.staleFactor", 0)
	v.SetDefault("sweep.jobTimeout", 0)
	v.SetDefault("sweep.reapContainers", false)
	v.SetDefault("sweep.serverJobs", true)
	v.SetDefault("sweep.serverGrace", 5*time.Minute)

	v.SetDefault("runner.image", "setup-factory/runner:latest")
	v.SetDefault("runner.network", "setup-factory")
	v.SetDefault("runner.internalNetwork", false)
	v.SetDefault("runner.cleanup", true)
	v.SetDefault("runner.timeout", 30*time.Minute)

	v.SetDefault("bundle.driver", "filesystem")
	v.SetDefault("bundle.path", "./bundles")
	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.bucket", "bundles")

	v.SetDefault("scripts.path", "./scripts")
	v.SetDefault("scripts.cacheTTL", 5*time.Minute)
	v.SetDefault("scripts.repoURL", "")
	v.SetDefault("scripts.branch", "")

	v.SetDefault("vault.addr", "")
	v.SetDefault("vault.secretPath", "secret/data/scripts")

	v.SetDefault("prometheus.url", "")
}

// bindEnv maps the deployment environment variables onto config keys
func bindEnv(v *viper.Viper) {
	bindings := map[string]string{
		"app.name":             "APP_NAME",
		"db.host":              "PG_HOST",
		"db.port":              "PG_PORT",
		"db.user":              "PG_USER",
		"db.password":          "PG_PASS",
		"db.name":              "PG_DB",
		"redis.addr":           "REDIS_ADDR",
		"redis.password":       "REDIS_PASSWORD",
		"mq.url":               "MQ_URL",
		"mq.host":              "MQ_HOST",
		"mq.port":              "MQ_PORT",
		"mq.user":              "MQ_WORKER_USER",
		"mq.password":          "MQ_WORKER_PASS",
		"mq.vhost":             "MQ_VHOST",
		"http.addr":            "HTTP_ADDR",
		"dispatch.concurrency": "WORKER_CONCURRENCY",
		"runner.image":         "RUNNER_IMAGE",
		"runner.network":       "RUNNER_NETWORK",
		"runner.cleanup":       "RUNNER_CLEANUP",
		"bundle.path":          "BUNDLES_PATH",
		"scripts.path":         "SCRIPTS_REPO_PATH",
		"scripts.repoURL":      "BITBUCKET_URL",
		"scripts.branch":       "SCRIPTS_REPO_BRANCH",
		"scripts.username":     "BITBUCKET_USERNAME",
		"scripts.password":     "BITBUCKET_APP_PASSWORD",
		"agent.secret":         "AGENT_REGISTRATION_SECRET",
		"vault.addr":           "VAULT_ADDR",
		"vault.token":          "VAULT_TOKEN",
		"vault.secretPath":     "VAULT_SECRET_PATH",
		"minio.endpoint":       "MINIO_ENDPOINT",
		"minio.accessKey":      "MINIO_ACCESS_KEY",
		"minio.secretKey":      "MINIO_SECRET_KEY",
		"minio.bucket":         "MINIO_BUCKET",
		"minio.useSSL":         "MINIO_USE_SSL",
		"prometheus.url":       "PROMETHEUS_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			log.Fatalf("error binding %s to %s: %v", key, env, err)
		}
	}
}

// New creates a new AppConfig instance from .env, config.yaml and the process environment
func New() *AppConfig {
	// .env is optional, real environment variables win
	_ = godotenv.Load()

	v := viper.GetViper()
	// Set up viper to read the config.yaml file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/secrets/")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindEnv(v)

	// Read the config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Fatalf("error reading config file: %v", err)
		}
		log.Printf("config file not found, using defaults and environment")
	}

	// Create an instance of AppConfig
	var config *AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}

// DSN returns the AMQP url, built from the parts when no url is set
func (m *MQ) DSN() string {
	if m.URL != "" {
		return m.URL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(m.User, m.Password),
		Host:   m.Host + ":" + m.Port,
		Path:   "/" + m.VHost,
	}
	return u.String()
}

// Validate checks the settings that have no usable default
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.MQ.Driver {
	case "rabbitmq", "memory":
	default:
		return fmt.Errorf("unknown queue driver %q", c.MQ.Driver)
	}
	switch c.Bundle.Driver {
	case "filesystem":
	case "minio":
		if c.Minio.Endpoint == "" {
			return errors.New("minio bundle driver needs minio.endpoint")
		}
	default:
		return fmt.Errorf("unknown bundle driver %q", c.Bundle.Driver)
	}
	switch c.Agent.Selection {
	case "recent":
	case "load":
		if c.Prometheus.URL == "" {
			return errors.New("load aware agent selection needs prometheus.url")
		}
	default:
		return fmt.Errorf("unknown agent selection %q", c.Agent.Selection)
	}
	if c.Agent.LivenessWindow <= 0 {
		return errors.New("agent.livenessWindow must be positive")
	}
	if c.Dispatch.Concurrency <= 0 {
		return errors.New("dispatch.concurrency must be positive")
	}
	return nil
}
