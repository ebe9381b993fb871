package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/Shugur-Network/relaypool/internal/cache"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/pool"
	"github.com/Shugur-Network/relaypool/internal/relay"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set by the main package from build information.
var Version = "dev"

var validate = validator.New()

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// Config holds every sub‑config.
type Config struct {
	Logging LoggingConfig `mapstructure:"LOGGING" json:"logging"`
	Metrics MetricsConfig `mapstructure:"METRICS" json:"metrics"`
	Pool    PoolConfig    `mapstructure:"POOL"    json:"pool"`
	Sink    SinkConfig    `mapstructure:"SINK"    json:"sink"`
	Relays  []string      `mapstructure:"RELAYS"  json:"relays"  validate:"dive,relay_url"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(performCrossFieldValidation, Config{})
}

func registerCustomValidators() {
	// host:port or :port, as accepted by net.Listen
	if err := validate.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		host, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || port == "" {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		if host == "" || net.ParseIP(host) != nil {
			return true
		}
		return hostnamePattern.MatchString(host)
	}); err != nil {
		logger.Error("Failed to register listen_addr validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("relay_url", func(fl validator.FieldLevel) bool {
		_, err := relay.NormalizeAddress(fl.Field().String())
		return err == nil
	}); err != nil {
		logger.Error("Failed to register relay_url validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(time.Duration)
		return ok && d >= 100*time.Millisecond && d <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}
}

func performCrossFieldValidation(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Pool.ReconnectMax < cfg.Pool.ReconnectInitial {
		sl.ReportError(cfg.Pool.ReconnectMax, "ReconnectMax", "ReconnectMax", "reconnect_bounds", "")
	}
	if cfg.Pool.SendRate > 0 && cfg.Pool.SendBurst < 1 {
		sl.ReportError(cfg.Pool.SendBurst, "SendBurst", "SendBurst", "burst_required", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAYPOOL") // RELAYPOOL_POOL_CONNECT_TIMEOUT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("relaypool")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err == nil && log != nil {
			log.Info("Loaded relaypool.yaml from current directory")
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.Int("relays", len(cfg.Relays)),
			zap.String("level", cfg.Logging.Level),
			zap.String("format", cfg.Logging.Format),
		)
	}
	return &cfg, nil
}

// Validate checks field and cross-field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ToOptions maps the configuration onto pool options.
func (c Config) ToOptions(log *zap.Logger) pool.Options {
	opts := pool.DefaultOptions()
	p := c.Pool

	opts.PublishTimeout = p.PublishTimeout
	opts.Connection.ConnectTimeout = p.ConnectTimeout
	opts.Connection.WriteTimeout = p.WriteTimeout
	opts.Connection.PingInterval = p.PingInterval
	opts.Connection.ReconnectInitial = p.ReconnectInitial
	opts.Connection.ReconnectMax = p.ReconnectMax
	opts.Connection.QueueSize = p.SendQueueSize
	opts.Connection.SendRate = p.SendRate
	opts.Connection.SendBurst = p.SendBurst
	opts.Connection.MaxSubscriptions = p.MaxSubscriptions
	opts.Connection.ReadLimit = p.ReadLimit
	opts.Cache = cache.Options{
		Workers:        p.CacheWorkers,
		ExpectedEvents: p.CacheExpectedEvents,
	}
	opts.Logger = log
	return opts
}

func initializeLogger(cfg LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(cfg.Level),
		logger.WithFormat(cfg.Format),
		logger.WithFile(cfg.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("relaypool"),
		logger.WithRotation(cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "url":
		return fmt.Sprintf("%s must be a database URL such as postgres://user@host:5432/db", field)
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, param)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "listen_addr":
		return fmt.Sprintf("%s must be a listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "relay_url":
		return fmt.Sprintf("%s must be a ws:// or wss:// relay address (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 100ms and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "reconnect_bounds":
		return fmt.Sprintf("%s must not be shorter than ReconnectInitial (got: %v)", field, value)
	case "burst_required":
		return fmt.Sprintf("%s must be at least 1 when SendRate is set", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
