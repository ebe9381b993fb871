package config

import "time"

// PoolConfig holds relay connection and subscription settings.
type PoolConfig struct {
	ConnectTimeout   time.Duration `mapstructure:"CONNECT_TIMEOUT"   json:"connect_timeout"   validate:"timeout_duration"`
	PublishTimeout   time.Duration `mapstructure:"PUBLISH_TIMEOUT"   json:"publish_timeout"   validate:"timeout_duration"`
	WriteTimeout     time.Duration `mapstructure:"WRITE_TIMEOUT"     json:"write_timeout"     validate:"timeout_duration"`
	PingInterval     time.Duration `mapstructure:"PING_INTERVAL"     json:"ping_interval"     validate:"timeout_duration"`
	ReconnectInitial time.Duration `mapstructure:"RECONNECT_INITIAL" json:"reconnect_initial" validate:"required"`
	ReconnectMax     time.Duration `mapstructure:"RECONNECT_MAX"     json:"reconnect_max"     validate:"required"`

	SendQueueSize    int     `mapstructure:"SEND_QUEUE_SIZE"   json:"send_queue_size"   validate:"min=1,max=65536"`
	SendRate         float64 `mapstructure:"SEND_RATE"         json:"send_rate"         validate:"min=0"`
	SendBurst        int     `mapstructure:"SEND_BURST"        json:"send_burst"        validate:"min=0"`
	MaxSubscriptions int     `mapstructure:"MAX_SUBSCRIPTIONS" json:"max_subscriptions" validate:"min=0,max=1000"`
	ReadLimit        int64   `mapstructure:"READ_LIMIT"        json:"read_limit"        validate:"min=1024"`

	CacheWorkers        int  `mapstructure:"CACHE_WORKERS"         json:"cache_workers"         validate:"min=1,max=64"`
	CacheExpectedEvents uint `mapstructure:"CACHE_EXPECTED_EVENTS" json:"cache_expected_events" validate:"min=1000"`
}
