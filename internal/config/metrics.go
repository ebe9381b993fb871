package config

// MetricsConfig holds the metrics and health endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"ENABLED" json:"enabled"`
	Addr    string `mapstructure:"ADDR"    json:"addr"    validate:"required_if=Enabled true,omitempty,listen_addr"`
}
