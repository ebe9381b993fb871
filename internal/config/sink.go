package config

// SinkConfig holds the optional event cache database settings. An empty
// DatabaseURL disables the cache.
type SinkConfig struct {
	DatabaseURL string `mapstructure:"DATABASE_URL" json:"-"         validate:"omitempty,url"`
	MaxConns    int32  `mapstructure:"MAX_CONNS"    json:"max_conns" validate:"min=1,max=100"`
}

// Enabled reports whether an event cache is configured.
func (s SinkConfig) Enabled() bool {
	return s.DatabaseURL != ""
}
