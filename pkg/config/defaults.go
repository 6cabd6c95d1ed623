package config

import "github.com/chunkstream/chunkstream/internal/bytesize"

// DefaultChunkBytes is the chunk byte cap applied when the policy does
// not set one.
const DefaultChunkBytes = 64 * bytesize.MB

// GetDefaultConfig returns a configuration populated with defaults.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in defaults for any unset values.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.S3.MaxRetries == 0 {
		cfg.S3.MaxRetries = 3
	}
	if cfg.Chunks.Bytes == 0 {
		cfg.Chunks.Bytes = DefaultChunkBytes
	}
}
