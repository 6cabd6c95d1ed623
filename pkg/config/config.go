// Package config loads the chunkstream CLI configuration from file,
// environment, and defaults.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CHUNKSTREAM_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chunkstream/chunkstream/internal/bytesize"
	"github.com/chunkstream/chunkstream/pkg/storage"
)

// Config represents the chunkstream configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// S3 holds client settings applied to every s3:// dataset
	// location. Bucket and key prefix always come from the URI.
	S3 S3Config `mapstructure:"s3" yaml:"s3"`

	// Chunks holds the default chunking policy for dataset writes.
	Chunks ChunksConfig `mapstructure:"chunks" yaml:"chunks"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects the log output format.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// S3Config holds S3 client settings.
type S3Config struct {
	// Region is the AWS region (optional, uses SDK default if empty).
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint URL, for S3-compatible
	// services like MinIO or Localstack.
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url" yaml:"endpoint"`

	// ForcePathStyle forces path-style addressing.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// MaxRetries is the retry budget for transient S3 errors.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0" yaml:"max_retries"`

	// AccessKey and SecretKey are static credentials for
	// S3-compatible services. Empty means the SDK's default
	// credential chain.
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// ChunksConfig holds the default chunking policy.
type ChunksConfig struct {
	// Size caps the number of items per chunk. Zero means no item
	// cap.
	Size int `mapstructure:"size" validate:"gte=0" yaml:"size"`

	// Bytes caps the serialized size of a chunk. Accepts
	// human-readable values like "64MB" or "1Gi".
	Bytes bytesize.ByteSize `mapstructure:"bytes" yaml:"bytes"`

	// Compression is the codec applied to chunk records.
	Compression string `mapstructure:"compression" validate:"omitempty,oneof=zstd lz4" yaml:"compression"`
}

// StoreConfig merges the configured S3 client settings with the bucket
// and prefix parsed from an s3:// URI.
func (c *Config) StoreConfig(uri string) (storage.S3Config, error) {
	bucket, prefix, err := storage.ParseS3URI(uri)
	if err != nil {
		return storage.S3Config{}, err
	}
	return storage.S3Config{
		Bucket:         bucket,
		KeyPrefix:      prefix,
		Region:         c.S3.Region,
		Endpoint:       c.S3.Endpoint,
		ForcePathStyle: c.S3.ForcePathStyle,
		MaxRetries:     c.S3.MaxRetries,
		AccessKey:      c.S3.AccessKey,
		SecretKey:      c.S3.SecretKey,
	}, nil
}

// Load loads configuration from file, environment, and defaults.
// configPath empty means the default location; a missing file is not
// an error and yields defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		applyEnvOverrides(v, cfg)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(byteSizeDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to path in YAML format.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// Config may hold S3 credentials, keep it owner-only.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration against its validation tags.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// setupViper configures environment variable and config file handling.
func setupViper(v *viper.Viper, configPath string) {
	// Example: CHUNKSTREAM_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CHUNKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is not an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// applyEnvOverrides folds CHUNKSTREAM_* environment values into a
// defaults-only config. Viper only surfaces env keys it has seen, so
// without a config file the known keys are probed explicitly.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if s := v.GetString("logging.level"); s != "" {
		cfg.Logging.Level = s
	}
	if s := v.GetString("logging.format"); s != "" {
		cfg.Logging.Format = s
	}
	if s := v.GetString("logging.output"); s != "" {
		cfg.Logging.Output = s
	}
	if s := v.GetString("s3.region"); s != "" {
		cfg.S3.Region = s
	}
	if s := v.GetString("s3.endpoint"); s != "" {
		cfg.S3.Endpoint = s
	}
	if v.IsSet("s3.force_path_style") {
		cfg.S3.ForcePathStyle = v.GetBool("s3.force_path_style")
	}
	if n := v.GetInt("s3.max_retries"); n > 0 {
		cfg.S3.MaxRetries = n
	}
	if s := v.GetString("s3.access_key"); s != "" {
		cfg.S3.AccessKey = s
	}
	if s := v.GetString("s3.secret_key"); s != "" {
		cfg.S3.SecretKey = s
	}
	if n := v.GetInt("chunks.size"); n > 0 {
		cfg.Chunks.Size = n
	}
	if s := v.GetString("chunks.bytes"); s != "" {
		if b, err := bytesize.Parse(s); err == nil {
			cfg.Chunks.Bytes = b
		}
	}
	if s := v.GetString("chunks.compression"); s != "" {
		cfg.Chunks.Compression = s
	}
}

// byteSizeDecodeHook converts strings and numbers to
// bytesize.ByteSize, so config files can use values like "1Gi" or
// "64MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path. Uses
// XDG_CONFIG_HOME if set, otherwise ~/.config.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "chunkstream")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "chunkstream")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
