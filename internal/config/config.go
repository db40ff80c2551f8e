// Package config loads service configuration from an optional .env file,
// an optional config.yaml and INGEST_-prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreBigQuery = "bigquery"
	StorePostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Store    string         `mapstructure:"store"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Notion   NotionConfig   `mapstructure:"notion"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type BigQueryConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Dataset   string `mapstructure:"dataset"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// StorageConfig selects where upload bytes go. An empty bucket keeps them in memory.
type StorageConfig struct {
	Bucket string `mapstructure:"bucket"`
}

type OracleConfig struct {
	Mode          string   `mapstructure:"mode"`
	DefaultPreset string   `mapstructure:"default_preset"`
	GeminiAPIKey  string   `mapstructure:"gemini_api_key"`
	GeminiModel   string   `mapstructure:"gemini_model"`
	OpenAIAPIKey  string   `mapstructure:"openai_api_key"`
	OpenAIBaseURL string   `mapstructure:"openai_base_url"`
	OpenAIModel   string   `mapstructure:"openai_model"`
	CLICommand    string   `mapstructure:"cli_command"`
	CLIArgs       []string `mapstructure:"cli_args"`
}

type PipelineConfig struct {
	MaxUploadBytes   int64         `mapstructure:"max_upload_bytes"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	AutoQualityCheck bool          `mapstructure:"auto_quality_check"`
	QCTolerance      string        `mapstructure:"qc_tolerance"`
}

type NotionConfig struct {
	Token            string `mapstructure:"token"`
	ReviewDatabaseID string `mapstructure:"review_database_id"`
}

type ServerConfig struct {
	Port       string `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// Defaults applied before any file or environment value.
var defaults = map[string]interface{}{
	"store":                       StoreMemory,
	"bigquery.dataset":            "statements",
	"oracle.mode":                 "gemini",
	"oracle.default_preset":       "balanced",
	"oracle.gemini_model":         "gemini-2.5-flash",
	"oracle.openai_model":         "gpt-4o-mini",
	"pipeline.max_upload_bytes":   20 << 20,
	"pipeline.operation_timeout":  5 * time.Minute,
	"pipeline.auto_quality_check": true,
	"pipeline.qc_tolerance":       "0.01",
	"server.port":                 "8080",
	"log.format":                  "console",
	"log.level":                   "info",
}

// Load reads configuration. configPath may be empty; a missing .env or
// config.yaml is not an error.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("Load: reading .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Load: reading config file: %w", err)
		}
	}

	// AutomaticEnv only covers keys viper already knows about
	for _, key := range []string{
		"bigquery.project_id", "postgres.dsn", "storage.bucket",
		"oracle.gemini_api_key", "oracle.openai_api_key", "oracle.openai_base_url",
		"oracle.cli_command", "oracle.cli_args", "notion.token",
		"notion.review_database_id", "server.admin_token",
	} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreBigQuery:
		if c.BigQuery.ProjectID == "" {
			return errors.New("config: bigquery.project_id is required for the bigquery store")
		}
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return errors.New("config: postgres.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}

	if c.Pipeline.MaxUploadBytes <= 0 {
		return errors.New("config: pipeline.max_upload_bytes must be positive")
	}
	if c.Pipeline.OperationTimeout <= 0 {
		return errors.New("config: pipeline.operation_timeout must be positive")
	}
	if c.Notion.Token != "" && c.Notion.ReviewDatabaseID == "" {
		return errors.New("config: notion.review_database_id is required when notion.token is set")
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
