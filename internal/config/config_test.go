package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "gemini", cfg.Oracle.Mode)
	assert.Equal(t, "balanced", cfg.Oracle.DefaultPreset)
	assert.Equal(t, int64(20<<20), cfg.Pipeline.MaxUploadBytes)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.OperationTimeout)
	assert.True(t, cfg.Pipeline.AutoQualityCheck)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INGEST_STORE", "postgres")
	t.Setenv("INGEST_POSTGRES_DSN", "postgres://localhost/ingest")
	t.Setenv("INGEST_ORACLE_MODE", "openai")
	t.Setenv("INGEST_PIPELINE_OPERATION_TIMEOUT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "postgres://localhost/ingest", cfg.Postgres.DSN)
	assert.Equal(t, "openai", cfg.Oracle.Mode)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.OperationTimeout)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: bigquery
bigquery:
  project_id: my-project
  dataset: finance
oracle:
  mode: cli
  cli_command: extract-statement
  cli_args: ["--json"]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StoreBigQuery, cfg.Store)
	assert.Equal(t, "my-project", cfg.BigQuery.ProjectID)
	assert.Equal(t, "finance", cfg.BigQuery.Dataset)
	assert.Equal(t, "extract-statement", cfg.Oracle.CLICommand)
	assert.Equal(t, []string{"--json"}, cfg.Oracle.CLIArgs)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Store:    StoreMemory,
			Pipeline: PipelineConfig{MaxUploadBytes: 1, OperationTimeout: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"memory ok", func(c *Config) {}, false},
		{"bigquery without project", func(c *Config) { c.Store = StoreBigQuery }, true},
		{"postgres without dsn", func(c *Config) { c.Store = StorePostgres }, true},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, true},
		{"zero upload limit", func(c *Config) { c.Pipeline.MaxUploadBytes = 0 }, true},
		{"zero timeout", func(c *Config) { c.Pipeline.OperationTimeout = 0 }, true},
		{"notion without database", func(c *Config) { c.Notion.Token = "secret" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
