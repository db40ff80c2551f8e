package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/statement-ingest/internal/config"
	"github.com/dvloznov/statement-ingest/internal/gcs"
)

func testConfig() *config.Config {
	return &config.Config{
		Store: config.StoreMemory,
		Oracle: config.OracleConfig{
			Mode:          "cli",
			DefaultPreset: "balanced",
			CLICommand:    "cat",
		},
		Pipeline: config.PipelineConfig{
			MaxUploadBytes:   1 << 20,
			OperationTimeout: time.Minute,
			QCTolerance:      "0.01",
		},
	}
}

func TestNew_MemoryStack(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, testConfig())
	require.NoError(t, err)

	assert.NotNil(t, a.Service)
	assert.Nil(t, a.Reviews)
	assert.IsType(t, &gcs.MemoryStore{}, a.Files)
	assert.Len(t, a.Notifiers(), 1)

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Shutdown(ctx))
}

func TestNew_NotionReviewQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Notion = config.NotionConfig{Token: "secret_x", ReviewDatabaseID: "db-1"}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	require.NotNil(t, a.Reviews)
	assert.Len(t, a.Notifiers(), 2)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{name: "unknown store", mutate: func(cfg *config.Config) { cfg.Store = "sqlite" }},
		{name: "unknown preset", mutate: func(cfg *config.Config) { cfg.Oracle.DefaultPreset = "turbo" }},
		{name: "bad tolerance", mutate: func(cfg *config.Config) { cfg.Pipeline.QCTolerance = "a cent" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			a, err := New(context.Background(), cfg)
			assert.Error(t, err)
			assert.Nil(t, a)
		})
	}
}
