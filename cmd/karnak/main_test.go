package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ricirt/karnak/internal/config"
	"github.com/ricirt/karnak/internal/sink"
)

func TestNewLogger(t *testing.T) {
	l, err := newLogger("debug", false)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = newLogger("warn", true)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = newLogger("loud", false)
	assert.Error(t, err)
}

func TestOpenSink(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	tests := []struct {
		kind string
		path string
		want any
	}{
		{config.SinkMemory, "", &sink.Memory{}},
		{config.SinkSQLite, filepath.Join(dir, "out.db"), &sink.SQLite{}},
		{config.SinkXLSX, dir, &sink.XLSX{}},
	}
	for _, tc := range tests {
		t.Run(tc.kind, func(t *testing.T) {
			s, err := openSink(ctx, &config.Config{Name: "karnak", SinkType: tc.kind, SinkPath: tc.path}, nil)
			require.NoError(t, err)
			assert.IsType(t, tc.want, s)
			if c, ok := s.(interface{ Close() error }); ok {
				require.NoError(t, c.Close())
			}
		})
	}

	_, err := openSink(ctx, &config.Config{SinkType: "parquet"}, nil)
	assert.Error(t, err)
}

func TestOneShotCommandsNeedSharedQueue(t *testing.T) {
	assert.ErrorIs(t, checkOneShot(&config.Config{QueueBackend: config.BackendMemory}), errProcessLocalQueue)
	assert.NoError(t, checkOneShot(&config.Config{QueueBackend: config.BackendPostgres}))

	t.Setenv("QUEUE_BACKEND", config.BackendMemory)
	t.Setenv("SINK_TYPE", config.SinkMemory)
	logger = zap.NewNop()
	t.Cleanup(func() { logger = nil })

	called := false
	err := withApp(context.Background(), true, func(context.Context, *app) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, errProcessLocalQueue)
	assert.False(t, called)

	err = withApp(context.Background(), false, func(context.Context, *app) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestBuildApp_MemoryBackend(t *testing.T) {
	cfg := &config.Config{
		Name:                  "karnak",
		Extractors:            []string{"default", "slow"},
		DefaultExtractor:      "default",
		MaxPriority:           2,
		WorkersPerExtractor:   1,
		QueueBackend:          config.BackendMemory,
		SinkType:              config.SinkMemory,
		KeySource:             config.KeySourceStatic,
		KeyProperty:           "ticker",
		StaticKeys:            []string{"AAPL"},
		MaxQueueItemsPerBatch: 10,
		MaxRowsPerFile:        10,
	}
	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.close()

	report, err := a.pipeline.State(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Queues, 7) // 2 extractors x (2 priorities + any) + results
}
