package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isplane/subscriber-sync-server/internal/config"
	"github.com/isplane/subscriber-sync-server/internal/store"
	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Address: "127.0.0.1:0"},
		Upstream: config.UpstreamConfig{
			Endpoint: "https://upstream.example.com/api",
		},
		Integrations: []config.IntegrationConfig{
			{ID: "isp-1", Name: "Test ISP"},
		},
	}
}

func TestNewApp(t *testing.T) {
	t.Parallel()

	fetcher := upstream.NewClient("https://upstream.example.com/api", "test-key")

	app, err := NewApp(context.Background(),
		WithConfig(testConfig()),
		WithFetcher(fetcher),
		WithStore(store.NewMemoryStore()),
	)
	require.NoError(t, err)
	require.NotNil(t, app)

	assert.NotNil(t, app.Coordinator())
	assert.NotNil(t, app.GetHTTPServer())
	assert.Equal(t, "127.0.0.1:0", app.GetHTTPServer().Addr)
	assert.Equal(t, testConfig().Integrations, app.GetConfig().Integrations)
}

func TestNewApp_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewApp(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")
}

func TestWithAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{name: "valid host and port", address: "127.0.0.1:8080", wantErr: false},
		{name: "port only", address: ":8080", wantErr: false},
		{name: "localhost", address: "localhost:9000", wantErr: false},
		{name: "empty", address: "", wantErr: true},
		{name: "missing port", address: "127.0.0.1", wantErr: true},
		{name: "empty port", address: "127.0.0.1:", wantErr: true},
		{name: "not a port", address: "127.0.0.1:http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &appConfig{}
			err := WithAddress(tt.address)(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.address, cfg.address)
		})
	}
}

func TestWithShutdownTimeout(t *testing.T) {
	t.Parallel()

	cfg := &appConfig{}
	require.Error(t, WithShutdownTimeout(0)(cfg))
	require.NoError(t, WithShutdownTimeout(5*time.Second)(cfg))
	assert.Equal(t, 5*time.Second, cfg.shutdownTimeout)
}

func TestNewApp_SyncOptionsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Sync = config.SyncConfig{
		PageSize:             25,
		MaxPageRetries:       5,
		RetryInitialInterval: "100ms",
		RetryMaxInterval:     "2s",
	}

	app, err := NewApp(context.Background(),
		WithConfig(cfg),
		WithFetcher(upstream.NewClient("https://upstream.example.com/api", "test-key")),
		WithStore(store.NewMemoryStore()),
	)
	require.NoError(t, err)
	assert.NotNil(t, app.Coordinator())
}
