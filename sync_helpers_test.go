package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmsync/wardsync/internal/config"
	"github.com/hmsync/wardsync/internal/sync"
)

func TestBuildPolicies(t *testing.T) {
	t.Parallel()

	policies, err := buildPolicies(map[string]config.PolicyConfig{
		"vital_sign": {Strategy: "last_writer_wins", Fields: []string{"pulse"}, TimestampField: "recorded_at"},
		"patient":    {Strategy: "manual"},
	})
	require.NoError(t, err)

	assert.IsType(t, sync.LastWriterWins{}, policies["vital_sign"])
	assert.IsType(t, sync.ManualOnly{}, policies["patient"])

	_, err = buildPolicies(map[string]config.PolicyConfig{"x": {Strategy: "coin_flip"}})
	assert.ErrorContains(t, err, "policy for x")
}

func TestBuildTokenSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	none, err := buildTokenSource(ctx, &config.ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, none)

	static, err := buildTokenSource(ctx, &config.ServerConfig{Token: "device-token"})
	require.NoError(t, err)

	tok, err := static.Token()
	require.NoError(t, err)
	assert.Equal(t, "device-token", tok)

	cc, err := buildTokenSource(ctx, &config.ServerConfig{
		ClientID: "ward-3", ClientSecret: "s", TokenURL: "https://auth.example/token",
	})
	require.NoError(t, err)
	assert.NotNil(t, cc)
}

func TestNewHTTPClient_Timeouts(t *testing.T) {
	t.Parallel()

	client := newHTTPClient(&config.NetworkConfig{ConnectTimeout: "3s", RequestTimeout: "45s"})
	assert.Equal(t, 45*time.Second, client.Timeout)
}

func TestNewSyncEngine_OfflineWithoutServer(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()

	engine, err := newSyncEngine(context.Background(), &CLIContext{Cfg: cfg}, engineOptions{})
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.RunSyncCycle(context.Background())
	assert.ErrorIs(t, err, sync.ErrOffline)
}
