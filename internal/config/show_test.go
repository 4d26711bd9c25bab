package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_MasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerURL = "https://sync.example"
	cfg.ClientID = "ward-3"
	cfg.ClientSecret = "super-secret"
	cfg.TokenURL = "https://auth.example/token"
	cfg.StateDir = "/var/lib/wardsync"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, "/etc/wardsync/config.toml", &buf))

	out := buf.String()
	assert.Contains(t, out, "# Effective configuration (file: /etc/wardsync/config.toml)")
	assert.Contains(t, out, `server_url    = "https://sync.example"`)
	assert.Contains(t, out, `client_secret = "********"`)
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, "/var/lib/wardsync/device.db")
}

func TestRenderEffective_PoliciesSorted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/state"
	cfg.Policies = map[string]PolicyConfig{
		"vital_sign": {Strategy: "last_writer_wins", Fields: []string{"pulse"}},
		"encounter":  {Strategy: "manual"},
	}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, "cfg.toml", &buf))

	out := buf.String()
	enc := bytes.Index(buf.Bytes(), []byte("[policy.encounter]"))
	vit := bytes.Index(buf.Bytes(), []byte("[policy.vital_sign]"))

	require.GreaterOrEqual(t, enc, 0)
	require.GreaterOrEqual(t, vit, 0)
	assert.Less(t, enc, vit)
	assert.Contains(t, out, `fields = ["pulse"]`)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderEffective_WriteError(t *testing.T) {
	err := RenderEffective(DefaultConfig(), "cfg.toml", failingWriter{})
	assert.EqualError(t, err, "disk full")
}
