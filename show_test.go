package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmsync/wardsync/internal/sync"
)

func TestShow_ConfirmedRecord(t *testing.T) {
	hs := startServer(t)
	path := writeCLIConfig(t, hs.URL, "")

	mustRunCLI(t, path, "enqueue", "patient", "p7", "create", "--data", `{"name":"Kofi","ward":"3"}`)
	mustRunCLI(t, path, "sync")

	got := decodeJSON[showJSON](t, mustRunCLI(t, path, "--json", "show", "patient", "p7"))
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.Deleted)
	assert.Equal(t, "Kofi", got.Record["name"])
	assert.NotEmpty(t, got.ConfirmedAt)

	text := mustRunCLI(t, path, "show", "patient", "p7")
	assert.Contains(t, text, "Version:    1")
	assert.Contains(t, text, `"Kofi"`)
}

func TestShow_DeletedRecord(t *testing.T) {
	hs := startServer(t)
	path := writeCLIConfig(t, hs.URL, "")

	mustRunCLI(t, path, "enqueue", "patient", "p8", "create", "--data", `{"name":"Lena"}`)
	mustRunCLI(t, path, "sync")
	mustRunCLI(t, path, "enqueue", "patient", "p8", "delete")
	mustRunCLI(t, path, "sync")

	text := mustRunCLI(t, path, "show", "patient", "p8")
	assert.Contains(t, text, "Version:    2")
	assert.Contains(t, text, "State:      deleted")
}

func TestShow_UnknownRecord(t *testing.T) {
	path := writeCLIConfig(t, "", "")

	_, err := runCLI(t, path, "show", "patient", "nobody")
	require.Error(t, err)
	assert.ErrorIs(t, err, sync.ErrNotFound)
}
