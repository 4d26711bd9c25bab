package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmsync/wardsync/internal/sync"
)

func TestReadPayload(t *testing.T) {
	t.Parallel()

	t.Run("inline", func(t *testing.T) {
		rec, err := readPayload(`{"phone":"555-0101"}`, "", nil)
		require.NoError(t, err)
		assert.Equal(t, sync.Record{"phone": "555-0101"}, rec)
	})

	t.Run("stdin", func(t *testing.T) {
		rec, err := readPayload("", "-", strings.NewReader(`{"pulse": 72}`))
		require.NoError(t, err)
		assert.InDelta(t, 72.0, rec["pulse"], 0)
	})

	t.Run("none", func(t *testing.T) {
		rec, err := readPayload("", "", nil)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := readPayload(`["a"]`, "", nil)
		assert.ErrorContains(t, err, "JSON object")
	})
}

func TestEnqueueAndQueue(t *testing.T) {
	path := writeCLIConfig(t, "", "")

	id := strings.TrimSpace(mustRunCLI(t, path, "enqueue", "patient", "p1", "create",
		"--data", `{"name":"Amina","bloodType":"O+"}`, "--id", "m-1"))
	assert.Equal(t, "m-1", id)

	// Same id again is a no-op.
	mustRunCLI(t, path, "enqueue", "patient", "p1", "create", "--data", `{"name":"Other"}`, "--id", "m-1")
	mustRunCLI(t, path, "enqueue", "patient", "p1", "update", "--data", `{"bloodType":"A-"}`)

	items := decodeJSON[[]queueJSON](t, mustRunCLI(t, path, "--json", "queue"))
	require.Len(t, items, 2)
	assert.Equal(t, "m-1", items[0].ID)
	assert.Equal(t, "CREATE", items[0].Operation)
	assert.Equal(t, "Amina", items[0].Payload["name"])
	assert.Equal(t, "PENDING", items[0].Status)
	assert.Equal(t, "UPDATE", items[1].Operation)

	table := mustRunCLI(t, path, "queue", "--type", "patient")
	assert.Contains(t, table, "m-1")
	assert.Contains(t, table, "patient/p1")

	assert.Equal(t, "Queue is empty.\n", mustRunCLI(t, path, "queue", "--status", "failed"))
}

func TestEnqueue_Errors(t *testing.T) {
	path := writeCLIConfig(t, "", "")

	_, err := runCLI(t, path, "enqueue", "patient", "p1", "upsert", "--data", `{"a":1}`)
	assert.ErrorContains(t, err, "unknown operation")

	_, err = runCLI(t, path, "enqueue", "patient", "p1", "update")
	assert.ErrorIs(t, err, sync.ErrInvalidMutation)
}

func TestEnqueue_RestrictedEntityTypes(t *testing.T) {
	path := writeCLIConfig(t, "", `entity_types = ["patient"]`+"\n")

	_, err := runCLI(t, path, "enqueue", "billing", "b1", "create", "--data", `{"amount":1}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, sync.ErrInvalidMutation)
	assert.Contains(t, err.Error(), "not syncable")
}

func TestQueue_UnknownStatus(t *testing.T) {
	path := writeCLIConfig(t, "", "")

	_, err := runCLI(t, path, "queue", "--status", "stuck")
	assert.ErrorContains(t, err, "unknown status")
}

func TestDiscard_RequiresConfirmation(t *testing.T) {
	path := writeCLIConfig(t, "", "")

	mustRunCLI(t, path, "enqueue", "patient", "p1", "create", "--data", `{"name":"Amina"}`, "--id", "item-to-drop")

	_, err := runCLI(t, path, "discard", "item-to")
	assert.ErrorIs(t, err, sync.ErrDiscardNotConfirmed)

	mustRunCLI(t, path, "discard", "item-to", "--yes")

	items := decodeJSON[[]queueJSON](t, mustRunCLI(t, path, "--json", "queue"))
	assert.Empty(t, items)

	_, err = runCLI(t, path, "discard", "item-to", "--yes")
	assert.ErrorIs(t, err, sync.ErrNotFound)
}

func TestRetry_Arguments(t *testing.T) {
	path := writeCLIConfig(t, "", "")

	_, err := runCLI(t, path, "retry")
	assert.ErrorContains(t, err, "specify an item id or --all")

	_, err = runCLI(t, path, "retry", "abc", "--all")
	assert.ErrorContains(t, err, "specify an item id or --all")

	mustRunCLI(t, path, "retry", "--all")

	mustRunCLI(t, path, "enqueue", "patient", "p1", "create", "--data", `{"name":"Amina"}`, "--id", "pending-1")
	mustRunCLI(t, path, "retry", "pending-1")
}

func TestItemStateAndNote(t *testing.T) {
	t.Parallel()

	held := &sync.QueueItem{Status: sync.StatusPending, ConflictID: "c0ffee00-1111"}
	assert.Equal(t, "HELD", itemState(held))
	assert.Equal(t, "conflict c0ffee00", itemNote(held))

	failed := &sync.QueueItem{Status: sync.StatusFailed, LastError: "422: invalid blood type"}
	assert.Equal(t, "FAILED", itemState(failed))
	assert.Equal(t, "422: invalid blood type", itemNote(failed))

	resolving := &sync.QueueItem{Status: sync.StatusPending, ResolvesConflictID: "abcdef0123"}
	assert.Equal(t, "resolves abcdef01", itemNote(resolving))
}
