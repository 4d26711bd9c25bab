package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmsync/wardsync/internal/sync"
)

func peerCycle(t *testing.T, eng *sync.Engine) {
	t.Helper()

	_, err := eng.RunSyncCycle(context.Background())
	require.NoError(t, err)
}

func peerEnqueue(t *testing.T, eng *sync.Engine, op sync.Operation, payload sync.Record) {
	t.Helper()

	_, err := eng.Enqueue(context.Background(), sync.Mutation{
		EntityType: "patient", EntityID: "p1", Operation: op, Payload: payload,
	})
	require.NoError(t, err)
}

// A ward tablet and the admissions desk both change a blood type while the
// tablet is offline. The tablet's sync stops with a conflict, a clinician
// keeps the tablet's value, and the next sync settles it everywhere.
func TestSync_ConflictResolvedFromCLI(t *testing.T) {
	hs := startServer(t)
	path := writeCLIConfig(t, hs.URL, "")
	desk := openPeer(t, hs, "admissions-desk")

	peerEnqueue(t, desk, sync.OpCreate, sync.Record{"name": "Amina", "bloodType": "O+"})
	peerCycle(t, desk)

	first := decodeJSON[cycleJSON](t, mustRunCLI(t, path, "--json", "sync"))
	assert.Equal(t, 1, first.PullApplied)
	assert.Zero(t, first.Conflicts)

	mustRunCLI(t, path, "enqueue", "patient", "p1", "update", "--data", `{"bloodType":"A-"}`)

	peerEnqueue(t, desk, sync.OpUpdate, sync.Record{"bloodType": "B+"})
	peerCycle(t, desk)

	_, err := runCLI(t, path, "sync")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errConflictsPending), err.Error())

	conflicts := decodeJSON[[]conflictJSON](t, mustRunCLI(t, path, "--json", "conflicts"))
	require.Len(t, conflicts, 1)

	c := conflicts[0]
	assert.Equal(t, "CONCURRENT_EDIT", c.Type)
	assert.Equal(t, []string{"bloodType"}, c.ConflictFields)
	assert.Equal(t, "A-", c.LocalVersion["bloodType"])
	assert.Equal(t, "B+", c.ServerVersion["bloodType"])

	detail := mustRunCLI(t, path, "conflicts", "show", shortID(c.ID))
	assert.Contains(t, detail, "bloodType")
	assert.Contains(t, detail, `"A-"`)
	assert.Contains(t, detail, `"B+"`)

	decided := decodeJSON[conflictJSON](t, mustRunCLI(t, path, "--json", "resolve", shortID(c.ID),
		"--use-local", "--notes", "confirmed with lab"))
	assert.Equal(t, "PENDING", decided.Status, "stays pending until the server accepts the decision")
	assert.Equal(t, "USE_LOCAL", decided.Resolution)
	assert.NotEmpty(t, decided.ResolutionItemID)

	table := mustRunCLI(t, path, "conflicts")
	assert.Contains(t, table, "RESOLVING")

	mustRunCLI(t, path, "sync")

	all := decodeJSON[[]conflictJSON](t, mustRunCLI(t, path, "--json", "conflicts", "--all"))
	require.Len(t, all, 1)
	assert.Equal(t, "RESOLVED", all[0].Status)
	assert.Equal(t, "confirmed with lab", all[0].Notes)

	assert.Equal(t, "No unresolved conflicts.\n", mustRunCLI(t, path, "conflicts"))

	peerCycle(t, desk)

	ev, err := desk.EntityVersion(context.Background(), "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "A-", ev.Snapshot["bloodType"])
	assert.Equal(t, int64(3), ev.Version)

	st := decodeJSON[statusJSON](t, mustRunCLI(t, path, "--json", "status"))
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Conflicts)
	assert.NotEmpty(t, st.LastSyncAt)
}

func TestSync_RequiresServer(t *testing.T) {
	path := writeCLIConfig(t, "", "")

	_, err := runCLI(t, path, "sync")
	assert.ErrorContains(t, err, "server_url not configured")
}

func TestSync_ServerOverrideFlag(t *testing.T) {
	hs := startServer(t)
	path := writeCLIConfig(t, "", "")

	mustRunCLI(t, path, "enqueue", "vital_sign", "v1", "create", "--data", `{"pulse":72}`)

	report := decodeJSON[cycleJSON](t, mustRunCLI(t, path, "--server", hs.URL, "--json", "sync"))
	assert.Equal(t, 1, report.Synced)
	assert.False(t, report.Offline)
}

func TestSync_OfflineKeepsQueue(t *testing.T) {
	hs := startServer(t)
	url := hs.URL
	hs.Close()

	path := writeCLIConfig(t, url, `request_timeout = "5s"`+"\n")
	mustRunCLI(t, path, "enqueue", "patient", "p9", "create", "--data", `{"name":"Offline"}`)

	_, err := runCLI(t, path, "sync")
	require.Error(t, err)
	assert.ErrorIs(t, err, sync.ErrOffline)

	items := decodeJSON[[]queueJSON](t, mustRunCLI(t, path, "--json", "queue"))
	require.Len(t, items, 1)
	assert.Equal(t, "PENDING", items[0].Status)
	assert.Zero(t, items[0].RetryCount, "being offline does not use up retries")
}

func TestSummarizeCycle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Another sync cycle is already running.", summarizeCycle(&sync.CycleReport{Skipped: true}))

	assert.Equal(t, "Sync complete in 1.5s: nothing to do",
		summarizeCycle(&sync.CycleReport{Duration: 1500 * time.Millisecond}))

	assert.Equal(t, "Sync complete in 20ms: 2 pulled, 3 synced, 1 conflicts",
		summarizeCycle(&sync.CycleReport{Duration: 20 * time.Millisecond, PullApplied: 2, Synced: 3, Conflicts: 1}))

	assert.Equal(t, "Server unreachable in 0s: nothing to do", summarizeCycle(&sync.CycleReport{Offline: true}))
}
