package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hmsync/wardsync/internal/sync"
)

// Daemon state constants for status reporting.
const (
	daemonRunning = "running"
	daemonStopped = "stopped"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, conflict and daemon status",
		Long: `Display the sync health of this device from local state only: queued,
failed and held changes, pending conflicts, the last successful sync and
whether a sync --watch process is running.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusJSON is the JSON-serializable representation of device health.
type statusJSON struct {
	DeviceID      string `json:"device_id"`
	FacilityID    string `json:"facility_id,omitempty"`
	ServerURL     string `json:"server_url,omitempty"`
	Pending       int    `json:"pending"`
	Syncing       int    `json:"syncing"`
	Failed        int    `json:"failed"`
	Conflicts     int    `json:"conflicts"`
	Deferred      int    `json:"deferred"`
	LastSyncAt    string `json:"last_sync_at,omitempty"`
	SchemaVersion int64  `json:"schema_version"`
	Daemon        string `json:"daemon"`
	DaemonPID     int    `json:"daemon_pid,omitempty"`
	DaemonSince   string `json:"daemon_since,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	engine, err := newSyncEngine(ctx, cc, engineOptions{})
	if err != nil {
		return err
	}
	defer engine.Close()

	h, err := engine.Status(ctx)
	if err != nil {
		return err
	}

	st := buildStatus(h, cc)

	if cc.Flags.JSON {
		return printJSON(cc.Out(), st)
	}

	printStatusText(cc, st, h)

	return nil
}

func buildStatus(h *sync.Health, cc *CLIContext) statusJSON {
	st := statusJSON{
		DeviceID:      h.DeviceID,
		FacilityID:    cc.Cfg.FacilityID,
		ServerURL:     cc.Cfg.ServerURL,
		Pending:       h.Pending,
		Syncing:       h.Syncing,
		Failed:        h.Failed,
		Conflicts:     h.Conflicts,
		Deferred:      h.Deferred,
		LastSyncAt:    rfc3339(h.LastSyncAt),
		SchemaVersion: h.SchemaVersion,
		Daemon:        daemonStopped,
	}

	if m, err := findDaemon(cc.Cfg.PIDFilePath(), cc.Cfg.DeviceDBPath()); err == nil {
		st.Daemon = daemonRunning
		st.DaemonPID = m.PID
		st.DaemonSince = rfc3339(m.StartedAt)
	}

	return st
}

func printStatusText(cc *CLIContext, st statusJSON, h *sync.Health) {
	w := cc.Out()

	fmt.Fprintf(w, "Device:     %s\n", st.DeviceID)

	if st.FacilityID != "" {
		fmt.Fprintf(w, "Facility:   %s\n", st.FacilityID)
	}

	server := st.ServerURL
	if server == "" {
		server = "(not configured)"
	}

	fmt.Fprintf(w, "Server:     %s\n", server)
	fmt.Fprintf(w, "Last sync:  %s\n", formatTime(h.LastSyncAt))

	daemon := st.Daemon
	if st.DaemonPID != 0 {
		daemon = fmt.Sprintf("%s (PID %d)", daemon, st.DaemonPID)
	}

	if st.DaemonSince != "" {
		daemon += " since " + st.DaemonSince
	}

	fmt.Fprintf(w, "Watch:      %s\n", daemon)
	fmt.Fprintf(w, "Queue:      %s\n", queueSummary(h))
	fmt.Fprintf(w, "Conflicts:  %d\n", st.Conflicts)
	fmt.Fprintf(w, "Schema:     v%d\n", st.SchemaVersion)

	if h.Conflicts > 0 {
		fmt.Fprintln(w, "\nRun 'wardsync conflicts' to review pending conflicts.")
	}
}

func queueSummary(h *sync.Health) string {
	var parts []string

	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}

	add(h.Pending, "pending")
	add(h.Syncing, "syncing")
	add(h.Failed, "failed")
	add(h.Deferred, "server changes deferred")

	if len(parts) == 0 {
		return "empty"
	}

	return strings.Join(parts, ", ")
}
