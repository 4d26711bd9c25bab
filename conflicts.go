package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hmsync/wardsync/internal/sync"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List sync conflicts",
		Long: `Display conflicts between local changes and the server copy.

By default only pending conflicts are shown. Use 'wardsync conflicts show'
for the field-by-field comparison and 'wardsync resolve' to settle one.`,
		Args: cobra.NoArgs,
		RunE: runConflicts,
	}

	cmd.Flags().Bool("all", false, "include resolved conflicts")
	cmd.AddCommand(newConflictShowCmd())

	return cmd
}

// conflictJSON is the JSON-serializable representation of a conflict.
type conflictJSON struct {
	ID               string                      `json:"id"`
	EntityType       string                      `json:"entity_type"`
	EntityID         string                      `json:"entity_id"`
	FacilityID       string                      `json:"facility_id,omitempty"`
	Type             string                      `json:"conflict_type"`
	Status           string                      `json:"status"`
	QueueItemID      string                      `json:"queue_item_id"`
	ConflictFields   []string                    `json:"conflict_fields"`
	LocalOperation   string                      `json:"local_operation"`
	LocalVersion     sync.Record                 `json:"local_version"`
	ServerVersion    sync.Record                 `json:"server_version"`
	ServerVersionNum int64                       `json:"server_version_number"`
	BaseSnapshot     sync.Record                 `json:"base_snapshot,omitempty"`
	Resolution       string                      `json:"resolution,omitempty"`
	FieldChoices     map[string]sync.FieldChoice `json:"field_choices,omitempty"`
	ResolutionItemID string                      `json:"resolution_item_id,omitempty"`
	ResolvedBy       string                      `json:"resolved_by,omitempty"`
	Notes            string                      `json:"notes,omitempty"`
	DetectedAt       string                      `json:"detected_at"`
	ResolvedAt       string                      `json:"resolved_at,omitempty"`
}

func toConflictJSON(c *sync.SyncConflict) conflictJSON {
	return conflictJSON{
		ID:               c.ID,
		EntityType:       c.EntityType,
		EntityID:         c.EntityID,
		FacilityID:       c.FacilityID,
		Type:             string(c.Type),
		Status:           string(c.Status),
		QueueItemID:      c.QueueItemID,
		ConflictFields:   c.ConflictFields,
		LocalOperation:   string(c.LocalOperation),
		LocalVersion:     c.LocalVersion,
		ServerVersion:    c.ServerVersion,
		ServerVersionNum: c.ServerVersionNumber,
		BaseSnapshot:     c.BaseSnapshot,
		Resolution:       string(c.Resolution),
		FieldChoices:     c.FieldChoices,
		ResolutionItemID: c.ResolutionItemID,
		ResolvedBy:       string(c.ResolvedBy),
		Notes:            c.Notes,
		DetectedAt:       rfc3339(c.DetectedAt),
		ResolvedAt:       rfc3339(c.ResolvedAt),
	}
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	all, _ := cmd.Flags().GetBool("all")

	status := sync.ConflictPending
	if all {
		status = ""
	}

	engine, err := newSyncEngine(ctx, cc, engineOptions{})
	if err != nil {
		return err
	}
	defer engine.Close()

	conflicts, err := engine.ListConflicts(ctx, status)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]conflictJSON, len(conflicts))
		for i, c := range conflicts {
			out[i] = toConflictJSON(c)
		}

		return printJSON(cc.Out(), out)
	}

	if len(conflicts) == 0 {
		fmt.Fprintln(cc.Out(), "No unresolved conflicts.")
		return nil
	}

	printConflictsTable(cc, conflicts)

	return nil
}

func printConflictsTable(cc *CLIContext, conflicts []*sync.SyncConflict) {
	headers := []string{"ID", "ENTITY", "TYPE", "FIELDS", "STATUS", "DETECTED"}
	rows := make([][]string, len(conflicts))

	for i, c := range conflicts {
		rows[i] = []string{
			shortID(c.ID),
			c.EntityType + "/" + shortID(c.EntityID),
			string(c.Type),
			strings.Join(c.ConflictFields, ","),
			conflictState(c),
			formatTime(c.DetectedAt),
		}
	}

	printTable(cc.Out(), headers, rows)
}

// conflictState distinguishes a decided conflict whose resolution item is
// still waiting for the server from one that needs a decision.
func conflictState(c *sync.SyncConflict) string {
	if c.Status == sync.ConflictPending && c.ResolutionItemID != "" {
		return "RESOLVING"
	}

	return string(c.Status)
}

func newConflictShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show the local and server values of a conflict",
		Args:  cobra.ExactArgs(1),
		RunE:  runConflictShow,
	}
}

func runConflictShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	engine, err := newSyncEngine(ctx, cc, engineOptions{})
	if err != nil {
		return err
	}
	defer engine.Close()

	c, err := engine.FindConflict(ctx, args[0])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out(), toConflictJSON(c))
	}

	printConflictDetail(cc, c)

	return nil
}

func printConflictDetail(cc *CLIContext, c *sync.SyncConflict) {
	w := cc.Out()

	fmt.Fprintf(w, "Conflict %s (%s)\n", c.ID, conflictState(c))
	fmt.Fprintf(w, "  Entity:    %s/%s\n", c.EntityType, c.EntityID)
	fmt.Fprintf(w, "  Type:      %s\n", c.Type)
	fmt.Fprintf(w, "  Local:     %s from item %s\n", c.LocalOperation, shortID(c.QueueItemID))
	fmt.Fprintf(w, "  Server:    version %d\n", c.ServerVersionNumber)
	fmt.Fprintf(w, "  Detected:  %s\n", formatTime(c.DetectedAt))

	if c.Resolution != sync.ResolutionNone {
		fmt.Fprintf(w, "  Decision:  %s by %s\n", c.Resolution, c.ResolvedBy)
	}

	if c.Notes != "" {
		fmt.Fprintf(w, "  Notes:     %s\n", c.Notes)
	}

	fmt.Fprintln(w)

	fields := c.ConflictFields
	if len(fields) == 0 {
		fields = unionKeys(c.LocalVersion, c.ServerVersion)
	}

	rows := make([][]string, len(fields))
	for i, f := range fields {
		rows[i] = []string{f, displayValue(c.BaseSnapshot, f), displayValue(c.LocalVersion, f), displayValue(c.ServerVersion, f)}
	}

	printTable(w, []string{"FIELD", "BASE", "LOCAL", "SERVER"}, rows)
}

func unionKeys(a, b sync.Record) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}

	for k := range b {
		seen[k] = true
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// displayValue renders one field of a record for the comparison table.
// A nil record is a deleted side.
func displayValue(r sync.Record, field string) string {
	if r == nil {
		return "(deleted)"
	}

	v, ok := r[field]
	if !ok {
		return "(unset)"
	}

	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	default:
		return fmt.Sprint(x)
	}
}
