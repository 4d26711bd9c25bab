package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hmsync/wardsync/internal/sync"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List local changes waiting to sync",
		Long: `Display the device change log, oldest first.

By default acknowledged (SYNCED) items are hidden; --all includes them until
they are pruned.`,
		Args: cobra.NoArgs,
		RunE: runQueue,
	}

	cmd.Flags().String("status", "", "only items with this status (pending, syncing, failed, synced)")
	cmd.Flags().String("type", "", "only items for this entity type")
	cmd.Flags().String("entity", "", "only items for this entity id")
	cmd.Flags().Bool("all", false, "include synced items")
	cmd.Flags().Int("limit", 0, "maximum number of items")

	return cmd
}

// queueJSON is the JSON-serializable representation of a queue item.
type queueJSON struct {
	ID                 string      `json:"id"`
	EntityType         string      `json:"entity_type"`
	EntityID           string      `json:"entity_id"`
	Operation          string      `json:"operation"`
	Status             string      `json:"status"`
	BaseVersion        int64       `json:"base_version"`
	Payload            sync.Record `json:"payload,omitempty"`
	CreatedAt          string      `json:"created_at"`
	RetryCount         int         `json:"retry_count"`
	LastError          string      `json:"last_error,omitempty"`
	ErrorKind          string      `json:"error_kind,omitempty"`
	NextAttemptAt      string      `json:"next_attempt_at,omitempty"`
	ConflictID         string      `json:"conflict_id,omitempty"`
	ResolvesConflictID string      `json:"resolves_conflict_id,omitempty"`
	SyncedAt           string      `json:"synced_at,omitempty"`
}

func toQueueJSON(q *sync.QueueItem) queueJSON {
	return queueJSON{
		ID:                 q.ID,
		EntityType:         q.EntityType,
		EntityID:           q.EntityID,
		Operation:          string(q.Operation),
		Status:             string(q.Status),
		BaseVersion:        q.BaseVersion,
		Payload:            q.Payload,
		CreatedAt:          rfc3339(q.CreatedAt),
		RetryCount:         q.RetryCount,
		LastError:          q.LastError,
		ErrorKind:          string(q.ErrorKind),
		NextAttemptAt:      rfc3339(q.NextAttemptAt),
		ConflictID:         q.ConflictID,
		ResolvesConflictID: q.ResolvesConflictID,
		SyncedAt:           rfc3339(q.SyncedAt),
	}
}

func runQueue(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	status, _ := cmd.Flags().GetString("status")
	entityType, _ := cmd.Flags().GetString("type")
	entityID, _ := cmd.Flags().GetString("entity")
	all, _ := cmd.Flags().GetBool("all")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := sync.QueueFilter{
		Status:        sync.ItemStatus(strings.ToUpper(status)),
		EntityType:    entityType,
		EntityID:      entityID,
		IncludeSynced: all,
		Limit:         limit,
	}

	switch filter.Status {
	case "", sync.StatusPending, sync.StatusSyncing, sync.StatusFailed, sync.StatusSynced:
	default:
		return fmt.Errorf("unknown status %q", status)
	}

	engine, err := newSyncEngine(ctx, cc, engineOptions{})
	if err != nil {
		return err
	}
	defer engine.Close()

	items, err := engine.ListQueue(ctx, filter)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]queueJSON, len(items))
		for i, it := range items {
			out[i] = toQueueJSON(it)
		}

		return printJSON(cc.Out(), out)
	}

	if len(items) == 0 {
		fmt.Fprintln(cc.Out(), "Queue is empty.")
		return nil
	}

	printQueueTable(cc, items)

	return nil
}

func printQueueTable(cc *CLIContext, items []*sync.QueueItem) {
	headers := []string{"ID", "ENTITY", "OP", "STATUS", "BASE", "RETRIES", "CREATED", "NOTE"}
	rows := make([][]string, len(items))

	for i, it := range items {
		rows[i] = []string{
			shortID(it.ID),
			it.EntityType + "/" + shortID(it.EntityID),
			string(it.Operation),
			itemState(it),
			strconv.FormatInt(it.BaseVersion, 10),
			strconv.Itoa(it.RetryCount),
			formatTime(it.CreatedAt),
			itemNote(it),
		}
	}

	printTable(cc.Out(), headers, rows)
}

// itemState shows held items distinctly; they are PENDING in the log but
// will not be pushed until their conflict is resolved.
func itemState(it *sync.QueueItem) string {
	if it.ConflictID != "" {
		return "HELD"
	}

	return string(it.Status)
}

func itemNote(it *sync.QueueItem) string {
	switch {
	case it.ConflictID != "":
		return "conflict " + shortID(it.ConflictID)
	case it.ResolvesConflictID != "":
		return "resolves " + shortID(it.ResolvesConflictID)
	case it.LastError != "":
		return it.LastError
	case !it.NextAttemptAt.IsZero() && it.Status == sync.StatusPending:
		return "retry at " + formatTime(it.NextAttemptAt)
	default:
		return ""
	}
}

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [item-id]",
		Short: "Retry a failed queue item",
		Long: `Make a failed item, or one waiting on backoff, eligible for the next sync
cycle with a fresh retry budget. Use --all to retry every failed item.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRetry,
	}

	cmd.Flags().Bool("all", false, "retry every failed item")

	return cmd
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	all, _ := cmd.Flags().GetBool("all")

	if all == (len(args) == 1) {
		return fmt.Errorf("specify an item id or --all")
	}

	engine, err := newSyncEngine(ctx, cc, engineOptions{})
	if err != nil {
		return err
	}
	defer engine.Close()

	if all {
		n, err := engine.RetryAllFailed(ctx)
		if err != nil {
			return err
		}

		cc.Statusf("%d failed item(s) scheduled for retry\n", n)

		return nil
	}

	item, err := engine.FindItem(ctx, args[0])
	if err != nil {
		return err
	}

	if err := engine.Retry(ctx, item.ID); err != nil {
		return err
	}

	cc.Statusf("Item %s scheduled for retry\n", shortID(item.ID))

	return nil
}

func newDiscardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard <item-id>",
		Short: "Drop a local change that has not reached the server",
		Long: `Remove a queue item without pushing it. The change is lost for good, so
--yes is required.

Items held by a conflict cannot be discarded; resolve the conflict instead.`,
		Args: cobra.ExactArgs(1),
		RunE: runDiscard,
	}

	cmd.Flags().Bool("yes", false, "confirm the change is lost")

	return cmd
}

func runDiscard(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	yes, _ := cmd.Flags().GetBool("yes")

	engine, err := newSyncEngine(ctx, cc, engineOptions{})
	if err != nil {
		return err
	}
	defer engine.Close()

	item, err := engine.FindItem(ctx, args[0])
	if err != nil {
		return err
	}

	if err := engine.Discard(ctx, item.ID, yes); err != nil {
		return err
	}

	cc.Statusf("Discarded %s %s/%s\n", item.Operation, item.EntityType, item.EntityID)

	return nil
}
