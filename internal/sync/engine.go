package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadySynced is returned when a command targets an acknowledged item.
var ErrAlreadySynced = errors.New("sync: item already synced")

// EngineConfig holds the options for NewEngine. Zero values fall back to the
// package defaults.
type EngineConfig struct {
	DBPath    string
	Device    DeviceContext
	Transport Transport // nil means every cycle reports ErrOffline
	Applier   Applier   // optional host cache hook
	Notifier  ChangeNotifier
	Metrics   *Metrics
	Logger    *slog.Logger

	// Policies maps entity type to automatic resolution policy.
	Policies map[string]Policy
	// EntityTypes restricts Enqueue to these types when non-empty.
	EntityTypes []string
	// IgnoreFields are excluded from conflict detection in addition to
	// the server-maintained metadata fields.
	IgnoreFields []string

	BatchSize       int
	MaxRetries      int
	Backoff         BackoffPolicy
	PullPageSize    int
	MaxPullPages    int
	SyncedRetention time.Duration
}

// Engine is the sync subsystem of one device. Business code may only enqueue
// mutations and read queue and conflict state; everything that moves data to
// or from the server goes through the coordinator.
type Engine struct {
	store     *Store
	changelog *ChangeLog
	versions  *VersionTracker
	conflicts *ConflictStore
	deferred  *deferredStore
	resolver  *Resolver
	coord     *Coordinator
	notifier  ChangeNotifier
	metrics   *Metrics
	device    DeviceContext
	logger    *slog.Logger
}

// NewEngine opens the device database and wires the components together.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := OpenStore(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("sync: creating engine: %w", err)
	}

	device, err := store.resolveDeviceID(ctx, cfg.Device)
	if err != nil {
		store.Close()
		return nil, err
	}

	var entityTypes map[string]bool
	if len(cfg.EntityTypes) > 0 {
		entityTypes = fieldSet(cfg.EntityTypes)
	}

	backoff := cfg.Backoff
	if backoff.Base <= 0 {
		backoff = DefaultBackoff()
	}

	versions := &VersionTracker{store: store}
	changelog := &ChangeLog{
		store:       store,
		versions:    versions,
		locks:       newEntityLocks(),
		backoff:     backoff,
		maxRetries:  orDefault(cfg.MaxRetries, DefaultMaxRetries),
		entityTypes: entityTypes,
		logger:      logger,
	}
	conflicts := &ConflictStore{store: store}
	deferred := &deferredStore{store: store}
	detector := NewDetector(cfg.IgnoreFields...)

	resolver := NewResolver(cfg.Policies, logger)
	resolver.ignore = detector.ignore

	var transport Transport = offlineTransport{}
	if cfg.Transport != nil {
		transport = cfg.Transport
	}

	var applier Applier = nopApplier{}
	if cfg.Applier != nil {
		applier = cfg.Applier
	}

	retention := cfg.SyncedRetention
	if retention == 0 {
		retention = DefaultSyncedRetention
	}

	coord := &Coordinator{
		store:           store,
		changelog:       changelog,
		versions:        versions,
		conflicts:       conflicts,
		deferred:        deferred,
		detector:        detector,
		resolver:        resolver,
		transport:       transport,
		applier:         applier,
		metrics:         cfg.Metrics,
		device:          device,
		logger:          logger,
		batchSize:       orDefault(cfg.BatchSize, DefaultBatchSize),
		pullPageSize:    orDefault(cfg.PullPageSize, DefaultPullPageSize),
		maxPullPages:    orDefault(cfg.MaxPullPages, DefaultMaxPullPages),
		syncedRetention: retention,
	}

	logger.Info("sync engine ready",
		slog.String("db_path", cfg.DBPath),
		slog.String("device_id", device.DeviceID),
		slog.String("facility_id", device.FacilityID),
	)

	return &Engine{
		store:     store,
		changelog: changelog,
		versions:  versions,
		conflicts: conflicts,
		deferred:  deferred,
		resolver:  resolver,
		coord:     coord,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		device:    device,
		logger:    logger,
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}

// Close releases the database.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Device returns the device context the engine syncs for.
func (e *Engine) Device() DeviceContext {
	return e.device
}

// SetNotifier replaces the change notifier used by Watch. Notifiers that
// identify the device need Device(), which is only known once the engine is
// open. Call it before Watch.
func (e *Engine) SetNotifier(n ChangeNotifier) {
	e.notifier = n
}

// Enqueue durably records a business mutation. It is the only way business
// code can send data to the server. Re-enqueueing the same Mutation.ID is a
// no-op that returns the stored item.
func (e *Engine) Enqueue(ctx context.Context, m Mutation) (*QueueItem, error) {
	return e.changelog.Append(ctx, m)
}

// RunSyncCycle runs one pull/push cycle. Concurrent calls are deduplicated.
func (e *Engine) RunSyncCycle(ctx context.Context) (*CycleReport, error) {
	report, err := e.coord.RunSyncCycle(ctx)

	if e.metrics != nil && !report.Skipped {
		if h, herr := e.Status(context.WithoutCancel(ctx)); herr == nil {
			e.metrics.observeHealth(h)
		}
	}

	return report, err
}

// EntityVersion returns the last server-confirmed version of an entity, or
// nil when it was never confirmed.
func (e *Engine) EntityVersion(ctx context.Context, entityType, entityID string) (*EntityVersion, error) {
	return e.versions.Get(ctx, entityType, entityID)
}

// Status reports queue and conflict counts from local state only.
func (e *Engine) Status(ctx context.Context) (*Health, error) {
	counts, err := e.changelog.counts(ctx)
	if err != nil {
		return nil, err
	}

	conflicts, err := e.conflicts.countPending(ctx)
	if err != nil {
		return nil, err
	}

	deferred, err := e.deferred.count(ctx)
	if err != nil {
		return nil, err
	}

	lastSync, err := e.store.LastSyncAt(ctx)
	if err != nil {
		return nil, err
	}

	schema, err := schemaVersion(ctx, e.store.db)
	if err != nil {
		return nil, err
	}

	return &Health{
		DeviceID:   e.device.DeviceID,
		Pending:    counts[StatusPending],
		Syncing:    counts[StatusSyncing],
		Failed:     counts[StatusFailed],
		Conflicts:  conflicts,
		Deferred:   deferred,
		LastSyncAt: lastSync,

		SchemaVersion: schema,
	}, nil
}

// ListQueue returns queue items matching filter, oldest first.
func (e *Engine) ListQueue(ctx context.Context, filter QueueFilter) ([]*QueueItem, error) {
	return e.changelog.List(ctx, filter)
}

// FindItem resolves a queue item by id or unique id prefix.
func (e *Engine) FindItem(ctx context.Context, idOrPrefix string) (*QueueItem, error) {
	return e.changelog.Find(ctx, idOrPrefix)
}

// ListConflicts returns conflicts with status, or all when status is empty.
func (e *Engine) ListConflicts(ctx context.Context, status ConflictStatus) ([]*SyncConflict, error) {
	return e.conflicts.List(ctx, status)
}

// FindConflict resolves a conflict by id or unique id prefix.
func (e *Engine) FindConflict(ctx context.Context, idOrPrefix string) (*SyncConflict, error) {
	return e.conflicts.Find(ctx, idOrPrefix)
}

// Retry makes a failed or backing-off item eligible for the next cycle.
func (e *Engine) Retry(ctx context.Context, id string) error {
	if err := e.changelog.Retry(ctx, id); err != nil {
		return err
	}

	e.logger.Info("queue item scheduled for retry", slog.String("id", id))

	return nil
}

// RetryAllFailed resets every FAILED item.
func (e *Engine) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := e.changelog.RetryAllFailed(ctx)
	if err != nil {
		return 0, err
	}

	e.logger.Info("failed items scheduled for retry", slog.Int64("count", n))

	return n, nil
}

// Discard drops a local change that has not reached the server. It requires
// confirmed to be true because the change is lost for good.
func (e *Engine) Discard(ctx context.Context, id string, confirmed bool) error {
	if !confirmed {
		return ErrDiscardNotConfirmed
	}

	item, err := e.changelog.Get(ctx, id)
	if err != nil {
		return err
	}

	unlock := e.changelog.locks.lock(item.EntityType, item.EntityID)
	defer unlock()

	err = e.store.withTx(ctx, func(tx *sql.Tx) error {
		// Re-read under the lock; the coordinator may have moved it.
		item, err = e.changelog.get(ctx, tx, id)
		if err != nil {
			return err
		}

		switch {
		case item.ConflictID != "":
			return fmt.Errorf("%w: %s (resolve conflict %s instead)", ErrHeldByConflict, id, item.ConflictID)
		case item.ResolvesConflictID != "":
			return fmt.Errorf("%w: %s carries the resolution of conflict %s", ErrHeldByConflict, id, item.ResolvesConflictID)
		case item.Status == StatusSyncing:
			return fmt.Errorf("%w: %s", ErrItemInFlight, id)
		case item.Status == StatusSynced:
			return fmt.Errorf("%w: %s", ErrAlreadySynced, id)
		}

		return e.changelog.remove(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	e.logger.Warn("discarded local change",
		slog.String("id", item.ID),
		slog.String("entity", item.EntityType+"/"+item.EntityID),
		slog.String("op", string(item.Operation)),
	)

	return nil
}

// ResolveManual settles a conflict with a per-field choice map covering every
// conflict field.
func (e *Engine) ResolveManual(ctx context.Context, id string, choices map[string]FieldChoice, notes string) (*SyncConflict, error) {
	return e.ResolveConflict(ctx, id, Resolution{Kind: ResolutionMerge, FieldChoices: choices, Notes: notes})
}

// ResolveConflict records a decision for a pending conflict. The conflicted
// item is replaced by a new item based on the server's version that carries
// the merged fields and keeps the original position in the entity's queue.
// The conflict stays PENDING until that item is acknowledged. A decision that
// leaves nothing to push (the server already matches) resolves immediately.
func (e *Engine) ResolveConflict(ctx context.Context, id string, res Resolution) (*SyncConflict, error) {
	c, err := e.conflicts.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.Status == ConflictResolved || c.ResolutionItemID != "" {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	normalized, err := e.resolver.normalize(c, res)
	if err != nil {
		return nil, err
	}

	plan := e.resolver.plan(c, normalized)

	unlock := e.changelog.locks.lock(c.EntityType, c.EntityID)
	defer unlock()

	var newItemID string

	err = e.store.withTx(ctx, func(tx *sql.Tx) error {
		old, err := e.changelog.get(ctx, tx, c.QueueItemID)
		if err != nil {
			return fmt.Errorf("sync: conflict %s: %w", c.ID, err)
		}

		if err := e.changelog.remove(ctx, tx, old.ID); err != nil {
			return err
		}

		if plan.Noop {
			return e.acceptServerState(ctx, tx, c, old, normalized)
		}

		item := &QueueItem{
			ID:                 uuid.NewString(),
			EntityType:         c.EntityType,
			EntityID:           c.EntityID,
			Operation:          plan.Operation,
			Payload:            plan.Payload,
			BaseVersion:        c.ServerVersionNumber,
			BaseSnapshot:       c.ServerVersion,
			CreatedAt:          old.CreatedAt,
			Status:             StatusPending,
			ResolvesConflictID: c.ID,
		}

		if err := e.changelog.insert(ctx, tx, item); err != nil {
			return err
		}

		newItemID = item.ID

		return e.conflicts.recordResolution(ctx, tx, c.ID, normalized, item.ID)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("conflict resolution recorded",
		slog.String("conflict_id", c.ID),
		slog.String("resolution", string(normalized.Kind)),
		slog.String("resolution_item", newItemID),
		slog.Bool("resolved", plan.Noop),
	)

	return e.conflicts.Get(ctx, c.ID)
}

// acceptServerState closes a conflict whose decision matches the server:
// the server snapshot becomes the confirmed version, the entity's next item
// is chained onto it and the host drops the held item's values.
func (e *Engine) acceptServerState(ctx context.Context, tx *sql.Tx, c *SyncConflict, held *QueueItem, res Resolution) error {
	prior, err := e.versions.get(ctx, tx, c.EntityType, c.EntityID)
	if err != nil {
		return err
	}

	server := EntityVersion{
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Version:    c.ServerVersionNumber,
		Snapshot:   c.ServerVersion,
		Deleted:    c.ServerVersion == nil,
	}

	if _, err := e.versions.set(ctx, tx, server); err != nil {
		return err
	}

	if err := e.changelog.rebaseSuccessor(ctx, tx, c.EntityType, c.EntityID, c.ServerVersionNumber); err != nil {
		return err
	}

	if err := e.coord.refreshHost(ctx, tx, prior, []*QueueItem{held}, &server); err != nil {
		return err
	}

	return e.conflicts.markResolved(ctx, tx, c.ID, &res, e.store.nowFunc())
}

// ResolveAll applies one side to every pending conflict that has no recorded
// decision yet. It returns how many conflicts were handled.
func (e *Engine) ResolveAll(ctx context.Context, kind ResolutionKind, notes string) (int, error) {
	if kind != ResolutionUseLocal && kind != ResolutionUseServer {
		return 0, fmt.Errorf("%w: bulk resolution must be %s or %s", ErrInvalidResolution, ResolutionUseLocal, ResolutionUseServer)
	}

	pending, err := e.conflicts.List(ctx, ConflictPending)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)

	for _, c := range pending {
		if c.ResolutionItemID != "" {
			continue
		}

		if _, err := e.ResolveConflict(ctx, c.ID, Resolution{Kind: kind, Notes: notes}); err != nil {
			errs = append(errs, fmt.Errorf("conflict %s: %w", c.ID, err))
			continue
		}

		n++
	}

	return n, errors.Join(errs...)
}

// offlineTransport stands in when no server is configured.
type offlineTransport struct{}

func (offlineTransport) Push(context.Context, *PushRequest) (*PushResponse, error) {
	return nil, fmt.Errorf("%w: no server configured", ErrOffline)
}

func (offlineTransport) Pull(context.Context, *PullRequest) (*PullResponse, error) {
	return nil, fmt.Errorf("%w: no server configured", ErrOffline)
}
