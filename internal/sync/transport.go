package sync

import (
	"context"
	"time"
)

// Transport is the server side of a sync cycle. Implementations wrap failures
// with ErrOffline, ErrTransient, ErrPermanent or ErrUnauthorized; anything
// else is treated as transient.
type Transport interface {
	Push(ctx context.Context, req *PushRequest) (*PushResponse, error)
	Pull(ctx context.Context, req *PullRequest) (*PullResponse, error)
}

// Applier receives server changes once they are accepted locally, so the
// host application can refresh its cached records. When a local item settles
// on server state that carries other devices' edits, the merged record is
// delivered the same way. It is called inside the
// coordinator's transaction and must not call back into the Engine.
type Applier interface {
	ApplyRemote(ctx context.Context, change RemoteChange) error
}

// ChangeNotifier delivers server-side "something changed" signals. Watch
// blocks until ctx is done, calling notify for each signal.
type ChangeNotifier interface {
	Watch(ctx context.Context, notify func()) error
}

// PushItem is the wire shape of one QueueItem.
type PushItem struct {
	ID          string
	EntityType  string
	EntityID    string
	Operation   Operation
	Payload     Record
	BaseVersion int64
	CreatedAt   time.Time
}

// PushRequest is a batch of items from one device.
type PushRequest struct {
	Device DeviceContext
	Items  []PushItem
}

// PushStatus is the per-item outcome reported by the server.
type PushStatus string

// Push outcomes.
const (
	PushApplied  PushStatus = "applied"
	PushConflict PushStatus = "conflict"
	PushRejected PushStatus = "rejected"
	PushError    PushStatus = "error"
)

// PushResult is the server's answer for one item.
type PushResult struct {
	ID     string
	Status PushStatus
	// NewVersion is set for applied items.
	NewVersion int64
	// ServerVersion and Record describe the current server state for
	// conflicts. Record is also returned for applied items when available.
	ServerVersion int64
	Record        Record
	ServerDeleted bool
	Error         string
	Retryable     bool
}

// PushResponse carries one result per pushed item.
type PushResponse struct {
	Results []PushResult
}

// PullRequest asks for server changes after Cursor.
type PullRequest struct {
	Device DeviceContext
	Cursor string
	Limit  int
}

// RemoteChange is one server-side change from the pull feed.
type RemoteChange struct {
	EntityType   string
	EntityID     string
	Operation    Operation
	Version      int64
	Record       Record
	ChangedAt    time.Time
	OriginDevice string
}

// PullResponse is one page of the change feed.
type PullResponse struct {
	Changes []RemoteChange
	Cursor  string
	HasMore bool
}

type nopApplier struct{}

func (nopApplier) ApplyRemote(context.Context, RemoteChange) error { return nil }
