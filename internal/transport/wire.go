package transport

import (
	"time"

	"github.com/hmsync/wardsync/internal/sync"
)

// HTTP paths and headers of the sync protocol.
const (
	PathPush   = "/sync/push"
	PathPull   = "/sync/pull"
	PathNotify = "/sync/notify"

	headerDeviceID   = "X-Device-ID"
	headerFacilityID = "X-Facility-ID"
)

// DeviceInfo identifies the pushing device.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	FacilityID string `json:"facilityId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
}

// PushItem is one queued mutation on the wire.
type PushItem struct {
	ID          string         `json:"id"`
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	Operation   string         `json:"operation"`
	Payload     map[string]any `json:"payload"`
	BaseVersion int64          `json:"baseVersion"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Device DeviceInfo `json:"device"`
	Items  []PushItem `json:"items"`
}

// PushResult is the server's verdict for one item.
type PushResult struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	NewVersion    int64          `json:"newVersion,omitempty"`
	ServerVersion int64          `json:"serverVersion,omitempty"`
	Record        map[string]any `json:"record,omitempty"`
	ServerDeleted bool           `json:"serverDeleted,omitempty"`
	Error         string         `json:"error,omitempty"`
	Retryable     bool           `json:"retryable,omitempty"`
}

// PushResponse is the body returned by POST /sync/push.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// Change is one entry of the server change feed.
type Change struct {
	EntityType   string         `json:"entityType"`
	EntityID     string         `json:"entityId"`
	Operation    string         `json:"operation"`
	Version      int64          `json:"version"`
	Record       map[string]any `json:"record,omitempty"`
	ChangedAt    time.Time      `json:"changedAt"`
	OriginDevice string         `json:"originDevice,omitempty"`
}

// PullResponse is the body returned by GET /sync/pull.
type PullResponse struct {
	Changes []Change `json:"changes"`
	Cursor  string   `json:"cursor"`
	HasMore bool     `json:"hasMore"`
}

// Notification is sent over the websocket whenever the change feed advances.
type Notification struct {
	Cursor string `json:"cursor"`
}

func deviceInfo(d sync.DeviceContext) DeviceInfo {
	return DeviceInfo{DeviceID: d.DeviceID, FacilityID: d.FacilityID, DeviceName: d.DeviceName, DeviceType: d.DeviceType}
}

// DeviceContext converts the wire device back to the engine's type.
func (d DeviceInfo) DeviceContext() sync.DeviceContext {
	return sync.DeviceContext{DeviceID: d.DeviceID, FacilityID: d.FacilityID, DeviceName: d.DeviceName, DeviceType: d.DeviceType}
}

func encodePush(req *sync.PushRequest) PushRequest {
	out := PushRequest{Device: deviceInfo(req.Device), Items: make([]PushItem, 0, len(req.Items))}

	for _, it := range req.Items {
		payload := map[string]any(it.Payload)
		if payload == nil {
			payload = map[string]any{}
		}

		out.Items = append(out.Items, PushItem{
			ID:          it.ID,
			EntityType:  it.EntityType,
			EntityID:    it.EntityID,
			Operation:   string(it.Operation),
			Payload:     payload,
			BaseVersion: it.BaseVersion,
			CreatedAt:   it.CreatedAt.UTC(),
		})
	}

	return out
}

func decodePushResponse(resp *PushResponse) *sync.PushResponse {
	out := &sync.PushResponse{Results: make([]sync.PushResult, 0, len(resp.Results))}

	for _, r := range resp.Results {
		out.Results = append(out.Results, sync.PushResult{
			ID:            r.ID,
			Status:        sync.PushStatus(r.Status),
			NewVersion:    r.NewVersion,
			ServerVersion: r.ServerVersion,
			Record:        sync.Record(r.Record),
			ServerDeleted: r.ServerDeleted,
			Error:         r.Error,
			Retryable:     r.Retryable,
		})
	}

	return out
}

func decodePullResponse(resp *PullResponse) *sync.PullResponse {
	out := &sync.PullResponse{
		Changes: make([]sync.RemoteChange, 0, len(resp.Changes)),
		Cursor:  resp.Cursor,
		HasMore: resp.HasMore,
	}

	for _, ch := range resp.Changes {
		out.Changes = append(out.Changes, sync.RemoteChange{
			EntityType:   ch.EntityType,
			EntityID:     ch.EntityID,
			Operation:    sync.Operation(ch.Operation),
			Version:      ch.Version,
			Record:       sync.Record(ch.Record),
			ChangedAt:    ch.ChangedAt,
			OriginDevice: ch.OriginDevice,
		})
	}

	return out
}
