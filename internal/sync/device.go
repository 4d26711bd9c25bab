package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DeviceContext identifies the device and facility a sync context acts for.
// It is passed explicitly so several engines can coexist in one process.
type DeviceContext struct {
	DeviceID   string
	FacilityID string
	DeviceName string
	DeviceType string
}

const stateKeyDeviceID = "device_id"

// resolveDeviceID fills in the device id from the state table, generating and
// persisting a new one on first use. An explicit id always wins.
func (s *Store) resolveDeviceID(ctx context.Context, device DeviceContext) (DeviceContext, error) {
	if device.DeviceID != "" {
		return device, nil
	}

	id, err := s.getState(ctx, stateKeyDeviceID)
	if err != nil {
		return device, err
	}

	if id == "" {
		id = uuid.NewString()
		if err := s.setState(ctx, s.db, stateKeyDeviceID, id); err != nil {
			return device, fmt.Errorf("sync: persisting device id: %w", err)
		}

		s.logger.Info("generated device id", slog.String("device_id", id))
	}

	device.DeviceID = id

	return device, nil
}
