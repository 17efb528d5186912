package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/locker/store"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

// Telemetry ingests hardware-reported lock state from embedded controllers.
// Reports are best effort: they always "succeed" from the device's point of
// view, write only the observed state, and never touch ownership fields or
// the pending command.  Late and duplicate reports simply overwrite
// (last write wins); the device will report again on its next cycle.
type Telemetry struct {
	store store.Store
	log   *zap.Logger
}

func NewTelemetry(st store.Store, log *zap.Logger) *Telemetry {
	return &Telemetry{store: st, log: log}
}

// Report applies one device state report.  Unknown lockers and store
// failures are logged and dropped.
func (t *Telemetry) Report(ctx context.Context, lockerID string, observed types.LockState, deviceTime *time.Time) {
	lockerID = strings.TrimSpace(lockerID)
	if lockerID == "" {
		t.log.Debug("telemetry dropped: empty locker id")
		return
	}

	switch observed {
	case types.StateLocked, types.StateUnlocked:
	default:
		observed = types.StateUnknown
	}

	now := time.Now().UTC()
	err := t.store.Update(ctx, func(tx store.Tx) error {
		return tx.SetLockerState(lockerID, observed, now)
	})

	switch {
	case err == nil:
		fields := []zap.Field{
			zap.String("locker_id", lockerID),
			zap.String("state", string(observed)),
		}
		if deviceTime != nil {
			fields = append(fields, zap.Time("device_time", *deviceTime))
		}
		t.log.Debug("telemetry applied", fields...)
	case errors.Is(err, store.ErrNotFound):
		t.log.Warn("telemetry dropped: unknown locker", zap.String("locker_id", lockerID))
	default:
		t.log.Warn("telemetry dropped",
			zap.String("locker_id", lockerID), zap.Error(err))
	}
}
