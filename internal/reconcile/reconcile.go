// Package reconcile implements the Reconciliation Endpoint (§4.2): the
// device-facing surface a device polls for its target state against
// and reports its observed current state to. This is the only part of
// the control plane a device ever talks to directly.
package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fleetd.sh/internal/currentstate"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/events"
	"fleetd.sh/internal/ferrors"
	"fleetd.sh/internal/middleware"
	"fleetd.sh/internal/repository"
	"fleetd.sh/internal/rollout"
	"fleetd.sh/internal/targetstate"
)

// Handler wires the Reconciliation Endpoint's dependencies together.
type Handler struct {
	targets   *targetstate.Service
	current   *currentstate.Store
	devices   repository.DeviceRepository
	rollouts  *rollout.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a Reconciliation Endpoint handler.
func New(targets *targetstate.Service, current *currentstate.Store, devices repository.DeviceRepository, rollouts *rollout.Store, publisher events.Publisher) *Handler {
	return &Handler{
		targets:   targets,
		current:   current,
		devices:   devices,
		rollouts:  rollouts,
		publisher: publisher,
		logger:    slog.Default().With("component", "reconcile"),
	}
}

// Register mounts the device-facing routes onto r, wrapped in
// middleware.DeviceAuth.
func (h *Handler) Register(r *mux.Router) {
	uuidFromPath := func(req *http.Request) string { return mux.Vars(req)["uuid"] }
	auth := middleware.DeviceAuth(h.devices, uuidFromPath)

	r.Handle("/v1/devices/{uuid}/target-state", auth(http.HandlerFunc(h.GetTargetState))).Methods(http.MethodGet)
	r.Handle("/v1/devices/{uuid}/current-state", auth(http.HandlerFunc(h.ReportCurrentState))).Methods(http.MethodPost)
}

// GetTargetState returns a device's target state document. A matching
// If-None-Match returns 304 with no body (§4.2, §3 ETag contract). A
// successful fetch marks the device online and, if it was previously
// offline, emits a device.online audit event carrying the offline
// duration.
func (h *Handler) GetTargetState(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if uuid := mux.Vars(r)["uuid"]; uuid != "" && uuid != device.UUID {
		http.Error(w, "device identity mismatch", http.StatusForbidden)
		return
	}

	ts, etag, err := h.targets.Get(r.Context(), device.UUID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.markOnline(r.Context(), device)

	quoted := `"` + etag + `"`
	w.Header().Set("ETag", quoted)
	if r.Header.Get("If-None-Match") == quoted {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body, err := ts.MarshalCanonical()
	if err != nil {
		h.writeError(w, ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode target state"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// markOnline flips the device online and, if it had been offline,
// records how long it was offline for on the audit event.
func (h *Handler) markOnline(ctx context.Context, device *domain.Device) {
	now := time.Now()
	wasOffline := !device.IsOnline
	offlineSince := device.LastSeen

	if err := h.devices.UpdateOnlineState(ctx, device.UUID, true, now); err != nil {
		h.logger.Error("failed to mark device online", "device_uuid", device.UUID, "error", err)
		return
	}
	if !wasOffline {
		return
	}

	data := map[string]any{}
	if !offlineSince.IsZero() {
		data["offline_duration_seconds"] = now.Sub(offlineSince).Seconds()
	}
	h.publisher.Publish(ctx, domain.DomainEvent{
		Type: "device.online", AggregateType: "device", AggregateID: device.UUID, Data: data,
	})
}

// ReportCurrentState accepts a device's self-report of what it's
// actually running, applies the partial-update invariant, and advances
// any `scheduled` rollout rows this device was waiting on to `updated`
// once the reported tag matches the rollout's new_tag (§4.2).
func (h *Handler) ReportCurrentState(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if uuid := mux.Vars(r)["uuid"]; uuid != "" && uuid != device.UUID {
		http.Error(w, "device identity mismatch", http.StatusForbidden)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	apps, hasApps, sysInfo, err := domain.UnmarshalCurrentStateReport(raw)
	if err != nil {
		http.Error(w, "invalid current state report", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := time.Now()
	if _, err := h.current.ApplyReport(ctx, device.UUID, apps, hasApps, sysInfo, now); err != nil {
		h.writeError(w, err)
		return
	}
	h.markOnline(ctx, device)

	if hasApps {
		if err := h.advanceScheduledRows(ctx, device.UUID, apps); err != nil {
			h.logger.Error("failed to advance scheduled rollout rows", "device_uuid", device.UUID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// advanceScheduledRows transitions this device's `scheduled` rows to
// `updated` for every (app, service) whose reported image tag now
// matches the rollout's new_tag — the device-side half of convergence
// detection (§4.2, §4.5).
func (h *Handler) advanceScheduledRows(ctx context.Context, deviceUUID string, apps map[int][]domain.ServiceStatus) error {
	scheduled, err := h.rollouts.ActiveScheduledRowsForDevice(ctx, deviceUUID)
	if err != nil {
		return err
	}
	if len(scheduled) == 0 {
		return nil
	}

	for _, row := range scheduled {
		services, ok := apps[row.AppID]
		if !ok {
			continue
		}
		for _, svc := range services {
			if svc.ID != row.ServiceID {
				continue
			}
			_, tag := domain.ParseImageRef(svc.Image)
			if tag == "" {
				continue
			}
			r, err := h.rollouts.Get(ctx, row.RolloutID)
			if err != nil {
				return err
			}
			if tag != r.NewTag {
				continue
			}
			transitioned, err := h.rollouts.CASRowStatus(ctx, row.RolloutID, deviceUUID, domain.RowScheduled, domain.RowUpdated, time.Now())
			if err != nil {
				return err
			}
			if transitioned {
				h.publisher.Publish(ctx, domain.DomainEvent{
					Type: "rollout.device_updated", AggregateType: "device_rollout_row", AggregateID: row.RolloutID + ":" + deviceUUID,
					Data: map[string]any{"app_id": row.AppID, "service_id": row.ServiceID, "new_tag": tag},
				})
			}
		}
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch ferrors.GetCode(err) {
	case ferrors.CodeNotFound:
		status = http.StatusNotFound
	case ferrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case ferrors.CodePermissionDenied, ferrors.CodeUnauthenticated:
		status = http.StatusForbidden
	case ferrors.CodeConflict, ferrors.CodeAlreadyExists:
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
