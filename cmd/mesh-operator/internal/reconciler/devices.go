package reconciler

import (
	"context"
	"sort"

	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// ListTracked returns a snapshot of all tracked devices, sorted by id.
func (r *Reconciler) ListTracked() mesh.Devices {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	devices := make(mesh.Devices, 0, len(r.devices))
	for _, t := range r.devices {
		devices = append(devices, t.device.DeepCopy())
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// GetTracked returns a snapshot of one tracked device.
func (r *Reconciler) GetTracked(id string) (*mesh.Device, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	t, ok := r.devices[id]
	if !ok {
		return nil, mesh.NotFound("device %s is not tracked", id)
	}
	d := t.device.DeepCopy()
	return &d, nil
}

// ResetDevice clears the retry state of a device on behalf of an operator.
// A Failed device becomes Pending again and takes part in dispatching on
// the next tick, which is triggered immediately.
func (r *Reconciler) ResetDevice(ctx context.Context, id string) (*mesh.Device, error) {
	r.mtx.Lock()

	t, ok := r.devices[id]
	if !ok {
		r.mtx.Unlock()
		return nil, mesh.NotFound("device %s is not tracked", id)
	}

	status, err := fsm.HandleProvisioningEvent(ctx, r.log, t.device.Status, &mesh.ProvisioningEvent{
		Time:    r.now(),
		Event:   mesh.ProvisioningEventDesiredChanged,
		Message: "operator reset",
	})
	if err != nil {
		r.mtx.Unlock()
		return nil, err
	}
	t.device.Status = status
	t.nextAttemptAt = r.now()
	r.forgetInflightLocked(id)

	d := t.device.DeepCopy()
	r.mtx.Unlock()

	r.log.Info("device reset by operator", "device", id)

	r.persistDevice(ctx, &d)
	r.Trigger()

	return &d, nil
}
