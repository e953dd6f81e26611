package reconciler

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// dispatch publishes a command for the device to every known gateway. The
// command is recorded as in flight before the publish loop starts so that
// a concurrent tick cannot dispatch a second command and an acknowledgment
// overtaking the publish loop still finds its token. A complete publish
// failure reverts to the prior state, nothing left the operator.
//
// Returns the updated device for persistence, or nil if nothing changed or
// the acknowledgment already completed the command lifecycle.
func (r *Reconciler) dispatch(ctx context.Context, deviceID string, kind mesh.CommandKind) (*mesh.Device, error) {
	now := r.now()

	r.mtx.Lock()
	t, ok := r.devices[deviceID]
	if !ok {
		r.mtx.Unlock()
		return nil, nil
	}
	if _, busy := r.tokenByDevice[deviceID]; busy {
		r.mtx.Unlock()
		return nil, nil
	}

	gateways := slices.Clone(r.gateways)
	if len(gateways) == 0 {
		r.mtx.Unlock()
		r.log.Warn("no gateways known, cannot dispatch", "device", deviceID, "kind", kind)
		return nil, nil
	}

	event := mesh.ProvisioningEventProvisionRequested
	if kind == mesh.CommandUnprovision {
		event = mesh.ProvisioningEventUnprovisionRequested
	}

	token := uuid.NewString()

	prev := t.device.Status
	status, err := fsm.HandleProvisioningEvent(ctx, r.log, prev, &mesh.ProvisioningEvent{
		Time:  now,
		Event: event,
		Token: token,
	})
	if err != nil {
		r.mtx.Unlock()
		return nil, err
	}
	t.device.Status = status

	var address *uint16
	if prev.Address != nil {
		a := *prev.Address
		address = &a
	}

	cmd := &mesh.Command{
		Token:    token,
		DeviceID: deviceID,
		Kind:     kind,
		Address:  address,
		IssuedAt: now,
		Deadline: now.Add(r.commandTimeout),
	}
	r.inflight[token] = cmd
	r.tokenByDevice[deviceID] = token

	meshUUID := t.device.Spec.Device
	r.mtx.Unlock()

	msg := mesh.CommandMessage{
		Token:   token,
		Device:  meshUUID,
		Command: kind,
		Address: address,
	}

	published := 0
	for _, gw := range gateways {
		topic := mesh.CommandTopicFQN(r.application, gw)
		if err := r.publisher.Publish(topic, msg); err != nil {
			r.log.Warn("cannot publish command to gateway", "device", deviceID, "gateway", gw, "error", err)
			continue
		}
		r.log.Info("command published", "device", deviceID, "gateway", gw, "kind", kind, "token", token)
		published++
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	t, ok = r.devices[deviceID]
	if !ok {
		delete(r.inflight, token)
		delete(r.tokenByDevice, deviceID)
		return nil, nil
	}

	if published == 0 {
		// no optimistic transition survives, the prior state stays valid
		delete(r.inflight, token)
		delete(r.tokenByDevice, deviceID)

		reverted := prev.DeepCopy()
		reverted.RetryCount++
		reverted.LastError = "command channel unavailable"
		t.device.Status = reverted
		t.nextAttemptAt = now.Add(r.backoffDelay(reverted.RetryCount))
		d := t.device.DeepCopy()
		return &d, mesh.TransportUnavailable("no gateway accepted the %s command for device %s", kind, deviceID)
	}

	commandsPublished.WithLabelValues(kind.String()).Inc()

	if _, outstanding := r.inflight[token]; !outstanding {
		// the acknowledgment overtook the publish loop and completed the
		// command, the correlator already persisted the result
		return nil, nil
	}

	d := t.device.DeepCopy()
	return &d, nil
}
