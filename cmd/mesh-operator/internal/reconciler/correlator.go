package reconciler

import (
	"context"
	"encoding/json"

	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// HandleAckMessage consumes one inbound gateway acknowledgment and matches
// it to an outstanding command. Correlation happens strictly by token,
// never by arrival order: duplicates, stale tokens and post-timeout late
// arrivals are discarded without mutating any device's state.
//
// The returned error is always nil, a malformed message must not cause the
// bus to redeliver it.
func (r *Reconciler) HandleAckMessage(ctx context.Context, body []byte) error {
	var ack mesh.AckMessage
	if err := json.Unmarshal(body, &ack); err != nil {
		acksDiscarded.WithLabelValues("malformed").Inc()
		r.log.Warn("discarding malformed acknowledgment", "error", mesh.MalformedMessage("cannot parse payload: %v", err))
		return nil
	}
	if ack.Token == "" {
		acksDiscarded.WithLabelValues("malformed").Inc()
		r.log.Warn("discarding acknowledgment without correlation token")
		return nil
	}

	r.mtx.Lock()
	cmd, ok := r.inflight[ack.Token]
	if !ok {
		r.mtx.Unlock()
		acksDiscarded.WithLabelValues("stale").Inc()
		r.log.Debug("discarding unmatched acknowledgment", "token", ack.Token)
		return nil
	}

	delete(r.inflight, ack.Token)
	delete(r.tokenByDevice, cmd.DeviceID)

	t, ok := r.devices[cmd.DeviceID]
	if !ok {
		r.mtx.Unlock()
		return nil
	}

	event := &mesh.ProvisioningEvent{
		Time:    r.now(),
		Token:   ack.Token,
		Address: ack.Address,
		Message: ack.Reason,
	}
	if ack.Success {
		event.Event = mesh.ProvisioningEventAckSucceeded
	} else {
		event.Event = mesh.ProvisioningEventAckFailed
	}

	status, err := fsm.HandleProvisioningEvent(ctx, r.log, t.device.Status, event)
	if err != nil {
		r.mtx.Unlock()
		r.log.Error("cannot handle acknowledgment", "device", cmd.DeviceID, "token", ack.Token, "error", err)
		return nil
	}
	t.device.Status = status

	if ack.Success {
		ackResults.WithLabelValues("success").Inc()
		t.nextAttemptAt = r.now()

		if cmd.Kind == mesh.CommandProvision && ack.Address != nil {
			alias := mesh.AliasForAddress(*ack.Address)
			if t.device.EnsureAlias(alias) {
				r.log.Info("alias recorded for provisioned device", "device", cmd.DeviceID, "alias", alias)
			}
		}
		r.log.Info("command acknowledged", "device", cmd.DeviceID, "kind", cmd.Kind, "state", status.ObservedState)
	} else {
		ackResults.WithLabelValues("failure").Inc()
		r.log.Warn("command rejected by gateway", "device", cmd.DeviceID, "kind", cmd.Kind, "reason", ack.Reason, "retries", status.RetryCount)

		if status.RetryCount >= r.maxRetries {
			status, err = fsm.HandleProvisioningEvent(ctx, r.log, t.device.Status, &mesh.ProvisioningEvent{
				Time:  r.now(),
				Event: mesh.ProvisioningEventRetriesExhausted,
			})
			if err != nil {
				r.log.Error("cannot handle retry exhaustion", "device", cmd.DeviceID, "error", err)
			} else {
				t.device.Status = status
				r.log.Warn("device exceeded retry budget", "device", cmd.DeviceID, "retries", status.RetryCount)
			}
		} else {
			t.nextAttemptAt = r.now().Add(r.backoffDelay(status.RetryCount))
		}
	}

	d := t.device.DeepCopy()
	r.mtx.Unlock()

	r.persistDevice(ctx, &d)

	return nil
}

// HandleDeviceEventMessage consumes one registry change notification and
// triggers an immediate reconcile tick.
func (r *Reconciler) HandleDeviceEventMessage(ctx context.Context, body []byte) error {
	var event mesh.DeviceEventMessage
	if err := json.Unmarshal(body, &event); err != nil {
		r.log.Warn("discarding malformed device event", "error", mesh.MalformedMessage("cannot parse payload: %v", err))
		return nil
	}

	r.log.Debug("device event received", "device", event.Device, "type", event.Type)
	r.Trigger()

	return nil
}
