package reconciler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

const (
	defaultReconcileInterval = 20 * time.Second
	defaultMaxRetries        = 5
	defaultBackoffMax        = 5 * time.Minute
	// the command deadline defaults to twice the reconcile interval so
	// that an acknowledgment has a full tick to arrive before a resend
	// is considered.
	defaultTimeoutFactor = 2
)

type (
	// DeviceRegistry is the part of the registry client the reconciler needs.
	DeviceRegistry interface {
		ListDevices(ctx context.Context, application string) (mesh.Devices, error)
		GetDevice(ctx context.Context, application, id string) (*mesh.Device, error)
		UpdateDevice(ctx context.Context, d *mesh.Device) error
	}

	// Publisher is the part of the event bus the reconciler needs.
	Publisher interface {
		Publish(topic string, data any) error
	}

	// Config configures a Reconciler.
	Config struct {
		Log         *slog.Logger
		Registry    DeviceRegistry
		Publisher   Publisher
		Application string

		ReconcileInterval time.Duration
		CommandTimeout    time.Duration
		MaxRetries        uint
		BackoffMax        time.Duration
	}

	// Reconciler drives the provisioning state of all mesh devices of one
	// application towards their desired state. It owns the in-memory device
	// table; the table and the in-flight command map are shared between the
	// periodic reconcile loop and the acknowledgment correlator and are
	// protected by a single mutex.
	Reconciler struct {
		log         *slog.Logger
		registry    DeviceRegistry
		publisher   Publisher
		application string

		interval       time.Duration
		commandTimeout time.Duration
		maxRetries     uint
		backoffMax     time.Duration

		now     func() time.Time
		trigger chan struct{}

		mtx      sync.Mutex
		devices  map[string]*trackedDevice
		inflight map[string]*mesh.Command
		// tokenByDevice enforces the single-command-in-flight invariant.
		tokenByDevice map[string]string
		gateways      []string
	}

	trackedDevice struct {
		device mesh.Device
		// nextAttemptAt gates resends, it implements the exponential
		// backoff after timeouts and negative acknowledgments.
		nextAttemptAt time.Time
	}
)

// New creates a Reconciler from the given config, applying defaults for
// unset durations and budgets.
func New(c *Config) *Reconciler {
	interval := c.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	timeout := c.CommandTimeout
	if timeout <= 0 {
		timeout = defaultTimeoutFactor * interval
	}
	maxRetries := c.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	backoffMax := c.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}

	return &Reconciler{
		log:            c.Log,
		registry:       c.Registry,
		publisher:      c.Publisher,
		application:    c.Application,
		interval:       interval,
		commandTimeout: timeout,
		maxRetries:     maxRetries,
		backoffMax:     backoffMax,
		now:            time.Now,
		trigger:        make(chan struct{}, 1),
		devices:        map[string]*trackedDevice{},
		inflight:       map[string]*mesh.Command{},
		tokenByDevice:  map[string]string{},
	}
}

// Run executes the reconcile loop until the context is canceled. One tick
// never terminates the loop, all errors are contained per device.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciling devices", "application", r.application, "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.reconcile(ctx)

		select {
		case <-ctx.Done():
			r.log.Info("reconcile loop stopped")
			return nil
		case <-ticker.C:
		case <-r.trigger:
		}
	}
}

// Trigger requests an immediate reconcile tick. It never blocks, pending
// triggers coalesce into a single tick.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// reconcile runs one full read-diff-act cycle across all tracked devices.
func (r *Reconciler) reconcile(ctx context.Context) {
	defer observeTick(r.now())

	devices, err := r.registry.ListDevices(ctx, r.application)
	if err != nil {
		registryErrors.Inc()
		r.log.Warn("cannot list devices, skipping tick", "error", err)
		return
	}

	changed := r.updateFromSnapshot(ctx, devices)
	changed = append(changed, r.sweepTimeouts(ctx)...)
	changed = append(changed, r.dispatchPending(ctx)...)

	for i := range changed {
		r.persistDevice(ctx, &changed[i])
	}

	r.provideStateMetrics()
}

// updateFromSnapshot merges a fresh registry snapshot into the in-memory
// table. The registry is the source of truth for device existence, the
// in-memory status is authoritative between persists. Returns the devices
// whose status changed because their desired state changed.
func (r *Reconciler) updateFromSnapshot(ctx context.Context, devices mesh.Devices) []mesh.Device {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.gateways = devices.Gateways()

	var changed []mesh.Device

	seen := map[string]bool{}
	for i := range devices {
		d := devices[i]
		if d.IsGateway() || !d.HasMeshSpec() {
			continue
		}
		seen[d.ID] = true

		t, ok := r.devices[d.ID]
		if !ok {
			// first appearance, rebuild state from the registry snapshot
			clone := d.DeepCopy()
			if clone.Status.LastSeenDesired == "" {
				clone.Status.LastSeenDesired = clone.Spec.DesiredState
			}
			r.devices[d.ID] = &trackedDevice{device: clone}
			t = r.devices[d.ID]
		} else {
			clone := d.DeepCopy()
			t.device.Labels = clone.Labels
			t.device.Spec = clone.Spec
			t.device.Version = clone.Version
		}

		if t.device.Status.LastSeenDesired != t.device.Spec.DesiredState {
			status, err := fsm.HandleProvisioningEvent(ctx, r.log, t.device.Status, &mesh.ProvisioningEvent{
				Time:  r.now(),
				Event: mesh.ProvisioningEventDesiredChanged,
			})
			if err != nil {
				r.log.Error("cannot handle desired state change", "device", d.ID, "error", err)
				continue
			}
			status.LastSeenDesired = t.device.Spec.DesiredState
			t.device.Status = status
			t.nextAttemptAt = time.Time{}
			r.forgetInflightLocked(d.ID)
			changed = append(changed, t.device.DeepCopy())

			r.log.Info("desired state changed, retry state cleared", "device", d.ID, "desired", status.LastSeenDesired)
		}
	}

	// devices absent from the snapshot are removed from tracking
	for id := range r.devices {
		if !seen[id] {
			r.forgetInflightLocked(id)
			delete(r.devices, id)
			r.log.Info("device disappeared from registry, dropped from tracking", "device", id)
		}
	}

	return changed
}

// sweepTimeouts retires commands that ran into their deadline. The token is
// forgotten so that a late acknowledgment is discarded as stale. Returns
// the devices whose status changed.
func (r *Reconciler) sweepTimeouts(ctx context.Context) []mesh.Device {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	now := r.now()

	var changed []mesh.Device
	for token, cmd := range r.inflight {
		if now.Before(cmd.Deadline) {
			continue
		}

		delete(r.inflight, token)
		delete(r.tokenByDevice, cmd.DeviceID)
		commandTimeouts.Inc()

		t, ok := r.devices[cmd.DeviceID]
		if !ok {
			continue
		}

		status, err := fsm.HandleProvisioningEvent(ctx, r.log, t.device.Status, &mesh.ProvisioningEvent{
			Time:    now,
			Event:   mesh.ProvisioningEventCommandTimedOut,
			Token:   token,
			Message: "no acknowledgment within deadline",
		})
		if err != nil {
			r.log.Error("cannot handle command timeout", "device", cmd.DeviceID, "error", err)
			continue
		}
		t.device.Status = status

		r.log.Info("command timed out", "device", cmd.DeviceID, "kind", cmd.Kind, "retries", status.RetryCount)

		if status.RetryCount >= r.maxRetries {
			status, err = fsm.HandleProvisioningEvent(ctx, r.log, t.device.Status, &mesh.ProvisioningEvent{
				Time:  now,
				Event: mesh.ProvisioningEventRetriesExhausted,
			})
			if err != nil {
				r.log.Error("cannot handle retry exhaustion", "device", cmd.DeviceID, "error", err)
			} else {
				t.device.Status = status
				r.log.Warn("device exceeded retry budget", "device", cmd.DeviceID, "retries", status.RetryCount)
			}
		} else {
			t.nextAttemptAt = now.Add(r.backoffDelay(status.RetryCount))
		}

		changed = append(changed, t.device.DeepCopy())
	}

	return changed
}

// dispatchPending computes the planned action for every tracked device and
// dispatches commands where the plan demands one. Returns the devices whose
// status changed.
func (r *Reconciler) dispatchPending(ctx context.Context) []mesh.Device {
	var changed []mesh.Device

	for _, id := range r.trackedIDs() {
		if ctx.Err() != nil {
			// shutdown, abandon the rest of the tick
			return changed
		}

		r.mtx.Lock()
		t, ok := r.devices[id]
		if !ok {
			r.mtx.Unlock()
			continue
		}

		action := fsm.Plan(t.device.Spec.DesiredState, t.device.Status.ObservedState)
		_, busy := r.tokenByDevice[id]
		if action == fsm.ActionAwait && !busy {
			// the previous command timed out, resume in the direction the
			// observed state already points to
			action = fsm.ResendAction(t.device.Status.ObservedState)
		}

		switch {
		case action == fsm.ActionNone || action == fsm.ActionAwait:
			r.mtx.Unlock()
			continue
		case busy:
			// single command in flight per device
			r.mtx.Unlock()
			continue
		case r.now().Before(t.nextAttemptAt):
			// backoff gate
			r.mtx.Unlock()
			continue
		}
		r.mtx.Unlock()

		kind := mesh.CommandProvision
		if action == fsm.ActionSendUnprovision {
			kind = mesh.CommandUnprovision
		}

		if d, err := r.dispatch(ctx, id, kind); err != nil {
			r.log.Warn("command dispatch failed, retrying next tick", "device", id, "kind", kind, "error", err)
			if d != nil {
				changed = append(changed, *d)
			}
		} else if d != nil {
			changed = append(changed, *d)
		}
	}

	return changed
}

func (r *Reconciler) trackedIDs() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// backoffDelay doubles the base delay per retry up to a capped maximum.
func (r *Reconciler) backoffDelay(retryCount uint) time.Duration {
	delay := r.interval
	for i := uint(1); i < retryCount; i++ {
		delay *= 2
		if delay >= r.backoffMax {
			return r.backoffMax
		}
	}
	if delay > r.backoffMax {
		return r.backoffMax
	}
	return delay
}

// forgetInflightLocked drops the outstanding command of a device, if any.
// A later acknowledgment for the dropped token is then discarded as stale.
func (r *Reconciler) forgetInflightLocked(deviceID string) {
	if token, ok := r.tokenByDevice[deviceID]; ok {
		delete(r.inflight, token)
		delete(r.tokenByDevice, deviceID)
	}
}

// persistDevice writes a device status back to the registry so that the
// state survives process restarts. Writes are idempotent; a conflicting
// concurrent modification is retried with a fresh read onto which only the
// operator-owned parts are reapplied, a concurrent spec edit must never be
// overwritten by a stale copy.
func (r *Reconciler) persistDevice(ctx context.Context, d *mesh.Device) {
	err := retry.Do(
		func() error {
			err := r.registry.UpdateDevice(ctx, d)
			if err == nil || !mesh.IsConflict(err) {
				return err
			}

			fresh, gerr := r.registry.GetDevice(ctx, d.Application, d.ID)
			if gerr != nil {
				return err
			}

			// rebase onto the concurrent edit: the operator owns the status
			// section and alias additions, everything else is the registry's
			merged := fresh.DeepCopy()
			merged.Status = d.Status.DeepCopy()
			if d.Spec != nil {
				for _, alias := range d.Spec.Aliases {
					merged.EnsureAlias(alias)
				}
			}
			*d = merged
			return err
		},
		retry.Attempts(3),
		retry.RetryIf(mesh.IsConflict),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		registryErrors.Inc()
		r.log.Warn("cannot persist device status", "device", d.ID, "error", err)
		return
	}

	// keep the tracked resource version in sync with what was just written
	r.mtx.Lock()
	if t, ok := r.devices[d.ID]; ok {
		t.device.Version = d.Version
	}
	r.mtx.Unlock()
}

func (r *Reconciler) provideStateMetrics() {
	r.mtx.Lock()
	counts := map[mesh.ObservedState]int{}
	for _, t := range r.devices {
		counts[t.device.Status.ObservedState]++
	}
	r.mtx.Unlock()

	for _, s := range mesh.AllObservedStates {
		deviceStates.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
