package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mtx     sync.Mutex
	devices map[string]*mesh.Device
	updates []mesh.Device
	// conflictsLeft makes the next n updates fail with a conflict
	conflictsLeft int
	listErr       error
}

func newFakeRegistry(devices ...mesh.Device) *fakeRegistry {
	r := &fakeRegistry{devices: map[string]*mesh.Device{}}
	for i := range devices {
		d := devices[i]
		r.devices[d.ID] = &d
	}
	return r
}

func (f *fakeRegistry) ListDevices(ctx context.Context, application string) (mesh.Devices, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var devices mesh.Devices
	for _, d := range f.devices {
		devices = append(devices, d.DeepCopy())
	}
	return devices, nil
}

func (f *fakeRegistry) GetDevice(ctx context.Context, application, id string) (*mesh.Device, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, mesh.NotFound("device %s not found", id)
	}
	clone := d.DeepCopy()
	return &clone, nil
}

// UpdateDevice mirrors the real registry: a whole-document PUT guarded by
// a resource version precondition.
func (f *fakeRegistry) UpdateDevice(ctx context.Context, d *mesh.Device) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return mesh.Conflict("device %s was modified concurrently", d.ID)
	}
	stored, ok := f.devices[d.ID]
	if !ok {
		return mesh.NotFound("device %s not found", d.ID)
	}
	if d.Version != stored.Version {
		return mesh.Conflict("device %s was modified concurrently", d.ID)
	}
	clone := d.DeepCopy()
	clone.Version = bumpVersion(stored.Version)
	f.devices[d.ID] = &clone
	f.updates = append(f.updates, clone)
	return nil
}

func bumpVersion(v string) string {
	n, _ := strconv.Atoi(v)
	return strconv.Itoa(n + 1)
}

func (f *fakeRegistry) setDesired(id string, desired mesh.DesiredState) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.devices[id].Spec.DesiredState = desired
	f.devices[id].Version = bumpVersion(f.devices[id].Version)
}

func (f *fakeRegistry) remove(id string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	delete(f.devices, id)
}

func (f *fakeRegistry) updateCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.updates)
}

func (f *fakeRegistry) stored(id string) mesh.Device {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.devices[id].DeepCopy()
}

type fakePublisher struct {
	mtx       sync.Mutex
	failing   bool
	published map[string][]mesh.CommandMessage
	// onPublish is invoked after a successful publish, outside the lock
	onPublish func(msg mesh.CommandMessage)
}

func (f *fakePublisher) Publish(topic string, data any) error {
	f.mtx.Lock()
	if f.failing {
		f.mtx.Unlock()
		return fmt.Errorf("nsqd gone")
	}
	if f.published == nil {
		f.published = map[string][]mesh.CommandMessage{}
	}
	msg, ok := data.(mesh.CommandMessage)
	if !ok {
		f.mtx.Unlock()
		return fmt.Errorf("unexpected message type %T", data)
	}
	f.published[topic] = append(f.published[topic], msg)
	cb := f.onPublish
	f.mtx.Unlock()

	if cb != nil {
		cb(msg)
	}
	return nil
}

func (f *fakePublisher) messageCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	n := 0
	for _, msgs := range f.published {
		n += len(msgs)
	}
	return n
}

func (f *fakePublisher) lastMessage(t *testing.T) mesh.CommandMessage {
	t.Helper()
	f.mtx.Lock()
	defer f.mtx.Unlock()
	var last mesh.CommandMessage
	found := false
	for _, msgs := range f.published {
		last = msgs[len(msgs)-1]
		found = true
	}
	require.True(t, found, "no message published")
	return last
}

type fakeClock struct {
	mtx sync.Mutex
	t   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.t = c.t.Add(d)
}

func gatewayDevice(id string) mesh.Device {
	return mesh.Device{
		ID:          id,
		Application: "btmesh",
		Labels:      map[string]string{mesh.LabelRole: mesh.RoleGateway},
	}
}

func meshDevice(id string, desired mesh.DesiredState) mesh.Device {
	return mesh.Device{
		ID:          id,
		Application: "btmesh",
		Version:     "1",
		Spec: &mesh.DeviceSpec{
			Device:       "uuid-" + id,
			DesiredState: desired,
		},
	}
}

func newTestReconciler(t *testing.T, registry *fakeRegistry, publisher *fakePublisher) (*Reconciler, *fakeClock) {
	t.Helper()
	r := New(&Config{
		Log:               slog.Default(),
		Registry:          registry,
		Publisher:         publisher,
		Application:       "btmesh",
		ReconcileInterval: time.Second,
		CommandTimeout:    2 * time.Second,
		MaxRetries:        3,
		BackoffMax:        10 * time.Second,
	})
	clock := &fakeClock{t: time.Now()}
	r.now = clock.Now
	return r, clock
}

func ackBody(t *testing.T, ack mesh.AckMessage) []byte {
	t.Helper()
	b, err := json.Marshal(ack)
	require.NoError(t, err)
	return b
}

func TestConvergedDeviceIssuesNoCommand(t *testing.T) {
	addr := uint16(0x00aa)
	d := meshDevice("node-1", mesh.DesiredProvisioned)
	d.Status = &mesh.DeviceStatus{
		ObservedState:   mesh.StateProvisioned,
		Address:         &addr,
		LastSeenDesired: mesh.DesiredProvisioned,
	}
	registry := newFakeRegistry(gatewayDevice("gw-1"), d)
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())
	r.reconcile(context.Background())

	assert.Zero(t, publisher.messageCount())
	assert.Zero(t, registry.updateCount())
}

func TestProvisionFlow(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	// first tick dispatches a provision command
	r.reconcile(context.Background())

	require.Equal(t, 1, publisher.messageCount())
	msg := publisher.lastMessage(t)
	assert.Equal(t, mesh.CommandProvision, msg.Command)
	assert.Equal(t, "uuid-node-1", msg.Device)
	require.NotEmpty(t, msg.Token)

	tracked, err := r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StateProvisioning, tracked.Status.ObservedState)
	assert.Equal(t, msg.Token, tracked.Status.LastCommandID)

	// the dispatch was persisted
	assert.Equal(t, mesh.StateProvisioning, registry.stored("node-1").Status.ObservedState)

	// the gateway acknowledges with the matching token
	addr := uint16(0x00aa)
	err = r.HandleAckMessage(context.Background(), ackBody(t, mesh.AckMessage{Token: msg.Token, Success: true, Address: &addr}))
	require.NoError(t, err)

	tracked, err = r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StateProvisioned, tracked.Status.ObservedState)
	assert.Equal(t, uint(0), tracked.Status.RetryCount)
	require.NotNil(t, tracked.Status.Address)
	assert.Equal(t, addr, *tracked.Status.Address)
	assert.Contains(t, tracked.Spec.Aliases, "00aa")

	// a converged device triggers no further command
	r.reconcile(context.Background())
	assert.Equal(t, 1, publisher.messageCount())
}

func TestSingleCommandInFlight(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	// several ticks before any acknowledgment arrives
	r.reconcile(context.Background())
	r.reconcile(context.Background())
	r.reconcile(context.Background())

	assert.Equal(t, 1, publisher.messageCount())

	r.mtx.Lock()
	assert.Len(t, r.inflight, 1)
	assert.Len(t, r.tokenByDevice, 1)
	r.mtx.Unlock()
}

func TestConcurrentTicksDoNotDuplicateCommands(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.reconcile(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, publisher.messageCount())

	r.mtx.Lock()
	assert.Len(t, r.inflight, 1)
	r.mtx.Unlock()
}

func TestStaleAckIsDiscarded(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())
	before, err := r.GetTracked("node-1")
	require.NoError(t, err)
	updatesBefore := registry.updateCount()

	err = r.HandleAckMessage(context.Background(), ackBody(t, mesh.AckMessage{Token: "bogus-token", Success: true}))
	require.NoError(t, err)

	after, err := r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, before.Status.ObservedState, after.Status.ObservedState)
	assert.Equal(t, before.Status.LastCommandID, after.Status.LastCommandID)
	assert.Equal(t, updatesBefore, registry.updateCount())
}

func TestDuplicateAckIsDiscarded(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())
	token := publisher.lastMessage(t).Token

	require.NoError(t, r.HandleAckMessage(context.Background(), ackBody(t, mesh.AckMessage{Token: token, Success: true})))
	updatesAfterFirst := registry.updateCount()

	// at-least-once delivery, the same ack arrives again
	require.NoError(t, r.HandleAckMessage(context.Background(), ackBody(t, mesh.AckMessage{Token: token, Success: true})))

	tracked, err := r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StateProvisioned, tracked.Status.ObservedState)
	assert.Equal(t, updatesAfterFirst, registry.updateCount())
}

func TestMalformedAckIsDiscarded(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())

	require.NoError(t, r.HandleAckMessage(context.Background(), []byte("not json at all")))
	require.NoError(t, r.HandleAckMessage(context.Background(), ackBody(t, mesh.AckMessage{Success: true})))

	tracked, err := r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StateProvisioning, tracked.Status.ObservedState)
}

func TestNackIncrementsRetryCountAndBacksOff(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, clock := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())
	token := publisher.lastMessage(t).Token

	require.NoError(t, r.HandleAckMessage(context.Background(), ackBody(t, mesh.AckMessage{Token: token, Success: false, Reason: "node did not respond"})))

	tracked, err := r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StateProvisioning, tracked.Status.ObservedState)
	assert.Equal(t, uint(1), tracked.Status.RetryCount)
	assert.Equal(t, "node did not respond", tracked.Status.LastError)

	// the backoff gate holds the resend back
	r.reconcile(context.Background())
	assert.Equal(t, 1, publisher.messageCount())

	// after the backoff delay the command is resent with a fresh token
	clock.advance(1100 * time.Millisecond)
	r.reconcile(context.Background())
	assert.Equal(t, 2, publisher.messageCount())
	assert.NotEqual(t, token, publisher.lastMessage(t).Token)
}

func TestTimeoutsLeadToFailedAndDesiredChangeRecovers(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredUnprovisioned))
	addr := uint16(0x0017)
	registry.devices["node-1"].Status = &mesh.DeviceStatus{
		ObservedState:   mesh.StateProvisioned,
		Address:         &addr,
		LastSeenDesired: mesh.DesiredUnprovisioned,
	}
	publisher := &fakePublisher{}
	r, clock := newTestReconciler(t, registry, publisher)

	ctx := context.Background()

	// three unprovision attempts, each running into its deadline
	for attempt := 1; attempt <= 3; attempt++ {
		r.reconcile(ctx)
		require.Equal(t, attempt, publisher.messageCount(), "attempt %d", attempt)
		assert.Equal(t, mesh.CommandUnprovision, publisher.lastMessage(t).Command)

		// past the command deadline and past the backoff delay
		clock.advance(2100 * time.Millisecond)
		r.reconcile(ctx)
		clock.advance(10 * time.Second)
	}

	tracked, err := r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StateFailed, tracked.Status.ObservedState)
	assert.Equal(t, uint(3), tracked.Status.RetryCount)

	// a failed device is excluded from automatic resends
	r.reconcile(ctx)
	r.reconcile(ctx)
	assert.Equal(t, 3, publisher.messageCount())

	// the operator changes the desired state, the loop resumes dispatching
	registry.setDesired("node-1", mesh.DesiredProvisioned)
	r.reconcile(ctx)

	assert.Equal(t, 4, publisher.messageCount())
	assert.Equal(t, mesh.CommandProvision, publisher.lastMessage(t).Command)

	tracked, err = r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StateProvisioning, tracked.Status.ObservedState)
	assert.Equal(t, uint(0), tracked.Status.RetryCount)
}

func TestDispatchFailureLeavesStateUntouched(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{failing: true}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())

	tracked, err := r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StateUnknown, tracked.Status.ObservedState)
	assert.Equal(t, uint(1), tracked.Status.RetryCount)
	assert.Empty(t, tracked.Status.LastCommandID)

	r.mtx.Lock()
	assert.Empty(t, r.inflight)
	assert.Empty(t, r.tokenByDevice)
	r.mtx.Unlock()
}

func TestDeviceRemovedFromSnapshotIsDropped(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())
	_, err := r.GetTracked("node-1")
	require.NoError(t, err)

	registry.remove("node-1")
	r.reconcile(context.Background())

	_, err = r.GetTracked("node-1")
	require.Error(t, err)
	assert.True(t, mesh.IsNotFound(err))

	r.mtx.Lock()
	assert.Empty(t, r.inflight)
	r.mtx.Unlock()
}

func TestPersistDoesNotRevertConcurrentDesiredChange(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())
	token := publisher.lastMessage(t).Token

	// a user flips the desired state while the provision is in flight, the
	// operator's in-memory copy is now stale
	registry.setDesired("node-1", mesh.DesiredUnprovisioned)

	addr := uint16(0x00aa)
	require.NoError(t, r.HandleAckMessage(context.Background(), ackBody(t, mesh.AckMessage{Token: token, Success: true, Address: &addr})))

	// the conflict retry rebases onto the fresh document, the user's edit
	// survives while the status section and the alias are written
	stored := registry.stored("node-1")
	assert.Equal(t, mesh.DesiredUnprovisioned, stored.Spec.DesiredState)
	assert.Equal(t, mesh.StateProvisioned, stored.Status.ObservedState)
	assert.Contains(t, stored.Spec.Aliases, "00aa")
}

func TestAckOvertakingPublishIsNotLost(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	// the gateway acknowledges synchronously, before the publish loop of
	// the dispatch returns
	addr := uint16(0x00aa)
	publisher.onPublish = func(msg mesh.CommandMessage) {
		require.NoError(t, r.HandleAckMessage(context.Background(), ackBody(t, mesh.AckMessage{Token: msg.Token, Success: true, Address: &addr})))
	}

	r.reconcile(context.Background())

	tracked, err := r.GetTracked("node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StateProvisioned, tracked.Status.ObservedState)
	require.NotNil(t, tracked.Status.Address)
	assert.Equal(t, addr, *tracked.Status.Address)

	r.mtx.Lock()
	assert.Empty(t, r.inflight)
	assert.Empty(t, r.tokenByDevice)
	r.mtx.Unlock()

	// the result was persisted exactly once, by the correlator
	assert.Equal(t, mesh.StateProvisioned, registry.stored("node-1").Status.ObservedState)
	assert.Equal(t, 1, registry.updateCount())
}

func TestPersistRetriesOnConflict(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	registry.conflictsLeft = 1
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())

	// the conflicting first write was retried with a fresh read
	assert.Equal(t, 1, registry.updateCount())
	assert.Equal(t, mesh.StateProvisioning, registry.stored("node-1").Status.ObservedState)
}

func TestGatewayFanout(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), gatewayDevice("gw-2"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())

	publisher.mtx.Lock()
	defer publisher.mtx.Unlock()
	require.Len(t, publisher.published, 2)
	assert.Len(t, publisher.published["btmesh-gw-1-btmesh-command"], 1)
	assert.Len(t, publisher.published["btmesh-gw-2-btmesh-command"], 1)
	// both copies carry the same correlation token
	assert.Equal(t,
		publisher.published["btmesh-gw-1-btmesh-command"][0].Token,
		publisher.published["btmesh-gw-2-btmesh-command"][0].Token,
	)
}

func TestResetDeviceReenablesDispatch(t *testing.T) {
	d := meshDevice("node-1", mesh.DesiredProvisioned)
	d.Status = &mesh.DeviceStatus{
		ObservedState:   mesh.StateFailed,
		RetryCount:      5,
		LastError:       "no acknowledgment within deadline",
		LastSeenDesired: mesh.DesiredProvisioned,
	}
	registry := newFakeRegistry(gatewayDevice("gw-1"), d)
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())
	assert.Zero(t, publisher.messageCount())

	reset, err := r.ResetDevice(context.Background(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, mesh.StatePending, reset.Status.ObservedState)
	assert.Equal(t, uint(0), reset.Status.RetryCount)

	r.reconcile(context.Background())
	assert.Equal(t, 1, publisher.messageCount())
}

func TestDeviceEventTriggersTick(t *testing.T) {
	registry := newFakeRegistry(gatewayDevice("gw-1"), meshDevice("node-1", mesh.DesiredProvisioned))
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	body, err := json.Marshal(mesh.DeviceEventMessage{Device: "node-1", Type: mesh.UPDATE})
	require.NoError(t, err)
	require.NoError(t, r.HandleDeviceEventMessage(context.Background(), body))

	select {
	case <-r.trigger:
	default:
		t.Fatal("expected a pending reconcile trigger")
	}
}

func TestListTrackedIsSorted(t *testing.T) {
	registry := newFakeRegistry(
		gatewayDevice("gw-1"),
		meshDevice("node-b", mesh.DesiredProvisioned),
		meshDevice("node-a", mesh.DesiredProvisioned),
	)
	publisher := &fakePublisher{}
	r, _ := newTestReconciler(t, registry, publisher)

	r.reconcile(context.Background())

	devices := r.ListTracked()
	require.Len(t, devices, 2)
	assert.Equal(t, "node-a", devices[0].ID)
	assert.Equal(t, "node-b", devices[1].ID)
}
