package fsm

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		desired  mesh.DesiredState
		observed mesh.ObservedState
		want     Action
	}{
		{mesh.DesiredProvisioned, mesh.StateUnknown, ActionSendProvision},
		{mesh.DesiredProvisioned, mesh.StatePending, ActionSendProvision},
		{mesh.DesiredProvisioned, mesh.StateUnprovisioned, ActionSendProvision},
		{mesh.DesiredProvisioned, mesh.StateProvisioning, ActionAwait},
		{mesh.DesiredProvisioned, mesh.StateUnprovisioning, ActionAwait},
		{mesh.DesiredProvisioned, mesh.StateProvisioned, ActionNone},
		{mesh.DesiredProvisioned, mesh.StateFailed, ActionNone},
		{mesh.DesiredUnprovisioned, mesh.StateUnknown, ActionSendUnprovision},
		{mesh.DesiredUnprovisioned, mesh.StatePending, ActionSendUnprovision},
		{mesh.DesiredUnprovisioned, mesh.StateProvisioned, ActionSendUnprovision},
		{mesh.DesiredUnprovisioned, mesh.StateProvisioning, ActionAwait},
		{mesh.DesiredUnprovisioned, mesh.StateUnprovisioning, ActionAwait},
		{mesh.DesiredUnprovisioned, mesh.StateUnprovisioned, ActionNone},
		{mesh.DesiredUnprovisioned, mesh.StateFailed, ActionNone},
	}
	for _, tt := range tests {
		t.Run(string(tt.desired)+"/"+string(tt.observed), func(t *testing.T) {
			got := Plan(tt.desired, tt.observed)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Plan() diff: %s", diff)
			}
		})
	}
}

func TestHandleProvisioningEvent(t *testing.T) {
	now := time.Now()
	addr := uint16(0x00aa)

	tests := []struct {
		name           string
		status         *mesh.DeviceStatus
		event          *mesh.ProvisioningEvent
		wantErr        bool
		wantState      mesh.ObservedState
		wantRetryCount uint
		wantLastError  string
		wantCommandID  string
		wantAddress    *uint16
	}{
		{
			name:   "first provision request of an unknown device",
			status: nil,
			event: &mesh.ProvisioningEvent{
				Time:  now,
				Event: mesh.ProvisioningEventProvisionRequested,
				Token: "token-1",
			},
			wantState:     mesh.StateProvisioning,
			wantCommandID: "token-1",
		},
		{
			name: "resend keeps state but replaces the token",
			status: &mesh.DeviceStatus{
				ObservedState: mesh.StateProvisioning,
				RetryCount:    2,
			},
			event: &mesh.ProvisioningEvent{
				Time:  now,
				Event: mesh.ProvisioningEventProvisionRequested,
				Token: "token-2",
			},
			wantState:      mesh.StateProvisioning,
			wantRetryCount: 2,
			wantCommandID:  "token-2",
		},
		{
			name: "successful provision ack",
			status: &mesh.DeviceStatus{
				ObservedState: mesh.StateProvisioning,
				RetryCount:    3,
				LastError:     "previous timeout",
				LastCommandID: "token-3",
			},
			event: &mesh.ProvisioningEvent{
				Time:    now,
				Event:   mesh.ProvisioningEventAckSucceeded,
				Token:   "token-3",
				Address: &addr,
			},
			wantState:   mesh.StateProvisioned,
			wantAddress: &addr,
		},
		{
			name: "successful unprovision ack clears the address",
			status: &mesh.DeviceStatus{
				ObservedState: mesh.StateUnprovisioning,
				Address:       &addr,
			},
			event: &mesh.ProvisioningEvent{
				Time:  now,
				Event: mesh.ProvisioningEventAckSucceeded,
			},
			wantState: mesh.StateUnprovisioned,
		},
		{
			name: "failed ack increments the retry counter",
			status: &mesh.DeviceStatus{
				ObservedState: mesh.StateProvisioning,
				RetryCount:    1,
				LastCommandID: "token-4",
			},
			event: &mesh.ProvisioningEvent{
				Time:    now,
				Event:   mesh.ProvisioningEventAckFailed,
				Message: "node did not respond to invite",
			},
			wantState:      mesh.StateProvisioning,
			wantRetryCount: 2,
			wantLastError:  "node did not respond to invite",
		},
		{
			name: "timeout retires the token",
			status: &mesh.DeviceStatus{
				ObservedState: mesh.StateUnprovisioning,
				LastCommandID: "token-5",
			},
			event: &mesh.ProvisioningEvent{
				Time:    now,
				Event:   mesh.ProvisioningEventCommandTimedOut,
				Message: "no acknowledgment within deadline",
			},
			wantState:      mesh.StateUnprovisioning,
			wantRetryCount: 1,
			wantLastError:  "no acknowledgment within deadline",
		},
		{
			name: "exhausted retries move the device to failed",
			status: &mesh.DeviceStatus{
				ObservedState: mesh.StateProvisioning,
				RetryCount:    5,
				LastError:     "no acknowledgment within deadline",
			},
			event: &mesh.ProvisioningEvent{
				Time:  now,
				Event: mesh.ProvisioningEventRetriesExhausted,
			},
			wantState:      mesh.StateFailed,
			wantRetryCount: 5,
			wantLastError:  "no acknowledgment within deadline",
		},
		{
			name: "desired change resets a failed device",
			status: &mesh.DeviceStatus{
				ObservedState: mesh.StateFailed,
				RetryCount:    5,
				LastError:     "no acknowledgment within deadline",
			},
			event: &mesh.ProvisioningEvent{
				Time:  now,
				Event: mesh.ProvisioningEventDesiredChanged,
			},
			wantState: mesh.StatePending,
		},
		{
			name: "ack in a terminal state is not allowed",
			status: &mesh.DeviceStatus{
				ObservedState: mesh.StateProvisioned,
			},
			event: &mesh.ProvisioningEvent{
				Time:  now,
				Event: mesh.ProvisioningEventAckSucceeded,
			},
			wantErr: true,
		},
		{
			name: "provision request while failed is not allowed",
			status: &mesh.DeviceStatus{
				ObservedState: mesh.StateFailed,
				RetryCount:    5,
			},
			event: &mesh.ProvisioningEvent{
				Time:  now,
				Event: mesh.ProvisioningEventAckSucceeded,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HandleProvisioningEvent(context.Background(), slog.Default(), tt.status, tt.event)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, got)

			assert.Equal(t, tt.wantState, got.ObservedState)
			assert.Equal(t, tt.wantRetryCount, got.RetryCount)
			assert.Equal(t, tt.wantLastError, got.LastError)
			assert.Equal(t, tt.wantCommandID, got.LastCommandID)
			if diff := cmp.Diff(tt.wantAddress, got.Address); diff != "" {
				t.Errorf("address diff: %s", diff)
			}
			require.NotNil(t, got.LastTransitionTime)
			assert.Equal(t, now, *got.LastTransitionTime)
		})
	}
}

func TestHandleProvisioningEventDoesNotMutateInput(t *testing.T) {
	status := &mesh.DeviceStatus{
		ObservedState: mesh.StateProvisioning,
		RetryCount:    1,
		LastCommandID: "token-1",
	}

	got, err := HandleProvisioningEvent(context.Background(), slog.Default(), status, &mesh.ProvisioningEvent{
		Time:  time.Now(),
		Event: mesh.ProvisioningEventCommandTimedOut,
	})
	require.NoError(t, err)

	assert.Equal(t, uint(1), status.RetryCount)
	assert.Equal(t, "token-1", status.LastCommandID)
	assert.Equal(t, uint(2), got.RetryCount)
	assert.Empty(t, got.LastCommandID)
}
