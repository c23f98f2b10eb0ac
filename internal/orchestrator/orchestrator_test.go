package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/relay/internal/broker"
	"github.com/aristath/relay/internal/cloud"
	"github.com/aristath/relay/internal/events"
	"github.com/aristath/relay/internal/pipeline"
	"github.com/aristath/relay/internal/registry"
)

// stubSession counts broker calls so tests can assert the pipeline was (not)
// reached
type stubSession struct {
	networkOps atomic.Int32
}

func (s *stubSession) Authenticate(ctx context.Context) error { return nil }

func (s *stubSession) Token(ctx context.Context) (string, error) { return "tok", nil }

func (s *stubSession) Logout(ctx context.Context) error { return nil }
func (s *stubSession) ListActiveAccounts(ctx context.Context) ([]broker.ActiveAccount, error) {
	return nil, nil
}

func (s *stubSession) PlaceMarketOrder(ctx context.Context, accountID int64, symbol string, side broker.Side, size int) (*broker.OrderPlacement, error) {
	s.networkOps.Add(1)
	return &broker.OrderPlacement{OrderID: 778812, Status: "submitted"}, nil
}

func (s *stubSession) ClosePosition(ctx context.Context, accountID int64, symbol string, size int) error {
	s.networkOps.Add(1)
	return nil
}

type recordingAcker struct {
	mu   sync.Mutex
	acks []string
}

func (a *recordingAcker) AckDirective(directiveID string, latencyMs int64) error {
	a.mu.Lock()
	a.acks = append(a.acks, directiveID)
	a.mu.Unlock()
	return nil
}

type harness struct {
	orch     *Orchestrator
	registry *registry.Registry
	session  *stubSession
	acker    *recordingAcker
	bus      *events.Bus
	received map[events.EventType]int
	mu       sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus(log)
	reg := registry.New(bus, log)
	session := &stubSession{}
	executor := pipeline.NewExecutor(session, log)
	acker := &recordingAcker{}

	h := &harness{
		orch:     New(reg, executor, bus, acker, log),
		registry: reg,
		session:  session,
		acker:    acker,
		bus:      bus,
		received: make(map[events.EventType]int),
	}
	bus.SubscribeAll(func(e events.Event) {
		h.mu.Lock()
		h.received[e.Type]++
		h.mu.Unlock()
	})

	reg.InitializeAccounts([]registry.Account{{ID: 234567, Name: "EVAL-234567"}})
	reg.SetMasterKillSwitch(true)
	return h
}

func (h *harness) eventCount(t events.EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received[t]
}

func directive(id string) cloud.Directive {
	return cloud.Directive{
		DirectiveID: id,
		AccountID:   234567,
		Symbol:      "ES",
		Action:      pipeline.ActionEntryLong,
		Contracts:   2,
	}
}

func TestHandleDirective_Executes(t *testing.T) {
	h := newHarness(t)

	h.orch.HandleDirective(context.Background(), directive("d-1"))

	assert.Equal(t, int32(1), h.session.networkOps.Load())
	assert.Equal(t, 1, h.eventCount(events.DirectiveReceived))
	assert.Equal(t, 1, h.eventCount(events.OrderSubmitted))
	assert.Equal(t, 0, h.eventCount(events.DirectiveRejected))
	assert.Equal(t, []string{"d-1"}, h.acker.acks)
}

func TestHandleDirective_KillSwitchBlocks(t *testing.T) {
	h := newHarness(t)
	h.registry.SetMasterKillSwitch(false)

	h.orch.HandleDirective(context.Background(), directive("d-1"))

	// Pipeline never reached
	assert.Equal(t, int32(0), h.session.networkOps.Load())
	assert.Equal(t, 1, h.eventCount(events.DirectiveRejected))
	assert.Equal(t, 0, h.eventCount(events.OrderSubmitted))
	// Rejection is still acked so the engine knows the directive was handled
	assert.Equal(t, []string{"d-1"}, h.acker.acks)
}

func TestHandleDirective_RejectionReason(t *testing.T) {
	log := zerolog.Nop()
	bus := events.NewBus(log)
	reg := registry.New(bus, log)
	session := &stubSession{}
	orch := New(reg, pipeline.NewExecutor(session, log), bus, nil, log)

	reg.InitializeAccounts([]registry.Account{{ID: 234567}})
	reg.SetMasterKillSwitch(false)

	var reason string
	bus.Subscribe(events.DirectiveRejected, func(e events.Event) {
		reason = e.Data.(*events.DirectiveRejectedData).Reason
	})

	orch.HandleDirective(context.Background(), directive("d-1"))
	assert.Equal(t, "Kill switch enabled", reason)
}

func TestHandleDirective_UnknownAccount(t *testing.T) {
	h := newHarness(t)

	d := directive("d-1")
	d.AccountID = 999999
	h.orch.HandleDirective(context.Background(), d)

	assert.Equal(t, int32(0), h.session.networkOps.Load())
	assert.Equal(t, 1, h.eventCount(events.DirectiveRejected))
}

func TestHandleDirective_DeduplicatesWithinTTL(t *testing.T) {
	h := newHarness(t)

	h.orch.HandleDirective(context.Background(), directive("d-1"))
	h.orch.HandleDirective(context.Background(), directive("d-1"))

	assert.Equal(t, int32(1), h.session.networkOps.Load())
	assert.Len(t, h.acker.acks, 1)
}

func TestHandleDirective_SeenCacheExpires(t *testing.T) {
	h := newHarness(t)

	current := time.Now()
	h.orch.now = func() time.Time { return current }

	h.orch.HandleDirective(context.Background(), directive("d-1"))

	current = current.Add(directiveSeenTTL + time.Minute)
	h.orch.HandleDirective(context.Background(), directive("d-1"))

	assert.Equal(t, int32(2), h.session.networkOps.Load())
}

func TestHandleCommand_KillSwitch(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.registry.MasterEnabled())

	h.orch.HandleCommand(cloud.Command{
		CommandID: "c-1",
		Command:   "kill_switch",
		Payload:   json.RawMessage(`{"enabled":false}`),
	})

	assert.False(t, h.registry.MasterEnabled())
	assert.Equal(t, 1, h.eventCount(events.CommandReceived))
}

func TestHandleCommand_AccountTrading(t *testing.T) {
	h := newHarness(t)

	h.orch.HandleCommand(cloud.Command{
		CommandID: "c-2",
		Command:   "account_trading",
		Payload:   json.RawMessage(`{"accountId":234567,"enabled":false}`),
	})

	assert.False(t, h.registry.CanTrade(234567))
}

func TestHandleCommand_UnknownIgnored(t *testing.T) {
	h := newHarness(t)
	h.orch.HandleCommand(cloud.Command{CommandID: "c-3", Command: "reboot_universe"})
	assert.True(t, h.registry.MasterEnabled())
}

func TestDeriveUnified(t *testing.T) {
	tests := []struct {
		name      string
		activated bool
		broker    broker.FeedState
		cloud     cloud.ChannelState
		want      UnifiedState
	}{
		{name: "not activated", activated: false, broker: broker.FeedConnected, cloud: cloud.ChannelConnected, want: StateDeactivated},
		{name: "both up", activated: true, broker: broker.FeedConnected, cloud: cloud.ChannelConnected, want: StateConnected},
		{name: "broker only is warning", activated: true, broker: broker.FeedConnected, cloud: cloud.ChannelDisconnected, want: StateWarning},
		{name: "cloud only is warning", activated: true, broker: broker.FeedDisconnected, cloud: cloud.ChannelConnected, want: StateWarning},
		{name: "both down", activated: true, broker: broker.FeedDisconnected, cloud: cloud.ChannelDisconnected, want: StateDisconnected},
		{name: "broker connecting", activated: true, broker: broker.FeedConnecting, cloud: cloud.ChannelDisconnected, want: StateConnecting},
		{name: "cloud reconnecting", activated: true, broker: broker.FeedDisconnected, cloud: cloud.ChannelReconnecting, want: StateConnecting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveUnified(tt.activated, tt.broker, tt.cloud))
		})
	}
}

func TestStateCallbacks_EmitEvents(t *testing.T) {
	h := newHarness(t)
	h.orch.SetActivated(true)

	h.orch.OnBrokerStateChange(broker.FeedConnected)
	h.orch.OnCloudStateChange(cloud.ChannelConnected)

	assert.Equal(t, StateConnected, h.orch.UnifiedState())
	assert.Equal(t, 1, h.eventCount(events.BrokerConnectionChanged))
	assert.Equal(t, 1, h.eventCount(events.CloudConnectionChanged))
	assert.GreaterOrEqual(t, h.eventCount(events.UnifiedStateChanged), 1)

	h.orch.OnCloudStateChange(cloud.ChannelReconnecting)
	assert.Equal(t, StateWarning, h.orch.UnifiedState())
}
