// Package orchestrator ties the broker and engine sessions together: it owns
// the derived connection state, gates inbound directives through the
// kill-switch authority, and routes execution results to the ack and UI paths.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/relay/internal/broker"
	"github.com/aristath/relay/internal/cloud"
	"github.com/aristath/relay/internal/events"
	"github.com/aristath/relay/internal/pipeline"
	"github.com/aristath/relay/internal/registry"
)

// RejectReasonKillSwitch is the reason reported when the kill switch blocks a
// directive
const RejectReasonKillSwitch = "Kill switch enabled"

// Directives redelivered inside this window (reconnect replays) are dropped
const directiveSeenTTL = 10 * time.Minute

// UnifiedState is the single connection state shown to the operator
type UnifiedState string

const (
	StateConnecting   UnifiedState = "connecting"
	StateConnected    UnifiedState = "connected"
	StateDisconnected UnifiedState = "disconnected"

	// StateWarning means exactly one of the two sessions is up
	StateWarning UnifiedState = "warning"

	// StateDeactivated means the agent holds no engine identity
	StateDeactivated UnifiedState = "deactivated"
)

// DirectiveAcker reports execution latency back to the engine
type DirectiveAcker interface {
	AckDirective(directiveID string, latencyMs int64) error
}

// Orchestrator derives the unified state and runs the directive path
type Orchestrator struct {
	registry *registry.Registry
	executor *pipeline.Executor
	bus      *events.Bus
	acker    DirectiveAcker
	log      zerolog.Logger

	mu          sync.Mutex
	brokerState broker.FeedState
	cloudState  cloud.ChannelState
	activated   bool
	unified     UnifiedState

	seenMu sync.Mutex
	seen   map[string]time.Time
	now    func() time.Time
}

// New creates an orchestrator. acker may be nil when no channel exists yet
// (simulated runs without an engine connection).
func New(reg *registry.Registry, executor *pipeline.Executor, bus *events.Bus, acker DirectiveAcker, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:    reg,
		executor:    executor,
		bus:         bus,
		acker:       acker,
		log:         log.With().Str("component", "orchestrator").Logger(),
		brokerState: broker.FeedDisconnected,
		cloudState:  cloud.ChannelDisconnected,
		unified:     StateDeactivated,
		seen:        make(map[string]time.Time),
		now:         time.Now,
	}
}

// SetActivated records whether the agent holds an engine identity
func (o *Orchestrator) SetActivated(activated bool) {
	o.mu.Lock()
	o.activated = activated
	o.mu.Unlock()
	o.recomputeUnified()
}

// OnBrokerStateChange is wired to the realtime feed's state callback
func (o *Orchestrator) OnBrokerStateChange(state broker.FeedState) {
	o.mu.Lock()
	o.brokerState = state
	o.mu.Unlock()

	o.bus.Emit(events.BrokerConnectionChanged, "orchestrator", &events.ConnectionChangedData{
		Kind:  "broker",
		State: string(state),
	})
	o.recomputeUnified()
}

// OnCloudStateChange is wired to the command channel's state callback
func (o *Orchestrator) OnCloudStateChange(state cloud.ChannelState) {
	o.mu.Lock()
	o.cloudState = state
	o.mu.Unlock()

	o.bus.Emit(events.CloudConnectionChanged, "orchestrator", &events.ConnectionChangedData{
		Kind:  "cloud",
		State: string(state),
	})
	o.recomputeUnified()
}

// UnifiedState returns the current derived state
func (o *Orchestrator) UnifiedState() UnifiedState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unified
}

// SessionStates returns the raw per-session states for the status API
func (o *Orchestrator) SessionStates() (broker.FeedState, cloud.ChannelState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.brokerState, o.cloudState
}

// recomputeUnified re-derives the operator-facing state and emits on change
func (o *Orchestrator) recomputeUnified() {
	o.mu.Lock()
	next := deriveUnified(o.activated, o.brokerState, o.cloudState)
	changed := next != o.unified
	o.unified = next
	o.mu.Unlock()

	if changed {
		o.log.Info().Str("state", string(next)).Msg("Unified state changed")
		o.bus.Emit(events.UnifiedStateChanged, "orchestrator", &events.UnifiedStateChangedData{
			State: string(next),
		})
	}
}

// deriveUnified folds the two session states into one. Connected requires
// both sessions up; a single live session is a warning, not connected.
func deriveUnified(activated bool, brokerState broker.FeedState, cloudState cloud.ChannelState) UnifiedState {
	if !activated {
		return StateDeactivated
	}

	brokerUp := brokerState == broker.FeedConnected
	cloudUp := cloudState == cloud.ChannelConnected

	switch {
	case brokerUp && cloudUp:
		return StateConnected
	case brokerUp || cloudUp:
		return StateWarning
	case brokerState == broker.FeedConnecting || cloudState == cloud.ChannelConnecting || cloudState == cloud.ChannelReconnecting:
		return StateConnecting
	default:
		return StateDisconnected
	}
}

// HandleDirective runs one inbound directive through the authorization gate
// and, when permitted, the execution pipeline. It is safe to call from the
// channel's read goroutine.
func (o *Orchestrator) HandleDirective(ctx context.Context, d cloud.Directive) {
	received := o.now()

	if o.alreadySeen(d.DirectiveID, received) {
		o.log.Warn().Str("directive_id", d.DirectiveID).Msg("Dropping redelivered directive")
		return
	}

	o.bus.Emit(events.DirectiveReceived, "orchestrator", &events.DirectiveReceivedData{
		DirectiveID: d.DirectiveID,
		AccountID:   d.AccountID,
		Symbol:      d.Symbol,
		Action:      d.Action,
		Contracts:   d.Contracts,
	})

	if _, ok := o.registry.Get(d.AccountID); !ok {
		o.log.Warn().Str("directive_id", d.DirectiveID).Int64("account_id", d.AccountID).Msg("Directive references unknown account")
		o.reject(d, received, "Unknown account")
		return
	}

	if !o.registry.CanTrade(d.AccountID) {
		o.log.Info().Str("directive_id", d.DirectiveID).Int64("account_id", d.AccountID).Msg("Directive blocked by kill switch")
		o.reject(d, received, RejectReasonKillSwitch)
		return
	}

	result := o.executor.Execute(ctx, pipeline.Request{
		DirectiveID: d.DirectiveID,
		AccountID:   d.AccountID,
		Symbol:      d.Symbol,
		Action:      d.Action,
		Contracts:   d.Contracts,
		Price:       d.Price,
		Reason:      d.Reason,
	})

	if result.Success {
		o.bus.Emit(events.OrderSubmitted, "orchestrator", &events.OrderSubmittedData{
			DirectiveID: d.DirectiveID,
			AccountID:   d.AccountID,
			OrderID:     strconv.FormatInt(result.OrderID, 10),
			Symbol:      d.Symbol,
			Action:      d.Action,
			Contracts:   d.Contracts,
		})
	} else {
		o.bus.Emit(events.OrderFailed, "orchestrator", &events.OrderFailedData{
			DirectiveID: d.DirectiveID,
			AccountID:   d.AccountID,
			Symbol:      d.Symbol,
			Action:      d.Action,
			Error:       result.Error,
		})
	}

	o.ack(d.DirectiveID, received)
}

// HandleCommand runs one inbound operational command
func (o *Orchestrator) HandleCommand(cmd cloud.Command) {
	o.bus.Emit(events.CommandReceived, "orchestrator", &events.CommandReceivedData{
		CommandID: cmd.CommandID,
		Command:   cmd.Command,
	})

	switch cmd.Command {
	case "kill_switch":
		var payload struct {
			Enabled bool `json:"enabled"`
		}
		if err := unmarshalPayload(cmd.Payload, &payload); err != nil {
			o.log.Warn().Err(err).Str("command_id", cmd.CommandID).Msg("Malformed kill_switch payload")
			return
		}
		o.registry.SetMasterKillSwitch(payload.Enabled)

	case "account_trading":
		var payload struct {
			AccountID int64 `json:"accountId"`
			Enabled   bool  `json:"enabled"`
		}
		if err := unmarshalPayload(cmd.Payload, &payload); err != nil {
			o.log.Warn().Err(err).Str("command_id", cmd.CommandID).Msg("Malformed account_trading payload")
			return
		}
		o.registry.SetAccountTrading(payload.AccountID, payload.Enabled)

	default:
		o.log.Warn().Str("command", cmd.Command).Msg("Ignoring unknown command")
	}
}

// reject notifies the UI path and acks the directive without executing it
func (o *Orchestrator) reject(d cloud.Directive, received time.Time, reason string) {
	o.bus.Emit(events.DirectiveRejected, "orchestrator", &events.DirectiveRejectedData{
		DirectiveID: d.DirectiveID,
		AccountID:   d.AccountID,
		Reason:      reason,
	})
	o.ack(d.DirectiveID, received)
}

// ack reports handling latency back to the engine
func (o *Orchestrator) ack(directiveID string, received time.Time) {
	if o.acker == nil {
		return
	}
	latency := o.now().Sub(received).Milliseconds()
	if err := o.acker.AckDirective(directiveID, latency); err != nil {
		o.log.Warn().Err(err).Str("directive_id", directiveID).Msg("Failed to ack directive")
	}
}

// alreadySeen records the directive id and reports whether it was handled
// inside the TTL window. Expired entries are pruned on every call.
func (o *Orchestrator) alreadySeen(directiveID string, now time.Time) bool {
	o.seenMu.Lock()
	defer o.seenMu.Unlock()

	cutoff := now.Add(-directiveSeenTTL)
	for id, at := range o.seen {
		if at.Before(cutoff) {
			delete(o.seen, id)
		}
	}

	if _, ok := o.seen[directiveID]; ok {
		return true
	}
	o.seen[directiveID] = now
	return false
}

func unmarshalPayload(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, v)
}
