package orchestrator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/relay/internal/broker"
	"github.com/aristath/relay/internal/events"
	"github.com/aristath/relay/internal/pipeline"
	"github.com/aristath/relay/internal/registry"
)

func newBridgeHarness(t *testing.T) (*Orchestrator, *registry.Registry) {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus(log)
	reg := registry.New(bus, log)
	orch := New(reg, pipeline.NewExecutor(&stubSession{}, log), bus, nil, log)
	reg.InitializeAccounts([]registry.Account{{ID: 501, Name: "EVAL-501"}})
	return orch, reg
}

func TestOnFill_ReachesRegistry(t *testing.T) {
	orch, reg := newBridgeHarness(t)

	orch.OnFill(501, broker.FeedFill{
		OrderID:    778812,
		ContractID: "CON.F.US.EP.Z25",
		Side:       broker.SideBuy,
		Size:       2,
		Price:      5842.25,
		Timestamp:  time.Now(),
	})

	account, ok := reg.Get(501)
	require.True(t, ok)
	require.Len(t, account.RecentFills, 1)
	assert.Equal(t, "778812", account.RecentFills[0].OrderID)
	assert.Equal(t, "ES", account.RecentFills[0].Symbol)
	assert.Equal(t, "buy", account.RecentFills[0].Side)
}

func TestOnAccountUpdate_PartialPatch(t *testing.T) {
	orch, reg := newBridgeHarness(t)

	balance := 49750.0
	orch.OnAccountUpdate(501, broker.FeedAccountUpdate{Balance: &balance})

	account, ok := reg.Get(501)
	require.True(t, ok)
	assert.InDelta(t, 49750.0, account.Balance, 0.001)
	// Untouched fields keep their zero values
	assert.Zero(t, account.Equity)
}

func TestOnPositionUpdate_SideFromSign(t *testing.T) {
	orch, reg := newBridgeHarness(t)

	orch.OnPositionUpdate(501, []broker.FeedPosition{
		{ContractID: "CON.F.US.EP.Z25", Size: 2, AveragePrice: 5840.0},
		{ContractID: "CON.F.US.ENQ.Z25", Size: -1, AveragePrice: 20500.0},
	})

	account, ok := reg.Get(501)
	require.True(t, ok)
	require.Len(t, account.Positions, 2)
	assert.Equal(t, "long", account.Positions[0].Side)
	assert.Equal(t, 2, account.Positions[0].Size)
	assert.Equal(t, "short", account.Positions[1].Side)
	assert.Equal(t, 1, account.Positions[1].Size)
	assert.Equal(t, "NQ", account.Positions[1].Symbol)
}

func TestLoadAccounts(t *testing.T) {
	orch, reg := newBridgeHarness(t)

	orch.LoadAccounts([]broker.ActiveAccount{
		{ID: 601, Name: "FUNDED-601", Balance: 152340.50},
		{ID: 602, Name: "PRACTICE-602", Balance: 50000, Simulated: true},
	})

	accounts := reg.Snapshot()
	require.Len(t, accounts, 2)
	assert.Equal(t, registry.CategoryFunded, accounts[0].Category)
	assert.Equal(t, registry.CategoryPractice, accounts[1].Category)
	assert.True(t, accounts[0].TradingEnabled)

	// Loading replaces the previous set wholesale
	_, ok := reg.Get(501)
	assert.False(t, ok)
}
