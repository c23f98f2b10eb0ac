package orchestrator

import (
	"strconv"

	"github.com/aristath/relay/internal/broker"
	"github.com/aristath/relay/internal/events"
	"github.com/aristath/relay/internal/registry"
)

// OnFill is wired to the realtime feed's fill callback
func (o *Orchestrator) OnFill(accountID int64, fill broker.FeedFill) {
	o.registry.AddFill(accountID, registry.Fill{
		OrderID:   strconv.FormatInt(fill.OrderID, 10),
		Symbol:    broker.SymbolForContract(fill.ContractID),
		Side:      fill.Side.String(),
		Quantity:  fill.Size,
		Price:     fill.Price,
		Timestamp: fill.Timestamp,
	})
}

// OnAccountUpdate is wired to the realtime feed's account callback. Only
// fields the gateway actually sent reach the registry.
func (o *Orchestrator) OnAccountUpdate(accountID int64, update broker.FeedAccountUpdate) {
	o.registry.UpdateAccount(accountID, registry.AccountPatch{
		Balance:           update.Balance,
		Equity:            update.Equity,
		RealizedPnl:       update.RealizedPnl,
		UnrealizedPnl:     update.OpenPnl,
		MaxDrawdown:       update.MLL,
		DailyLossLimit:    update.DLL,
		DailyProfitTarget: update.ProfitTarget,
	})
}

// OnPositionUpdate is wired to the realtime feed's position callback
func (o *Orchestrator) OnPositionUpdate(accountID int64, positions []broker.FeedPosition) {
	converted := make([]registry.Position, 0, len(positions))
	for _, p := range positions {
		side := "long"
		size := p.Size
		if size < 0 {
			side = "short"
			size = -size
		}
		converted = append(converted, registry.Position{
			Symbol:       broker.SymbolForContract(p.ContractID),
			ContractID:   p.ContractID,
			Side:         side,
			Size:         size,
			AveragePrice: p.AveragePrice,
		})
	}
	o.registry.ReplacePositions(accountID, converted)
}

// OnOrderUpdate is wired to the realtime feed's order callback. Order
// lifecycle events go straight to the UI path; the registry tracks only
// fills and positions.
func (o *Orchestrator) OnOrderUpdate(accountID int64, update broker.FeedOrderUpdate) {
	o.bus.Emit(events.OrderUpdated, "orchestrator", &events.OrderUpdatedData{
		AccountID: accountID,
		OrderID:   strconv.FormatInt(update.OrderID, 10),
		Status:    update.Status,
	})
}

// LoadAccounts converts the gateway's active-account list into registry
// records. Every loaded account starts with trading enabled.
func (o *Orchestrator) LoadAccounts(active []broker.ActiveAccount) {
	list := make([]registry.Account, 0, len(active))
	for _, a := range active {
		category := registry.CategoryFunded
		if a.Simulated {
			category = registry.CategoryPractice
		}
		list = append(list, registry.Account{
			ID:              a.ID,
			Name:            a.Name,
			Category:        category,
			StartingBalance: a.Balance,
			Balance:         a.Balance,
			Equity:          a.Balance,
		})
	}
	o.registry.InitializeAccounts(list)
}
