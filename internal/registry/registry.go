package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/relay/internal/events"
)

// Registry owns all account state and the trading authorization decision.
//
// It is mutated from several goroutines (realtime feed callbacks, operator
// commands, directive authorization), so every access goes through the
// RWMutex. Mutations are atomic relative to each other.
type Registry struct {
	mu            sync.RWMutex
	accounts      map[int64]*Account
	masterEnabled bool // master kill switch, defaults false (trading blocked)
	bus           *events.Bus
	log           zerolog.Logger
}

// New creates an empty registry with the master kill switch off
func New(bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		accounts: make(map[int64]*Account),
		bus:      bus,
		log:      log.With().Str("component", "registry").Logger(),
	}
}

// InitializeAccounts replaces the entire registry contents. Every entry gets
// TradingEnabled = true regardless of any externally supplied flag.
func (r *Registry) InitializeAccounts(list []Account) {
	r.mu.Lock()
	r.accounts = make(map[int64]*Account, len(list))
	for i := range list {
		acct := list[i].clone()
		acct.TradingEnabled = true
		if acct.LastUpdate.IsZero() {
			acct.LastUpdate = time.Now()
		}
		r.accounts[acct.ID] = &acct
	}
	count := len(r.accounts)
	r.mu.Unlock()

	r.log.Info().Int("count", count).Msg("Account registry initialized")
	if r.bus != nil {
		r.bus.Emit(events.AccountsLoaded, "registry", &events.AccountsLoadedData{Count: count})
	}
}

// UpdateAccount merges non-nil patch fields into the stored account record.
// Unknown ids are logged and ignored: realtime feeds may reference accounts
// not yet loaded.
func (r *Registry) UpdateAccount(id int64, patch AccountPatch) {
	r.mu.Lock()
	acct, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn().Int64("account_id", id).Msg("Update for unknown account ignored")
		return
	}

	applyPatch(acct, patch)
	acct.LastUpdate = time.Now()
	balance, equity := acct.Balance, acct.Equity
	daily, cumulative := acct.DailyPnl, acct.CumulativePnl
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(events.AccountUpdated, "registry", &events.AccountUpdatedData{
			AccountID: id,
			Balance:   balance,
			Equity:    equity,
		})
		r.bus.Emit(events.PnlUpdated, "registry", &events.PnlUpdatedData{
			AccountID:     id,
			DailyPnl:      daily,
			CumulativePnl: cumulative,
		})
	}
}

// AddFill prepends a fill to the account's recent-fills list, truncating to
// MaxRecentFills. Unknown ids are logged and ignored.
func (r *Registry) AddFill(id int64, fill Fill) {
	r.mu.Lock()
	acct, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn().Int64("account_id", id).Msg("Fill for unknown account ignored")
		return
	}

	acct.RecentFills = append([]Fill{fill}, acct.RecentFills...)
	if len(acct.RecentFills) > MaxRecentFills {
		acct.RecentFills = acct.RecentFills[:MaxRecentFills]
	}
	acct.LastUpdate = time.Now()
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(events.FillReceived, "registry", &events.FillReceivedData{
			AccountID: id,
			Symbol:    fill.Symbol,
			Side:      fill.Side,
			Quantity:  fill.Quantity,
			Price:     fill.Price,
		})
	}
}

// ReplacePositions replaces an account's open positions wholesale, as
// position-update events carry the full set. Unknown ids are ignored.
func (r *Registry) ReplacePositions(id int64, positions []Position) {
	r.mu.Lock()
	acct, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn().Int64("account_id", id).Msg("Position update for unknown account ignored")
		return
	}

	acct.Positions = append([]Position(nil), positions...)
	acct.LastUpdate = time.Now()
	count := len(acct.Positions)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(events.PositionsUpdated, "registry", &events.PositionsUpdatedData{
			AccountID: id,
			Count:     count,
		})
	}
}

// SetMasterKillSwitch enables or disables trading globally. When disabled no
// account may trade regardless of its own flag.
func (r *Registry) SetMasterKillSwitch(enabled bool) {
	r.mu.Lock()
	r.masterEnabled = enabled
	r.mu.Unlock()

	r.log.Info().Bool("enabled", enabled).Msg("Master kill switch changed")
	if r.bus != nil {
		r.bus.Emit(events.KillSwitchChanged, "registry", &events.KillSwitchChangedData{
			Master:  true,
			Enabled: enabled,
		})
	}
}

// MasterEnabled reports the master kill switch state
func (r *Registry) MasterEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.masterEnabled
}

// SetAccountTrading sets one account's trading permission. Returns false for
// unknown accounts.
func (r *Registry) SetAccountTrading(id int64, enabled bool) bool {
	r.mu.Lock()
	acct, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn().Int64("account_id", id).Msg("Trading toggle for unknown account ignored")
		return false
	}
	acct.TradingEnabled = enabled
	r.mu.Unlock()

	r.log.Info().Int64("account_id", id).Bool("enabled", enabled).Msg("Account trading permission changed")
	if r.bus != nil {
		r.bus.Emit(events.KillSwitchChanged, "registry", &events.KillSwitchChangedData{
			Master:    false,
			Enabled:   enabled,
			AccountID: &id,
		})
	}
	return true
}

// CanTrade reports whether an account may execute a trade: the master switch
// AND the account's own flag must both be enabled. Unknown accounts can never
// trade.
func (r *Registry) CanTrade(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[id]
	if !ok {
		return false
	}
	return r.masterEnabled && acct.TradingEnabled
}

// CumulativePnl sums the last-known cumulative PNL across all accounts.
// Recomputed on demand, never cached.
func (r *Registry) CumulativePnl() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0.0
	for _, acct := range r.accounts {
		total += acct.CumulativePnl
	}
	return total
}

// Get returns a copy of one account
func (r *Registry) Get(id int64) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[id]
	if !ok {
		return Account{}, false
	}
	return acct.clone(), true
}

// Snapshot returns copies of all accounts ordered by id
func (r *Registry) Snapshot() []Account {
	r.mu.RLock()
	out := make([]Account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		out = append(out, acct.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset clears all accounts and turns the master switch off. Used only at
// shutdown or full reinitialization, never mid-session.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.accounts = make(map[int64]*Account)
	r.masterEnabled = false
	r.mu.Unlock()

	r.log.Info().Msg("Account registry reset")
}

func applyPatch(acct *Account, patch AccountPatch) {
	if patch.Name != nil {
		acct.Name = *patch.Name
	}
	if patch.Category != nil {
		acct.Category = *patch.Category
	}
	if patch.StartingBalance != nil {
		acct.StartingBalance = *patch.StartingBalance
	}
	if patch.Balance != nil {
		acct.Balance = *patch.Balance
	}
	if patch.Equity != nil {
		acct.Equity = *patch.Equity
	}
	if patch.BuyingPower != nil {
		acct.BuyingPower = *patch.BuyingPower
	}
	if patch.CashBalance != nil {
		acct.CashBalance = *patch.CashBalance
	}
	if patch.DayTradeBalance != nil {
		acct.DayTradeBalance = *patch.DayTradeBalance
	}
	if patch.CumulativePnl != nil {
		acct.CumulativePnl = *patch.CumulativePnl
	}
	if patch.DailyPnl != nil {
		acct.DailyPnl = *patch.DailyPnl
	}
	if patch.UnrealizedPnl != nil {
		acct.UnrealizedPnl = *patch.UnrealizedPnl
	}
	if patch.RealizedPnl != nil {
		acct.RealizedPnl = *patch.RealizedPnl
	}
	if patch.MaxDrawdown != nil {
		acct.MaxDrawdown = *patch.MaxDrawdown
	}
	if patch.CurrentDrawdown != nil {
		acct.CurrentDrawdown = *patch.CurrentDrawdown
	}
	if patch.DrawdownRemaining != nil {
		acct.DrawdownRemaining = *patch.DrawdownRemaining
	}
	if patch.DailyLossLimit != nil {
		acct.DailyLossLimit = *patch.DailyLossLimit
	}
	if patch.DailyLossUsed != nil {
		acct.DailyLossUsed = *patch.DailyLossUsed
	}
	if patch.DailyLossRemaining != nil {
		acct.DailyLossRemaining = *patch.DailyLossRemaining
	}
	if patch.DailyProfitTarget != nil {
		acct.DailyProfitTarget = *patch.DailyProfitTarget
	}
	if patch.DailyProfitProgress != nil {
		acct.DailyProfitProgress = *patch.DailyProfitProgress
	}
}
