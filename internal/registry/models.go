// Package registry is the single source of truth for broker account state and
// the trading-permission (kill switch) decision.
package registry

import "time"

// MaxRecentFills bounds each account's recent-fills list
const MaxRecentFills = 50

// AccountCategory classifies a broker account
type AccountCategory string

const (
	CategoryEvaluation AccountCategory = "evaluation"
	CategoryFunded     AccountCategory = "funded"
	CategoryPractice   AccountCategory = "practice"
	CategoryScaling    AccountCategory = "scaling"
)

// Position is one open position on an account
type Position struct {
	Symbol       string    `json:"symbol"`
	ContractID   string    `json:"contract_id"`
	Side         string    `json:"side"` // "long" or "short"
	Size         int       `json:"size"`
	AveragePrice float64   `json:"average_price"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Fill is one executed fill on an account
type Fill struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Account represents one broker trading account. Balance and PNL fields hold
// the last value received from the broker; the registry never derives them.
type Account struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Category AccountCategory `json:"category"`

	// Financial snapshot
	StartingBalance float64 `json:"starting_balance"`
	Balance         float64 `json:"balance"`
	Equity          float64 `json:"equity"`
	BuyingPower     float64 `json:"buying_power"`
	CashBalance     float64 `json:"cash_balance"`
	DayTradeBalance float64 `json:"day_trade_balance"`

	// PNL snapshot
	CumulativePnl float64 `json:"cumulative_pnl"`
	DailyPnl      float64 `json:"daily_pnl"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	RealizedPnl   float64 `json:"realized_pnl"`

	// Risk snapshot
	MaxDrawdown         float64 `json:"max_drawdown"`
	CurrentDrawdown     float64 `json:"current_drawdown"`
	DrawdownRemaining   float64 `json:"drawdown_remaining"`
	DailyLossLimit      float64 `json:"daily_loss_limit"`
	DailyLossUsed       float64 `json:"daily_loss_used"`
	DailyLossRemaining  float64 `json:"daily_loss_remaining"`
	DailyProfitTarget   float64 `json:"daily_profit_target"`
	DailyProfitProgress float64 `json:"daily_profit_progress"`

	// Per-account trading permission, defaults true on creation
	TradingEnabled bool `json:"trading_enabled"`

	Positions   []Position `json:"positions"`
	RecentFills []Fill     `json:"recent_fills"` // newest first, capped at MaxRecentFills

	LastUpdate time.Time `json:"last_update"`
}

// AccountPatch carries a partial account update from a realtime event.
// Nil fields are left untouched by Registry.UpdateAccount.
type AccountPatch struct {
	Name     *string
	Category *AccountCategory

	StartingBalance *float64
	Balance         *float64
	Equity          *float64
	BuyingPower     *float64
	CashBalance     *float64
	DayTradeBalance *float64

	CumulativePnl *float64
	DailyPnl      *float64
	UnrealizedPnl *float64
	RealizedPnl   *float64

	MaxDrawdown         *float64
	CurrentDrawdown     *float64
	DrawdownRemaining   *float64
	DailyLossLimit      *float64
	DailyLossUsed       *float64
	DailyLossRemaining  *float64
	DailyProfitTarget   *float64
	DailyProfitProgress *float64
}

// clone returns a deep copy so callers can never mutate registry state
func (a *Account) clone() Account {
	out := *a
	out.Positions = append([]Position(nil), a.Positions...)
	out.RecentFills = append([]Fill(nil), a.RecentFills...)
	return out
}
