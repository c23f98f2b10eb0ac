package events

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// AccountsLoadedData contains data for AccountsLoaded events
type AccountsLoadedData struct {
	Count int `json:"count"`
}

// EventType returns the event type for AccountsLoadedData
func (d *AccountsLoadedData) EventType() EventType {
	return AccountsLoaded
}

// AccountUpdatedData contains data for AccountUpdated events
type AccountUpdatedData struct {
	AccountID int64   `json:"account_id"`
	Balance   float64 `json:"balance"`
	Equity    float64 `json:"equity"`
}

// EventType returns the event type for AccountUpdatedData
func (d *AccountUpdatedData) EventType() EventType {
	return AccountUpdated
}

// FillReceivedData contains data for FillReceived events
type FillReceivedData struct {
	AccountID int64   `json:"account_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// EventType returns the event type for FillReceivedData
func (d *FillReceivedData) EventType() EventType {
	return FillReceived
}

// PositionsUpdatedData contains data for PositionsUpdated events
type PositionsUpdatedData struct {
	AccountID int64 `json:"account_id"`
	Count     int   `json:"count"`
}

// EventType returns the event type for PositionsUpdatedData
func (d *PositionsUpdatedData) EventType() EventType {
	return PositionsUpdated
}

// OrderUpdatedData contains data for OrderUpdated events
type OrderUpdatedData struct {
	AccountID int64  `json:"account_id"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
}

// EventType returns the event type for OrderUpdatedData
func (d *OrderUpdatedData) EventType() EventType {
	return OrderUpdated
}

// PnlUpdatedData contains data for PnlUpdated events
type PnlUpdatedData struct {
	AccountID     int64   `json:"account_id"`
	DailyPnl      float64 `json:"daily_pnl"`
	CumulativePnl float64 `json:"cumulative_pnl"`
}

// EventType returns the event type for PnlUpdatedData
func (d *PnlUpdatedData) EventType() EventType {
	return PnlUpdated
}

// ConnectionChangedData contains data for broker and cloud connection events.
// Kind distinguishes the two sources so a single handler can fan out both.
type ConnectionChangedData struct {
	Kind  string `json:"kind"` // "broker" or "cloud"
	State string `json:"state"`
}

// EventType returns the event type for ConnectionChangedData
func (d *ConnectionChangedData) EventType() EventType {
	if d.Kind == "cloud" {
		return CloudConnectionChanged
	}
	return BrokerConnectionChanged
}

// UnifiedStateChangedData contains data for UnifiedStateChanged events
type UnifiedStateChangedData struct {
	State string `json:"state"`
}

// EventType returns the event type for UnifiedStateChangedData
func (d *UnifiedStateChangedData) EventType() EventType {
	return UnifiedStateChanged
}

// DirectiveReceivedData contains data for DirectiveReceived events
type DirectiveReceivedData struct {
	DirectiveID string `json:"directive_id"`
	AccountID   int64  `json:"account_id"`
	Symbol      string `json:"symbol"`
	Action      string `json:"action"`
	Contracts   int    `json:"contracts"`
}

// EventType returns the event type for DirectiveReceivedData
func (d *DirectiveReceivedData) EventType() EventType {
	return DirectiveReceived
}

// DirectiveRejectedData contains data for DirectiveRejected events
type DirectiveRejectedData struct {
	DirectiveID string `json:"directive_id"`
	AccountID   int64  `json:"account_id"`
	Reason      string `json:"reason"`
}

// EventType returns the event type for DirectiveRejectedData
func (d *DirectiveRejectedData) EventType() EventType {
	return DirectiveRejected
}

// OrderSubmittedData contains data for OrderSubmitted events
type OrderSubmittedData struct {
	DirectiveID string `json:"directive_id"`
	AccountID   int64  `json:"account_id"`
	OrderID     string `json:"order_id"`
	Symbol      string `json:"symbol"`
	Action      string `json:"action"`
	Contracts   int    `json:"contracts"`
}

// EventType returns the event type for OrderSubmittedData
func (d *OrderSubmittedData) EventType() EventType {
	return OrderSubmitted
}

// OrderFailedData contains data for OrderFailed events
type OrderFailedData struct {
	DirectiveID string `json:"directive_id"`
	AccountID   int64  `json:"account_id"`
	Symbol      string `json:"symbol"`
	Action      string `json:"action"`
	Error       string `json:"error"`
}

// EventType returns the event type for OrderFailedData
func (d *OrderFailedData) EventType() EventType {
	return OrderFailed
}

// CommandReceivedData contains data for CommandReceived events
type CommandReceivedData struct {
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
}

// EventType returns the event type for CommandReceivedData
func (d *CommandReceivedData) EventType() EventType {
	return CommandReceived
}

// KillSwitchChangedData contains data for KillSwitchChanged events
type KillSwitchChangedData struct {
	Master    bool   `json:"master"`
	Enabled   bool   `json:"enabled"`
	AccountID *int64 `json:"account_id,omitempty"` // nil for the master switch
}

// EventType returns the event type for KillSwitchChangedData
func (d *KillSwitchChangedData) EventType() EventType {
	return KillSwitchChanged
}
