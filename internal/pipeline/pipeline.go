// Package pipeline turns authorized trade directives into broker orders.
// Authorization happens upstream; by the time a request reaches the executor
// it has already passed the kill-switch gate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/relay/internal/broker"
)

// ErrInvalidAction is returned for directive actions outside the fixed table
var ErrInvalidAction = errors.New("invalid directive action")

// Directive actions understood by the executor
const (
	ActionEntryLong  = "ENTRY_LONG"
	ActionEntryShort = "ENTRY_SHORT"
	ActionExit       = "EXIT"
	ActionExitLong   = "EXIT_LONG"
	ActionExitShort  = "EXIT_SHORT"
)

// Request is one order to execute, carrying the directive context it came from
type Request struct {
	DirectiveID string
	AccountID   int64
	Symbol      string
	Action      string
	Contracts   int
	Price       float64
	Reason      string
}

// OrderResult reports the outcome of one execution attempt. The request
// context is echoed back so the ack and UI paths need no extra lookup.
type OrderResult struct {
	Success      bool   `json:"success"`
	OrderID      int64  `json:"orderId,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	StatusCode   int    `json:"statusCode,omitempty"`

	DirectiveID string    `json:"directiveId"`
	AccountID   int64     `json:"accountId"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Contracts   int       `json:"contracts"`
	Timestamp   time.Time `json:"timestamp"`
}

// Executor maps directive actions onto broker operations. Submissions for the
// same account are serialized so two directives cannot race to the broker;
// different accounts proceed in parallel.
type Executor struct {
	session broker.Session
	log     zerolog.Logger

	mu           sync.Mutex
	accountLocks map[int64]*sync.Mutex
}

// NewExecutor creates an executor over a broker session
func NewExecutor(session broker.Session, log zerolog.Logger) *Executor {
	return &Executor{
		session:      session,
		log:          log.With().Str("component", "pipeline").Logger(),
		accountLocks: make(map[int64]*sync.Mutex),
	}
}

// Execute runs one request to completion. It never panics past this boundary
// and never retries: retrying a market order risks duplicate fills.
func (e *Executor) Execute(ctx context.Context, req Request) (result OrderResult) {
	result = OrderResult{
		DirectiveID: req.DirectiveID,
		AccountID:   req.AccountID,
		Symbol:      req.Symbol,
		Action:      req.Action,
		Contracts:   req.Contracts,
		Timestamp:   time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("directive_id", req.DirectiveID).Msg("Execution panicked")
			result.Success = false
			result.Error = "internal execution failure"
			result.ErrorDetails = fmt.Sprint(r)
		}
	}()

	// Validate locally before taking the account lock or touching the network
	if _, err := broker.ContractID(req.Symbol); err != nil {
		result.Error = err.Error()
		return result
	}
	side, closing, err := resolveAction(req.Action)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	lock := e.lockFor(req.AccountID)
	lock.Lock()
	defer lock.Unlock()

	e.log.Info().
		Str("directive_id", req.DirectiveID).
		Int64("account_id", req.AccountID).
		Str("symbol", req.Symbol).
		Str("action", req.Action).
		Int("contracts", req.Contracts).
		Msg("Executing directive")

	if closing {
		if err := e.session.ClosePosition(ctx, req.AccountID, req.Symbol, 0); err != nil {
			fillFailure(&result, err)
			return result
		}
		result.Success = true
		return result
	}

	placement, err := e.session.PlaceMarketOrder(ctx, req.AccountID, req.Symbol, side, req.Contracts)
	if err != nil {
		fillFailure(&result, err)
		return result
	}

	result.Success = true
	result.OrderID = placement.OrderID
	return result
}

// resolveAction maps a directive action to a broker side. closing means the
// whole position is flattened instead of placing a sized order.
func resolveAction(action string) (side broker.Side, closing bool, err error) {
	switch action {
	case ActionEntryLong:
		return broker.SideBuy, false, nil
	case ActionEntryShort:
		return broker.SideSell, false, nil
	case ActionExitLong:
		return broker.SideSell, false, nil
	case ActionExitShort:
		return broker.SideBuy, false, nil
	case ActionExit:
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("%w: %s", ErrInvalidAction, action)
	}
}

// fillFailure unpacks broker errors into the result's error fields
func fillFailure(result *OrderResult, err error) {
	result.Error = err.Error()

	var rejected *broker.OrderRejectedError
	if errors.As(err, &rejected) {
		result.StatusCode = rejected.StatusCode
		result.ErrorDetails = rejected.ErrorMessage
	}
}

// lockFor returns the submission lock for an account, creating it on first use
func (e *Executor) lockFor(accountID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		e.accountLocks[accountID] = lock
	}
	return lock
}
