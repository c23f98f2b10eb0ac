package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// SimulatedSession fulfills Session without touching the network. Orders
// always fill instantly at a flat price; it exists so the agent can run
// end-to-end against the cloud engine without live broker credentials.
type SimulatedSession struct {
	log         zerolog.Logger
	nextOrderID atomic.Int64

	mu        sync.Mutex
	positions map[int64]map[string]int // accountID -> contractID -> signed size
}

// NewSimulatedSession creates a session backed by two practice accounts
func NewSimulatedSession(log zerolog.Logger) *SimulatedSession {
	s := &SimulatedSession{
		log:       log.With().Str("component", "sim_session").Logger(),
		positions: make(map[int64]map[string]int),
	}
	s.nextOrderID.Store(900000)
	return s
}

func (s *SimulatedSession) Authenticate(ctx context.Context) error {
	s.log.Info().Msg("Simulated session authenticated")
	return nil
}

func (s *SimulatedSession) Token(ctx context.Context) (string, error) {
	return "simulated-token", nil
}

func (s *SimulatedSession) ListActiveAccounts(ctx context.Context) ([]ActiveAccount, error) {
	return []ActiveAccount{
		{ID: 1001, Name: "PRACTICE-1001", Balance: 50000, CanTrade: true, Simulated: true},
		{ID: 1002, Name: "PRACTICE-1002", Balance: 150000, CanTrade: true, Simulated: true},
	}, nil
}

func (s *SimulatedSession) PlaceMarketOrder(ctx context.Context, accountID int64, symbol string, side Side, size int) (*OrderPlacement, error) {
	contractID, err := ContractID(symbol)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, &OrderRejectedError{ErrorCode: 1, ErrorMessage: "invalid order size"}
	}

	delta := size
	if side == SideSell {
		delta = -size
	}

	s.mu.Lock()
	if s.positions[accountID] == nil {
		s.positions[accountID] = make(map[string]int)
	}
	s.positions[accountID][contractID] += delta
	s.mu.Unlock()

	orderID := s.nextOrderID.Add(1)
	s.log.Info().
		Int64("account_id", accountID).
		Int64("order_id", orderID).
		Str("contract_id", contractID).
		Str("side", side.String()).
		Int("size", size).
		Msg("Simulated order filled")

	return &OrderPlacement{OrderID: orderID, Status: "Filled"}, nil
}

func (s *SimulatedSession) ClosePosition(ctx context.Context, accountID int64, symbol string, size int) error {
	contractID, err := ContractID(symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	book := s.positions[accountID]
	if book == nil || book[contractID] == 0 {
		return nil
	}
	current := book[contractID]
	if size == 0 || size >= abs(current) {
		delete(book, contractID)
	} else if current > 0 {
		book[contractID] = current - size
	} else {
		book[contractID] = current + size
	}

	s.log.Info().
		Int64("account_id", accountID).
		Str("contract_id", contractID).
		Msg("Simulated position closed")
	return nil
}

func (s *SimulatedSession) Logout(ctx context.Context) error {
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
