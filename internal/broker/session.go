package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Session is the trading surface the rest of the agent talks to. The real
// implementation fronts the gateway HTTP API; the simulated one never
// touches the network.
type Session interface {
	// Authenticate establishes a valid token, logging in if needed
	Authenticate(ctx context.Context) error

	// Token returns a currently-valid token, refreshing transparently
	Token(ctx context.Context) (string, error)

	// ListActiveAccounts fetches the active accounts for the credential set
	ListActiveAccounts(ctx context.Context) ([]ActiveAccount, error)

	// PlaceMarketOrder submits a market order. The symbol is resolved to a
	// contract locally; unknown symbols fail before any network call.
	PlaceMarketOrder(ctx context.Context, accountID int64, symbol string, side Side, size int) (*OrderPlacement, error)

	// ClosePosition flattens the position for a symbol. Size 0 closes it
	// entirely.
	ClosePosition(ctx context.Context, accountID int64, symbol string, size int) error

	// Logout invalidates the server-side session
	Logout(ctx context.Context) error
}

// RealSession wires authentication and order routing against the live
// gateway
type RealSession struct {
	auth   *AuthSession
	orders *OrderClient
	log    zerolog.Logger
}

// NewRealSession builds a live trading session from broker credentials
func NewRealSession(baseURL, username, apiKey string, log zerolog.Logger) (*RealSession, error) {
	auth, err := NewAuthSession(baseURL, username, apiKey, log)
	if err != nil {
		return nil, err
	}
	return &RealSession{
		auth:   auth,
		orders: NewOrderClient(baseURL, log),
		log:    log.With().Str("component", "broker_session").Logger(),
	}, nil
}

func (s *RealSession) Authenticate(ctx context.Context) error {
	_, err := s.auth.Token(ctx)
	return err
}

func (s *RealSession) Token(ctx context.Context) (string, error) {
	return s.auth.Token(ctx)
}

func (s *RealSession) ListActiveAccounts(ctx context.Context) ([]ActiveAccount, error) {
	return s.auth.ListActiveAccounts(ctx)
}

func (s *RealSession) PlaceMarketOrder(ctx context.Context, accountID int64, symbol string, side Side, size int) (*OrderPlacement, error) {
	contractID, err := ContractID(symbol)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid order size: %d", size)
	}

	token, err := s.auth.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain token: %w", err)
	}

	return s.orders.PlaceMarketOrder(ctx, token, accountID, contractID, side, size)
}

func (s *RealSession) ClosePosition(ctx context.Context, accountID int64, symbol string, size int) error {
	contractID, err := ContractID(symbol)
	if err != nil {
		return err
	}

	token, err := s.auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}

	return s.orders.ClosePosition(ctx, token, accountID, contractID, size)
}

func (s *RealSession) Logout(ctx context.Context) error {
	s.auth.Logout()
	return nil
}
