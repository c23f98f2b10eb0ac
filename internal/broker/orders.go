package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// OrderRejectedError carries the gateway's rejection detail for a submitted
// order. Rejections are never retried automatically: retrying a market order
// risks duplicate fills.
type OrderRejectedError struct {
	StatusCode   int
	ErrorCode    int
	ErrorMessage string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected: code %d: %s", e.ErrorCode, e.ErrorMessage)
}

// OrderClient submits orders to the gateway's order endpoints
type OrderClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewOrderClient creates an order client for the gateway
func NewOrderClient(baseURL string, log zerolog.Logger) *OrderClient {
	return &OrderClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: httpTimeout},
		log:        log.With().Str("component", "broker_orders").Logger(),
	}
}

// PlaceMarketOrder submits a market order for the given contract and size
func (c *OrderClient) PlaceMarketOrder(ctx context.Context, token string, accountID int64, contractID string, side Side, size int) (*OrderPlacement, error) {
	req := placeOrderRequest{
		AccountID:  accountID,
		ContractID: contractID,
		Type:       orderTypeMarket,
		Side:       side.code(),
		Size:       size,
	}

	c.log.Info().
		Int64("account_id", accountID).
		Str("contract_id", contractID).
		Str("side", side.String()).
		Int("size", size).
		Msg("Submitting market order")

	var resp placeOrderResponse
	statusCode, err := c.post(ctx, "/api/Order/place", token, req, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &OrderRejectedError{
			StatusCode:   statusCode,
			ErrorCode:    resp.ErrorCode,
			ErrorMessage: resp.ErrorMessage,
		}
	}

	return &OrderPlacement{OrderID: resp.OrderID, Status: "submitted"}, nil
}

// ClosePosition asks the gateway to flatten a position; the gateway picks the
// closing direction. Size 0 closes the whole position.
func (c *OrderClient) ClosePosition(ctx context.Context, token string, accountID int64, contractID string, size int) error {
	req := closePositionRequest{AccountID: accountID, ContractID: contractID, Size: size}

	c.log.Info().
		Int64("account_id", accountID).
		Str("contract_id", contractID).
		Int("size", size).
		Msg("Closing position")

	var resp closePositionResponse
	statusCode, err := c.post(ctx, "/api/Position/close", token, req, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &OrderRejectedError{
			StatusCode:   statusCode,
			ErrorCode:    resp.ErrorCode,
			ErrorMessage: resp.ErrorMessage,
		}
	}
	return nil
}

// post sends a bearer-authenticated JSON POST, returning the HTTP status
func (c *OrderClient) post(ctx context.Context, path, token string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.StatusCode, nil
}
