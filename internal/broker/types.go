// Package broker provides client functionality for interacting with the
// futures gateway API: token auth, the realtime user hub and order placement.
package broker

// Gateway numeric codes for order placement
const (
	orderTypeMarket = 2

	sideCodeBuy  = 0
	sideCodeSell = 1
)

// Side is the direction of an order
type Side int

const (
	SideBuy Side = iota
	SideSell
)

// String returns the lowercase side name
func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// code returns the gateway wire code for a side
func (s Side) code() int {
	if s == SideSell {
		return sideCodeSell
	}
	return sideCodeBuy
}

// ActiveAccount is one active account as reported by the gateway
type ActiveAccount struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	CanTrade  bool    `json:"canTrade"`
	Simulated bool    `json:"simulated"`
}

// OrderPlacement is the gateway's answer to a successful order submission
type OrderPlacement struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

// --- wire types ---

type loginKeyRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginKeyResponse struct {
	Token        string `json:"token"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type validateResponse struct {
	Success      bool   `json:"success"`
	NewToken     string `json:"newToken"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type accountSearchRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type accountSearchResponse struct {
	Accounts     []ActiveAccount `json:"accounts"`
	Success      bool            `json:"success"`
	ErrorCode    int             `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
}

type placeOrderRequest struct {
	AccountID  int64  `json:"accountId"`
	ContractID string `json:"contractId"`
	Type       int    `json:"type"`
	Side       int    `json:"side"`
	Size       int    `json:"size"`
}

type placeOrderResponse struct {
	OrderID      int64  `json:"orderId"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type closePositionRequest struct {
	AccountID  int64  `json:"accountId"`
	ContractID string `json:"contractId"`
	Size       int    `json:"size"` // 0 closes the full position
}

type closePositionResponse struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}
