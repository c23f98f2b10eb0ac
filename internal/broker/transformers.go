package broker

import (
	"encoding/json"
	"time"
)

// feedFrame is the envelope of every realtime feed message
type feedFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type feedSubscribeMessage struct {
	Subscribe []string `json:"subscribe"`
}

// wsFill is the fill payload as the gateway sends it
type wsFill struct {
	AccountID  int64     `json:"accountId"`
	OrderID    int64     `json:"orderId"`
	ContractID string    `json:"contractId"`
	Side       int       `json:"side"`
	Size       int       `json:"size"`
	Price      float64   `json:"price"`
	Fees       float64   `json:"fees"`
	Timestamp  time.Time `json:"timestamp"`
}

type wsAccountUpdate struct {
	AccountID    int64    `json:"accountId"`
	Balance      *float64 `json:"balance"`
	Equity       *float64 `json:"equity"`
	RealizedPnl  *float64 `json:"realizedPnl"`
	OpenPnl      *float64 `json:"openPnl"`
	MLL          *float64 `json:"maximumLossLimit"`
	DLL          *float64 `json:"dailyLossLimit"`
	CanTrade     *bool    `json:"canTrade"`
	ProfitTarget *float64 `json:"profitTarget"`
}

type wsPositionUpdate struct {
	AccountID int64        `json:"accountId"`
	Positions []wsPosition `json:"positions"`
}

type wsPosition struct {
	ContractID   string  `json:"contractId"`
	Size         int     `json:"size"`
	AveragePrice float64 `json:"averagePrice"`
	OpenPnl      float64 `json:"openPnl"`
}

type wsOrderUpdate struct {
	AccountID  int64     `json:"accountId"`
	OrderID    int64     `json:"orderId"`
	ContractID string    `json:"contractId"`
	Status     string    `json:"status"`
	Side       int       `json:"side"`
	Size       int       `json:"size"`
	FillVolume int       `json:"fillVolume"`
	Timestamp  time.Time `json:"timestamp"`
}

// FeedFill is a normalized trade execution
type FeedFill struct {
	OrderID    int64
	ContractID string
	Side       Side
	Size       int
	Price      float64
	Fees       float64
	Timestamp  time.Time
}

// FeedAccountUpdate carries only the fields the gateway actually sent;
// nil means unchanged
type FeedAccountUpdate struct {
	Balance      *float64
	Equity       *float64
	RealizedPnl  *float64
	OpenPnl      *float64
	MLL          *float64
	DLL          *float64
	CanTrade     *bool
	ProfitTarget *float64
}

// FeedPosition is a normalized open position
type FeedPosition struct {
	ContractID   string
	Size         int
	AveragePrice float64
	OpenPnl      float64
}

// FeedOrderUpdate is a normalized order lifecycle event
type FeedOrderUpdate struct {
	OrderID    int64
	ContractID string
	Status     string
	Side       Side
	Size       int
	FillVolume int
	Timestamp  time.Time
}

func transformFill(in wsFill) FeedFill {
	return FeedFill{
		OrderID:    in.OrderID,
		ContractID: in.ContractID,
		Side:       sideFromCode(in.Side),
		Size:       in.Size,
		Price:      in.Price,
		Fees:       in.Fees,
		Timestamp:  in.Timestamp,
	}
}

func transformAccountUpdate(in wsAccountUpdate) FeedAccountUpdate {
	return FeedAccountUpdate{
		Balance:      in.Balance,
		Equity:       in.Equity,
		RealizedPnl:  in.RealizedPnl,
		OpenPnl:      in.OpenPnl,
		MLL:          in.MLL,
		DLL:          in.DLL,
		CanTrade:     in.CanTrade,
		ProfitTarget: in.ProfitTarget,
	}
}

func transformPositions(in []wsPosition) []FeedPosition {
	out := make([]FeedPosition, 0, len(in))
	for _, p := range in {
		out = append(out, FeedPosition{
			ContractID:   p.ContractID,
			Size:         p.Size,
			AveragePrice: p.AveragePrice,
			OpenPnl:      p.OpenPnl,
		})
	}
	return out
}

func transformOrderUpdate(in wsOrderUpdate) FeedOrderUpdate {
	return FeedOrderUpdate{
		OrderID:    in.OrderID,
		ContractID: in.ContractID,
		Status:     in.Status,
		Side:       sideFromCode(in.Side),
		Size:       in.Size,
		FillVolume: in.FillVolume,
		Timestamp:  in.Timestamp,
	}
}

func sideFromCode(code int) Side {
	if code == sideCodeSell {
		return SideSell
	}
	return SideBuy
}
