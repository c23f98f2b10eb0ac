// Package cloud maintains the agent's identity with and connectivity to the
// remote signal engine: activation, token refresh, the persistent command
// channel and signed telemetry uploads.
package cloud

import (
	"encoding/json"
	"time"
)

// Credentials is the engine identity handed back by activation and persisted
// by the caller
type Credentials struct {
	BotID             string `json:"botId"`
	AccessToken       string `json:"accessToken"`
	RefreshToken      string `json:"refreshToken"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// Directive is an inbound instruction to enter or exit a position
type Directive struct {
	DirectiveID string    `json:"directiveId"`
	AccountID   int64     `json:"accountId"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Price       float64   `json:"price"`
	Contracts   int       `json:"contracts"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// Command is an inbound operational instruction (kill switch, re-sync, etc.)
type Command struct {
	CommandID string          `json:"commandId"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload"`
}

// AccountTelemetry is one account's slice of a telemetry snapshot. Never
// includes credentials or tokens.
type AccountTelemetry struct {
	AccountID      int64   `json:"accountId"`
	Name           string  `json:"name"`
	Balance        float64 `json:"balance"`
	Equity         float64 `json:"equity"`
	RealizedPnl    float64 `json:"realizedPnl"`
	OpenPnl        float64 `json:"openPnl"`
	TradingEnabled bool    `json:"tradingEnabled"`
	PositionCount  int     `json:"positionCount"`
}

// --- wire types ---

type activateRequest struct {
	ActivationToken   string `json:"activationToken"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

type activateResponse struct {
	BotID        string `json:"botId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"` // empty when the server does not rotate
}

type telemetryPayload struct {
	BotID     string             `json:"botId"`
	Accounts  []AccountTelemetry `json:"accounts"`
	Timestamp int64              `json:"timestamp"`
}

// channelFrame is the envelope of every message on the persistent channel
type channelFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type commandAck struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Timestamp int64  `json:"timestamp"`
}

type directiveAck struct {
	Type             string `json:"type"`
	DirectiveID      string `json:"directiveId"`
	TopstepLatencyMs int64  `json:"topstepLatencyMs"`
}

type heartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}
