// Package ws holds WebSocket message types and the Hub implementation.
// messages.go defines the risk events pushed to connected clients.
package ws

import (
	"time"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/shopspring/decimal"
)

// MsgType identifies the kind of WS message so clients can switch on it.
type MsgType string

const (
	MsgTypeAtRisk     MsgType = "loan_at_risk"
	MsgTypeLiquidated MsgType = "loan_liquidated"
)

// ──────────────────────────────────────────────────────────────────────────────
// AtRiskMessage is sent when a monitor tick finds HF in [1.0, 1.1).
// ──────────────────────────────────────────────────────────────────────────────

// AtRiskMessage warns that a loan is close to liquidation.
type AtRiskMessage struct {
	Type            MsgType         `json:"type"`
	LoanID          uuid.UUID       `json:"loan_id"`
	BorrowerAccount string          `json:"borrower_account"`
	HealthFactor    decimal.Decimal `json:"health_factor"`
	Price           decimal.Decimal `json:"price"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// LiquidatedMessage is sent after a liquidation commits.
// ──────────────────────────────────────────────────────────────────────────────

// LiquidatedMessage reports a settled liquidation.
type LiquidatedMessage struct {
	Type            MsgType         `json:"type"`
	LoanID          uuid.UUID       `json:"loan_id"`
	BorrowerAccount string          `json:"borrower_account"`
	HealthFactor    decimal.Decimal `json:"health_factor"`
	Price           decimal.Decimal `json:"price"`
	Recovered       domain.Cents    `json:"usdc_recovered"`
	Penalty         domain.Cents    `json:"liquidation_penalty"`
	Timestamp       time.Time       `json:"timestamp"`
}
