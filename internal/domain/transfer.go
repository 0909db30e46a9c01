package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CollateralTransfer moves grove tokens into or out of treasury custody.
type CollateralTransfer struct {
	Account        string          `json:"account"`
	TokenID        string          `json:"token_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
}

// StableTransfer moves stablecoin between two accounts.
type StableTransfer struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         Cents  `json:"amount"`
	Memo           string `json:"memo"`
	IdempotencyKey string `json:"-"`
}

// TransferReceipt is the terminal result of a successful transfer. Amount is
// filled by lookups so a stablecoin receipt can be recorded after the fact.
type TransferReceipt struct {
	TxRef  string `json:"tx_ref"`
	Amount Cents  `json:"amount,omitempty"`
}

// DisposalOrder asks an execution venue to sell liquidated collateral.
// Proceeds are the recovered amount; the venue settles it into the treasury.
type DisposalOrder struct {
	LiquidationID  uuid.UUID       `json:"liquidation_id"`
	LoanID         uuid.UUID       `json:"loan_id"`
	TokenID        string          `json:"token_id"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	Proceeds       Cents           `json:"proceeds"`
	IdempotencyKey string          `json:"-"`
}

// WriteOffRef is the reference recorded for a disposal with no proceeds,
// which settles without a transfer.
func WriteOffRef(key string) string { return "writeoff:" + key }
