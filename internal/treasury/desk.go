package treasury

import (
	"context"
	"fmt"

	"github.com/harvestchain/lending/internal/domain"
)

// Transferer is the part of the transfer port the desk settles through.
type Transferer interface {
	TransferStable(ctx context.Context, req domain.StableTransfer) (domain.TransferReceipt, error)
}

// Desk is the default execution venue. The liquidation desk buys seized
// collateral at the oracle price, so a disposal is a stablecoin transfer of
// the recovered amount from the desk account into the treasury. The grove
// tokens stay in treasury custody.
type Desk struct {
	transfers Transferer
	desk      string
	treasury  string
}

// NewDesk builds a Desk paying from deskAccount into treasuryAccount.
func NewDesk(t Transferer, deskAccount, treasuryAccount string) *Desk {
	return &Desk{transfers: t, desk: deskAccount, treasury: treasuryAccount}
}

// Dispose settles order. The order's idempotency key is reused for the
// transfer, so a lookup of that key tells whether the disposal ran.
// Worthless collateral is written off without a transfer.
func (d *Desk) Dispose(ctx context.Context, order domain.DisposalOrder) (domain.TransferReceipt, error) {
	if !order.Proceeds.IsPositive() {
		return domain.TransferReceipt{TxRef: domain.WriteOffRef(order.IdempotencyKey)}, nil
	}
	return d.transfers.TransferStable(ctx, domain.StableTransfer{
		From:           d.desk,
		To:             d.treasury,
		Amount:         order.Proceeds,
		Memo:           fmt.Sprintf("liquidation %s of %s %s", order.LiquidationID, order.Amount, order.TokenID),
		IdempotencyKey: order.IdempotencyKey,
	})
}
