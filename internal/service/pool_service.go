package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/jmoiron/sqlx"
)

// PoolService manages investor liquidity.
type PoolService struct {
	repos     Repos
	transfers TransferPort
	accounts  Accounts
	log       *slog.Logger
}

// NewPoolService builds a PoolService.
func NewPoolService(repos Repos, transfers TransferPort, accounts Accounts, logger *slog.Logger) *PoolService {
	return &PoolService{
		repos:     repos,
		transfers: transfers,
		accounts:  accounts,
		log:       logger.With("component", "pool"),
	}
}

// GetPool returns the stats of one pool.
func (s *PoolService) GetPool(ctx context.Context, asset string) (*domain.PoolStats, error) {
	return s.repos.Pools.Get(ctx, asset)
}

// ListPools returns every pool.
func (s *PoolService) ListPools(ctx context.Context) ([]*domain.PoolStats, error) {
	return s.repos.Pools.List(ctx)
}

// DepositLiquidity receives stablecoin from an investor and credits it to the
// pool, creating the pool on its first deposit. Replaying a request with the
// same reference returns the pool without crediting it again.
func (s *PoolService) DepositLiquidity(ctx context.Context, req domain.DepositRequest) (*domain.PoolStats, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rcpt, err := s.transfers.TransferStable(ctx, domain.StableTransfer{
		From:           req.InvestorAccount,
		To:             s.accounts.Treasury,
		Amount:         req.Amount,
		Memo:           fmt.Sprintf("deposit %s", req.Reference),
		IdempotencyKey: req.DepositKey(),
	})
	if err != nil {
		s.log.Error("deposit step failed", "asset", req.AssetAddress, "reference", req.Reference,
			"step", domain.StepDeposit, "err", err)
		return nil, &domain.StepError{Op: "deposit", Step: domain.StepDeposit, Err: err}
	}

	now := nowUTC()
	dep := &domain.Deposit{
		ID:              uuid.New(),
		AssetAddress:    req.AssetAddress,
		InvestorAccount: req.InvestorAccount,
		Amount:          req.Amount,
		Reference:       req.Reference,
		TxRef:           rcpt.TxRef,
		CreatedAt:       now,
	}
	err = s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repos.Pools.Ensure(ctx, tx, req.AssetAddress, now); err != nil {
			return err
		}
		if err := s.repos.Pools.RecordDeposit(ctx, tx, dep); err != nil {
			return err
		}
		return s.repos.Pools.CreditDeposit(ctx, tx, req.AssetAddress, req.Amount, now)
	})
	switch {
	case errors.Is(err, domain.ErrDepositExists):
		s.log.Info("deposit replayed", "asset", req.AssetAddress, "reference", req.Reference)
	case err != nil:
		s.log.Error("received deposit not credited", "asset", req.AssetAddress,
			"reference", req.Reference, "tx_ref", rcpt.TxRef, "err", err)
		return nil, fmt.Errorf("pool_service.DepositLiquidity: %w", err)
	default:
		s.log.Info("liquidity deposited",
			"asset", req.AssetAddress,
			"investor", req.InvestorAccount,
			"amount", req.Amount.String(),
		)
	}
	return s.repos.Pools.Get(ctx, req.AssetAddress)
}
