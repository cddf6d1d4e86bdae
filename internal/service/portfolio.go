package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/provider"
)

// PortfolioService computes net worth and keeps its snapshot history.
type PortfolioService struct {
	Accounts  *repository.AccountRepo
	Holdings  *repository.HoldingRepo
	Snapshots *repository.SnapshotRepo
	Now       func() time.Time
}

// NetWorth is a point-in-time valuation. Liabilities are positive amounts.
type NetWorth struct {
	TotalAssets      decimal.Decimal
	TotalLiabilities decimal.Decimal
	NetWorth         decimal.Decimal
	Lines            []repository.SnapshotLine
}

// NetWorth values every active account. Investment and crypto accounts with
// positions are valued from the positions, recomputed on each call; all other
// accounts use their cached balance, with no balance counting as zero.
// Amounts are rounded to cents only once summed.
func (s *PortfolioService) NetWorth(ctx context.Context) (NetWorth, error) {
	accounts, err := s.Accounts.List(ctx, repository.AccountFilters{ActiveOnly: true})
	if err != nil {
		return NetWorth{}, err
	}
	nw := NetWorth{TotalAssets: decimal.Zero, TotalLiabilities: decimal.Zero}
	for _, a := range accounts {
		value := decimal.Zero
		if a.Balance.Valid {
			value = a.Balance.Decimal
		}
		typ := provider.ParseAccountType(a.AccountType)
		if typ == provider.TypeInvestment || typ == provider.TypeCrypto {
			positions, err := s.Holdings.ListByAccount(ctx, a.ID)
			if err != nil {
				return NetWorth{}, fmt.Errorf("holdings of %s: %w", a.Name, err)
			}
			if len(positions) > 0 {
				value = decimal.Zero
				for _, h := range positions {
					value = value.Add(h.Quantity.Mul(h.Price))
				}
			}
		}
		line := repository.SnapshotLine{
			AccountID:   a.ID,
			Name:        a.Name,
			AccountType: string(typ),
			Liability:   typ.IsLiability(),
		}
		if line.Liability {
			value = value.Abs()
			nw.TotalLiabilities = nw.TotalLiabilities.Add(value)
		} else {
			nw.TotalAssets = nw.TotalAssets.Add(value)
		}
		line.Value = value.Round(2)
		nw.Lines = append(nw.Lines, line)
	}
	nw.TotalAssets = nw.TotalAssets.Round(2)
	nw.TotalLiabilities = nw.TotalLiabilities.Round(2)
	nw.NetWorth = nw.TotalAssets.Sub(nw.TotalLiabilities).Round(2)
	return nw, nil
}

// Snapshot computes net worth and stores it.
func (s *PortfolioService) Snapshot(ctx context.Context) (repository.Snapshot, error) {
	nw, err := s.NetWorth(ctx)
	if err != nil {
		return repository.Snapshot{}, err
	}
	snap := repository.Snapshot{
		TakenAt:          s.now(),
		TotalAssets:      nw.TotalAssets,
		TotalLiabilities: nw.TotalLiabilities,
		NetWorth:         nw.NetWorth,
		Breakdown:        nw.Lines,
	}
	id, err := s.Snapshots.Add(ctx, snap)
	if err != nil {
		return repository.Snapshot{}, fmt.Errorf("store snapshot: %w", err)
	}
	snap.ID = id
	return snap, nil
}

// History lists stored snapshots, newest first.
func (s *PortfolioService) History(ctx context.Context, limit int) ([]repository.Snapshot, error) {
	return s.Snapshots.History(ctx, limit)
}

// UpsertHolding records a manually tracked position.
func (s *PortfolioService) UpsertHolding(ctx context.Context, accountID, symbol string, quantity, price decimal.Decimal, assetType string) error {
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("symbol required")
	}
	acct, err := s.Accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	source := repository.SourceManual
	asOf := s.now()
	return s.Holdings.Upsert(ctx, repository.Holding{
		AccountID:   acct.ID,
		Symbol:      symbol,
		Quantity:    quantity,
		Price:       price,
		AssetType:   assetType,
		PriceSource: &source,
		PriceAsOf:   &asOf,
	})
}

// DeleteHolding removes a position from an account.
func (s *PortfolioService) DeleteHolding(ctx context.Context, accountID, symbol string) error {
	ok, err := s.Holdings.Delete(ctx, accountID, symbol)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("holding %s in account %s: %w", strings.ToUpper(strings.TrimSpace(symbol)), accountID, ErrNotFound)
	}
	return nil
}

func (s *PortfolioService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return database.Now()
}
