package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/secrets"
)

// SyncService reconciles provider data into the ledger.
type SyncService struct {
	DB           *sql.DB
	Accounts     *repository.AccountRepo
	Transactions *repository.TransactionRepo
	Holdings     *repository.HoldingRepo
	Connections  *repository.ConnectionRepo
	Secrets      secrets.Store
	Registry     *provider.Registry
	Logger       *logging.Logger
	Metrics      metrics.Collector
	// Concurrency bounds SyncAll. Zero means one connection at a time.
	Concurrency int
	Now         func() time.Time

	flight singleflight.Group
}

// SyncResult summarizes one SyncConnection run.
type SyncResult struct {
	ConnectionID string
	Provider     string
	Accounts     int
	Added        int
	Duplicates   int
	Modified     int
	Removed      int
	// Skipped counts transactions referencing an account the provider did not list.
	Skipped  int
	Holdings int
	// Warnings collects soft failures that did not stop the sync.
	Warnings []string
	SyncedAt time.Time
}

// SyncOutcome is one connection's share of a SyncAll run.
type SyncOutcome struct {
	ConnectionID string
	Result       SyncResult
	Err          error
}

// SyncConnection pulls accounts, transactions, balances and holdings for one
// connection. Concurrent calls for the same connection share a single run.
// A caller whose context ends returns early; the shared run is not tied to
// any one caller's cancellation and completes for the others.
// The stored cursor moves only after every write has committed.
func (s *SyncService) SyncConnection(ctx context.Context, connectionID string) (SyncResult, error) {
	ch := s.flight.DoChan(connectionID, func() (interface{}, error) {
		return s.syncConnection(context.WithoutCancel(ctx), connectionID)
	})
	select {
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return SyncResult{}, r.Err
		}
		return r.Val.(SyncResult), nil
	}
}

// SyncAll syncs every connection with bounded concurrency. A failing
// connection is reported in its outcome and does not stop the others.
func (s *SyncService) SyncAll(ctx context.Context) ([]SyncOutcome, error) {
	conns, err := s.Connections.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	out := make([]SyncOutcome, len(conns))
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, c := range conns {
		g.Go(func() error {
			res, err := s.SyncConnection(ctx, c.ID)
			out[i] = SyncOutcome{ConnectionID: c.ID, Result: res, Err: err}
			if err != nil {
				s.logger().Warn("connection sync failed",
					zap.String("connection", c.ID), zap.String("provider", c.Provider), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (s *SyncService) syncConnection(ctx context.Context, connectionID string) (res SyncResult, err error) {
	start := time.Now()
	conn, err := s.Connections.Get(ctx, connectionID)
	if err != nil {
		return res, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil {
		return res, fmt.Errorf("connection %s: %w", connectionID, ErrNotFound)
	}
	res.ConnectionID = conn.ID
	res.Provider = conn.Provider
	log := s.logger().With(zap.String("connection", conn.ID), zap.String("provider", conn.Provider))
	defer func() {
		metrics.OrNoOp(s.Metrics).RecordSync(conn.Provider, err == nil, time.Since(start),
			metrics.SyncRows{Added: res.Added, Modified: res.Modified, Removed: res.Removed})
	}()

	credential, ok, err := s.Secrets.Get(conn.CredentialRef)
	if err != nil {
		return res, fmt.Errorf("read credential: %w", err)
	}
	if !ok {
		return res, &MissingSecretError{ConnectionID: conn.ID, Provider: conn.Provider, Ref: conn.CredentialRef}
	}
	p, err := s.Registry.Create(conn.Provider, credential, MetaOf(conn))
	if err != nil {
		return res, err
	}

	var cursor provider.Cursor
	if conn.Cursor != nil {
		if cursor, err = provider.DecodeCursor(*conn.Cursor); err != nil {
			return res, fmt.Errorf("stored cursor: %w", err)
		}
	}

	upstream, err := p.Accounts(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch accounts: %w", err)
	}
	local := make(map[string]string, len(upstream))
	types := make(map[string]provider.AccountType, len(upstream))
	err = database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		accounts := s.Accounts.WithTx(tx)
		for _, a := range upstream {
			id, _, err := accounts.UpsertExternal(ctx, s.toAccount(conn, a))
			if err != nil {
				return fmt.Errorf("upsert account %s: %w", a.ExternalID, err)
			}
			local[a.ExternalID] = id
			types[id] = a.Type
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Accounts = len(local)

	page, err := p.Transactions(ctx, cursor)
	if err != nil {
		return res, fmt.Errorf("fetch transactions: %w", err)
	}
	err = database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		txns := s.Transactions.WithTx(tx)
		for _, t := range page.Added {
			accountID, ok := local[t.AccountExternalID]
			if !ok || t.ExternalID == "" {
				res.Skipped++
				continue
			}
			inserted, err := txns.InsertIgnore(ctx, toTransaction(conn.Provider, accountID, t))
			if err != nil {
				return fmt.Errorf("insert transaction %s: %w", t.ExternalID, err)
			}
			if inserted {
				res.Added++
			} else {
				res.Duplicates++
			}
		}
		for _, t := range page.Modified {
			accountID, ok := local[t.AccountExternalID]
			if !ok {
				res.Skipped++
				continue
			}
			updated, err := txns.UpdateByExternal(ctx, accountID, t.ExternalID, toTransaction(conn.Provider, accountID, t))
			if err != nil {
				return fmt.Errorf("update transaction %s: %w", t.ExternalID, err)
			}
			if updated {
				res.Modified++
			}
		}
		for _, id := range page.Removed {
			deleted, err := txns.DeleteByExternal(ctx, conn.Provider, id)
			if err != nil {
				return fmt.Errorf("remove transaction %s: %w", id, err)
			}
			if deleted {
				res.Removed++
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	balances, err := p.Balances(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch balances: %w", err)
	}
	for _, b := range balances {
		accountID, ok := local[b.AccountExternalID]
		if !ok {
			continue
		}
		if _, err := s.Accounts.UpdateBalance(ctx, accountID, b.Current.Round(2)); err != nil {
			return res, fmt.Errorf("update balance: %w", err)
		}
	}

	if p.Capabilities().Holdings {
		if hp, ok := p.(provider.HoldingsProvider); ok {
			n, herr := s.replaceHoldings(ctx, conn.Provider, hp, local, types)
			if herr != nil {
				log.Warn("holdings refresh failed", zap.Error(herr))
				res.Warnings = append(res.Warnings, "holdings: "+herr.Error())
			}
			res.Holdings = n
		}
	}

	var next *string
	if page.Next != nil {
		enc := provider.EncodeCursor(page.Next)
		next = &enc
	}
	res.SyncedAt = s.now()
	if err := s.Connections.AdvanceCursor(ctx, conn.ID, next, res.SyncedAt); err != nil {
		return res, fmt.Errorf("advance cursor: %w", err)
	}
	log.Info("sync complete",
		zap.Int("accounts", res.Accounts), zap.Int("added", res.Added), zap.Int("duplicates", res.Duplicates),
		zap.Int("modified", res.Modified), zap.Int("removed", res.Removed), zap.Int("skipped", res.Skipped),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// replaceHoldings writes the upstream positions of every investment or
// crypto account the provider listed and drops positions it no longer reports.
func (s *SyncService) replaceHoldings(ctx context.Context, source string, hp provider.HoldingsProvider,
	local map[string]string, types map[string]provider.AccountType) (int, error) {
	positions, err := hp.Holdings(ctx)
	if err != nil {
		return 0, err
	}
	byAccount := make(map[string][]provider.Holding)
	for _, h := range provider.MergeHoldings(positions) {
		if id, ok := local[h.AccountExternalID]; ok {
			byAccount[id] = append(byAccount[id], h)
		}
	}
	written := 0
	err = database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		holdings := s.Holdings.WithTx(tx)
		for id, typ := range types {
			if typ != provider.TypeInvestment && typ != provider.TypeCrypto && len(byAccount[id]) == 0 {
				continue
			}
			keep := make([]string, 0, len(byAccount[id]))
			for _, h := range byAccount[id] {
				err := holdings.Upsert(ctx, repository.Holding{
					AccountID:   id,
					Symbol:      h.Symbol,
					Quantity:    h.Quantity,
					Price:       h.Price,
					AssetType:   h.AssetType,
					PriceSource: &source,
					PriceAsOf:   h.PriceAsOf,
				})
				if err != nil {
					return fmt.Errorf("upsert holding %s: %w", h.Symbol, err)
				}
				keep = append(keep, h.Symbol)
				written++
			}
			if _, err := holdings.DeleteMissing(ctx, id, keep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s *SyncService) toAccount(conn *repository.Connection, a provider.Account) repository.Account {
	institution := a.Institution
	if institution == "" {
		institution = deref(conn.InstitutionName)
	}
	ext := a.ExternalID
	out := repository.Account{
		Name:         a.Name,
		Institution:  institution,
		AccountType:  string(a.Type),
		Currency:     a.Currency,
		Source:       conn.Provider,
		ExternalID:   &ext,
		ConnectionID: &conn.ID,
	}
	if a.Balance != nil {
		out.Balance = decimal.NewNullDecimal(a.Balance.Round(2))
	}
	return out
}

func toTransaction(source, accountID string, t provider.Transaction) repository.Transaction {
	ext := t.ExternalID
	return repository.Transaction{
		AccountID:   accountID,
		Amount:      t.Amount,
		Date:        t.Date,
		Currency:    t.Currency,
		Description: t.Description,
		Merchant:    optional(t.Merchant),
		Category:    optional(t.Category),
		Subcategory: optional(t.Subcategory),
		Type:        optional(t.Type),
		Source:      source,
		ExternalID:  &ext,
		Pending:     t.Pending,
	}
}

// MetaOf is the identity a provider instance is created with.
func MetaOf(c *repository.Connection) provider.ConnectionMeta {
	return provider.ConnectionMeta{
		ConnectionID:    c.ID,
		ItemID:          deref(c.ItemID),
		InstitutionID:   deref(c.InstitutionID),
		InstitutionName: deref(c.InstitutionName),
	}
}

func (s *SyncService) logger() *logging.Logger { return logging.OrNop(s.Logger) }

func (s *SyncService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return database.Now()
}
