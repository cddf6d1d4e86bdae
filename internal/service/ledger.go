package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/secrets"
)

// LedgerService covers manual bookkeeping and connection removal.
type LedgerService struct {
	DB           *sql.DB
	Accounts     *repository.AccountRepo
	Transactions *repository.TransactionRepo
	Connections  *repository.ConnectionRepo
	Secrets      secrets.Store
	Registry     *provider.Registry
	Logger       *logging.Logger
}

// NewAccount describes a manually tracked account.
type NewAccount struct {
	Name        string
	Institution string
	Type        provider.AccountType
	Currency    string
	Balance     *decimal.Decimal
}

// NewTransaction describes a manually entered transaction.
type NewTransaction struct {
	AccountID   string
	Amount      decimal.Decimal
	Date        time.Time
	Description string
	Category    string
	Subcategory string
	Notes       string
}

func (s *LedgerService) CreateAccount(ctx context.Context, in NewAccount) (string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", fmt.Errorf("account name required")
	}
	typ := in.Type
	if typ == "" {
		typ = provider.TypeOther
	}
	a := repository.Account{
		Name:        name,
		Institution: strings.TrimSpace(in.Institution),
		AccountType: string(typ),
		Currency:    strings.ToUpper(strings.TrimSpace(in.Currency)),
		Source:      repository.SourceManual,
		IsActive:    true,
	}
	if in.Balance != nil {
		a.Balance = decimal.NewNullDecimal(in.Balance.Round(2))
	}
	return s.Accounts.Insert(ctx, a)
}

func (s *LedgerService) ListAccounts(ctx context.Context) ([]repository.Account, error) {
	return s.Accounts.List(ctx, repository.AccountFilters{})
}

func (s *LedgerService) ListConnections(ctx context.Context) ([]repository.Connection, error) {
	return s.Connections.List(ctx)
}

func (s *LedgerService) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	ok, err := s.Accounts.UpdateBalance(ctx, accountID, balance.Round(2))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (s *LedgerService) AddTransaction(ctx context.Context, in NewTransaction) (string, error) {
	acct, err := s.Accounts.Get(ctx, in.AccountID)
	if err != nil {
		return "", err
	}
	if acct == nil {
		return "", fmt.Errorf("account %s: %w", in.AccountID, ErrNotFound)
	}
	if in.Date.IsZero() {
		return "", fmt.Errorf("transaction date required")
	}
	return s.Transactions.Insert(ctx, repository.Transaction{
		AccountID:   acct.ID,
		Amount:      in.Amount.Round(2),
		Date:        in.Date,
		Currency:    acct.Currency,
		Description: strings.TrimSpace(in.Description),
		Category:    optional(in.Category),
		Subcategory: optional(in.Subcategory),
		Notes:       optional(in.Notes),
		Source:      repository.SourceManual,
	})
}

// SetAccountActive hides or restores an account. Inactive accounts keep
// syncing but drop out of net worth and the default account listing.
func (s *LedgerService) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	ok, err := s.Accounts.SetActive(ctx, accountID, active)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (s *LedgerService) ListTransactions(ctx context.Context, f repository.TransactionFilters) ([]repository.Transaction, error) {
	return s.Transactions.List(ctx, f)
}

// Recategorize sets a transaction's category. An empty category clears both
// category and subcategory.
func (s *LedgerService) Recategorize(ctx context.Context, txnID, category, subcategory string) error {
	category = strings.TrimSpace(category)
	if category == "" {
		subcategory = ""
	}
	ok, err := s.Transactions.UpdateCategory(ctx, txnID, optional(category), optional(strings.TrimSpace(subcategory)))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %s: %w", txnID, ErrNotFound)
	}
	return nil
}

// SetNotes replaces a transaction's notes. Provider updates never touch them.
func (s *LedgerService) SetNotes(ctx context.Context, txnID, notes string) error {
	ok, err := s.Transactions.UpdateNotes(ctx, txnID, optional(strings.TrimSpace(notes)))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %s: %w", txnID, ErrNotFound)
	}
	return nil
}

// DeleteTransaction removes one row. A provider row that is still upstream
// comes back only if its cursor is replayed.
func (s *LedgerService) DeleteTransaction(ctx context.Context, txnID string) error {
	ok, err := s.Transactions.Delete(ctx, txnID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %s: %w", txnID, ErrNotFound)
	}
	return nil
}

// DeleteAccount removes an account with its transactions and holdings. When
// it was the last account of a connection, the connection goes too.
func (s *LedgerService) DeleteAccount(ctx context.Context, accountID string) error {
	acct, err := s.Accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if _, err := s.Accounts.Delete(ctx, acct.ID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if acct.ConnectionID == nil {
		return nil
	}
	left, err := s.Accounts.CountByConnection(ctx, *acct.ConnectionID)
	if err != nil {
		return err
	}
	if left > 0 {
		return nil
	}
	return s.RemoveConnection(ctx, *acct.ConnectionID)
}

// RemoveConnection revokes upstream access where the provider supports it,
// deletes the stored credential and removes the connection with every
// account it owns. A failed revoke is logged and does not stop removal.
func (s *LedgerService) RemoveConnection(ctx context.Context, connectionID string) error {
	conn, err := s.Connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("connection %s: %w", connectionID, ErrNotFound)
	}
	log := logging.OrNop(s.Logger).With(zap.String("connection", conn.ID), zap.String("provider", conn.Provider))

	credential, ok, err := s.Secrets.Get(conn.CredentialRef)
	switch {
	case err != nil || !ok:
		log.Warn("skipping upstream revoke", zap.String("reason", "credential_unavailable"), zap.Error(err))
	default:
		s.revoke(ctx, log, conn, credential)
	}

	if _, err := s.Secrets.Delete(conn.CredentialRef); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if _, err := s.Connections.Delete(ctx, conn.ID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	log.Info("connection removed")
	return nil
}

func (s *LedgerService) revoke(ctx context.Context, log *logging.Logger, conn *repository.Connection, credential string) {
	p, err := s.Registry.Create(conn.Provider, credential, MetaOf(conn))
	if err != nil {
		log.Warn("skipping upstream revoke", zap.String("reason", "provider_unavailable"), zap.Error(err))
		return
	}
	if !p.Capabilities().Disconnect {
		return
	}
	d, ok := p.(provider.Disconnecter)
	if !ok {
		return
	}
	if err := d.Disconnect(ctx); err != nil {
		log.Warn("upstream revoke failed", zap.String("reason", "revoke_failed"), zap.Error(err))
	}
}

// SpendingSummary totals outflows per category between from and to, inclusive.
func (s *LedgerService) SpendingSummary(ctx context.Context, from, to time.Time) ([]repository.CategorySpend, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("spending summary: %s is before %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	return s.Transactions.SpendingSummary(ctx, from, to)
}
