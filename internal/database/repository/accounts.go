package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountRepo handles accounts.
type AccountRepo struct {
	db DBTX
}

func NewAccountRepo(db DBTX) *AccountRepo {
	return &AccountRepo{db: db}
}

// WithTx returns a repo bound to tx.
func (r *AccountRepo) WithTx(tx *sql.Tx) *AccountRepo { return &AccountRepo{db: tx} }

const accountColumns = `id, name, institution, account_type, currency, balance, source, external_id, connection_id, is_active, created_at, updated_at`

// AccountFilters narrows List.
type AccountFilters struct {
	ConnectionID string
	ActiveOnly   bool
}

// Insert creates a new account. An empty ID gets a fresh uuid.
func (r *AccountRepo) Insert(ctx context.Context, a Account) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Source == "" {
		a.Source = SourceManual
	}
	if a.Currency == "" {
		a.Currency = "USD"
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO accounts(id, name, institution, account_type, currency, balance, source, external_id, connection_id, is_active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, a.ID, a.Name, a.Institution, a.AccountType, a.Currency, a.Balance, a.Source, a.ExternalID, a.ConnectionID, a.IsActive)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// UpsertExternal reconciles a provider account on (source, external_id). An
// existing row keeps its id and only has its mutable fields refreshed.
func (r *AccountRepo) UpsertExternal(ctx context.Context, a Account) (id string, created bool, err error) {
	if a.ExternalID == nil || *a.ExternalID == "" {
		return "", false, errors.New("external id required")
	}
	existing, err := r.GetByExternal(ctx, a.Source, *a.ExternalID)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
		 name = ?, institution = ?, account_type = ?, currency = ?, balance = COALESCE(?, balance),
		 connection_id = COALESCE(?, connection_id), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		`, a.Name, a.Institution, a.AccountType, a.Currency, a.Balance, a.ConnectionID, existing.ID)
		if err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	}
	a.ID = ""
	a.IsActive = true
	id, err = r.Insert(ctx, a)
	return id, err == nil, err
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccountRow(row)
}

func (r *AccountRepo) GetByExternal(ctx context.Context, source, externalID string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE source = ? AND external_id = ?`, source, externalID)
	return scanAccountRow(row)
}

func (r *AccountRepo) List(ctx context.Context, f AccountFilters) ([]Account, error) {
	var where []string
	var args []interface{}
	if f.ConnectionID != "" {
		where = append(where, "connection_id = ?")
		args = append(args, f.ConnectionID)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateBalance sets the cached balance. It reports false when no row matched.
func (r *AccountRepo) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, balance, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *AccountRepo) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, active, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes an account; transactions and holdings cascade.
func (r *AccountRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *AccountRepo) CountByConnection(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE connection_id = ?`, connectionID).Scan(&n)
	return n, err
}

func scanAccountRow(row scanner) (*Account, error) {
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	var external, connection sql.NullString
	if err := row.Scan(&a.ID, &a.Name, &a.Institution, &a.AccountType, &a.Currency, &a.Balance,
		&a.Source, &external, &connection, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	a.ExternalID = nullable(external)
	a.ConnectionID = nullable(connection)
	return a, nil
}
