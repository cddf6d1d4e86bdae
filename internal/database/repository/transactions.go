package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionFilters defines list filters.
type TransactionFilters struct {
	AccountID string
	Category  string
	From      time.Time // inclusive, zero = open
	To        time.Time // inclusive, zero = open
	Search    string
	Limit     int
}

// TransactionRepo handles transactions.
type TransactionRepo struct {
	db DBTX
}

func NewTransactionRepo(db DBTX) *TransactionRepo { return &TransactionRepo{db: db} }

// WithTx returns a repo bound to tx.
func (r *TransactionRepo) WithTx(tx *sql.Tx) *TransactionRepo { return &TransactionRepo{db: tx} }

const transactionColumns = `id, account_id, amount, date, currency, description, merchant, category, subcategory, txn_type, notes, source, external_id, pending, created_at, updated_at`

func prepareTransaction(t *Transaction) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Source == "" {
		t.Source = SourceManual
	}
	if t.Currency == "" {
		t.Currency = "USD"
	}
}

// Insert adds a row and fails on a uniqueness collision.
func (r *TransactionRepo) Insert(ctx context.Context, t Transaction) (string, error) {
	prepareTransaction(&t)
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO transactions(`+transactionColumns+`)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, insertArgs(t)...)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// InsertIgnore adds a row unless (source, external_id) already exists. The
// boolean reports whether a row was written; a collision is not an error.
func (r *TransactionRepo) InsertIgnore(ctx context.Context, t Transaction) (bool, error) {
	prepareTransaction(&t)
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO transactions(`+transactionColumns+`)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT(source, external_id) DO NOTHING;
	`, insertArgs(t)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func insertArgs(t Transaction) []interface{} {
	return []interface{}{
		t.ID, t.AccountID, t.Amount, t.Date.Format(time.DateOnly), t.Currency, t.Description,
		t.Merchant, t.Category, t.Subcategory, t.Type, t.Notes, t.Source, t.ExternalID, t.Pending,
	}
}

// UpdateByExternal applies a provider modification to the row matched by
// (account, external_id). It reports false when there is nothing to modify.
// Notes are user-owned and never overwritten.
func (r *TransactionRepo) UpdateByExternal(ctx context.Context, accountID, externalID string, t Transaction) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE transactions SET
	 amount = ?, date = ?, currency = ?, description = ?, merchant = ?, category = ?,
	 subcategory = ?, txn_type = ?, pending = ?, updated_at = CURRENT_TIMESTAMP
	WHERE account_id = ? AND external_id = ?
	`, t.Amount, t.Date.Format(time.DateOnly), t.Currency, t.Description, t.Merchant, t.Category,
		t.Subcategory, t.Type, t.Pending, accountID, externalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteByExternal removes the row keyed by (source, external_id), whichever account holds it.
func (r *TransactionRepo) DeleteByExternal(ctx context.Context, source, externalID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE source = ? AND external_id = ?`, source, externalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *TransactionRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *TransactionRepo) UpdateCategory(ctx context.Context, id string, category, subcategory *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE transactions SET category = ?, subcategory = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, category, subcategory, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *TransactionRepo) UpdateNotes(ctx context.Context, id string, notes *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE transactions SET notes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, notes, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *TransactionRepo) Get(ctx context.Context, id string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) List(ctx context.Context, f TransactionFilters) ([]Transaction, error) {
	var where []string
	var args []interface{}

	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if !f.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, f.From.Format(time.DateOnly))
	}
	if !f.To.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, f.To.Format(time.DateOnly))
	}
	if f.Search != "" {
		where = append(where, "(description LIKE ? OR merchant LIKE ?)")
		args = append(args, "%"+f.Search+"%", "%"+f.Search+"%")
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date DESC, created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SpendingSummary totals outflows per category over an inclusive date range.
// Totals are reported as positive amounts; inflows never contribute.
func (r *TransactionRepo) SpendingSummary(ctx context.Context, from, to time.Time) ([]CategorySpend, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT COALESCE(NULLIF(category, ''), 'Uncategorized') AS cat, SUM(amount), COUNT(*)
	FROM transactions
	WHERE amount < 0 AND date >= ? AND date <= ?
	GROUP BY cat
	ORDER BY SUM(amount) ASC, cat;
	`, from.Format(time.DateOnly), to.Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CategorySpend
	for rows.Next() {
		var cs CategorySpend
		var sum float64
		if err := rows.Scan(&cs.Category, &sum, &cs.Count); err != nil {
			return nil, err
		}
		cs.Total = decimal.NewFromFloat(sum).Neg().Round(2)
		out = append(out, cs)
	}
	return out, rows.Err()
}

func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var date string
	var merchant, category, subcategory, typ, notes, external sql.NullString
	if err := row.Scan(&t.ID, &t.AccountID, &t.Amount, &date, &t.Currency, &t.Description,
		&merchant, &category, &subcategory, &typ, &notes, &t.Source, &external, &t.Pending,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return Transaction{}, err
	}
	t.Date = d
	t.Merchant = nullable(merchant)
	t.Category = nullable(category)
	t.Subcategory = nullable(subcategory)
	t.Type = nullable(typ)
	t.Notes = nullable(notes)
	t.ExternalID = nullable(external)
	return t, nil
}
