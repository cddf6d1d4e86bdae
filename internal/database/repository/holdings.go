package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HoldingRepo handles portfolio positions.
type HoldingRepo struct {
	db DBTX
}

func NewHoldingRepo(db DBTX) *HoldingRepo { return &HoldingRepo{db: db} }

// WithTx returns a repo bound to tx.
func (r *HoldingRepo) WithTx(tx *sql.Tx) *HoldingRepo { return &HoldingRepo{db: tx} }

// HoldingValue is quantity × price rounded to cents.
func HoldingValue(quantity, price decimal.Decimal) decimal.Decimal {
	return quantity.Mul(price).Round(2)
}

// Upsert writes a position keyed by (account_id, symbol) and derives its value.
func (r *HoldingRepo) Upsert(ctx context.Context, h Holding) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.Symbol = strings.ToUpper(strings.TrimSpace(h.Symbol))
	if h.AssetType == "" {
		h.AssetType = "stock"
	}
	h.Value = HoldingValue(h.Quantity, h.Price)
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO portfolio_holdings(id, account_id, symbol, quantity, price, value, asset_type, price_source, price_as_of, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(account_id, symbol) DO UPDATE SET
	 quantity=excluded.quantity,
	 price=excluded.price,
	 value=excluded.value,
	 asset_type=excluded.asset_type,
	 price_source=excluded.price_source,
	 price_as_of=excluded.price_as_of,
	 updated_at=CURRENT_TIMESTAMP;
	`, h.ID, h.AccountID, h.Symbol, h.Quantity, h.Price, h.Value, h.AssetType, h.PriceSource, h.PriceAsOf)
	return err
}

// ListByAccount returns positions for one account ordered by symbol.
func (r *HoldingRepo) ListByAccount(ctx context.Context, accountID string) ([]Holding, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, account_id, symbol, quantity, price, value, asset_type, price_source, price_as_of, updated_at
	FROM portfolio_holdings WHERE account_id = ? ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Holding
	for rows.Next() {
		var h Holding
		var source sql.NullString
		var asOf sql.NullTime
		if err := rows.Scan(&h.ID, &h.AccountID, &h.Symbol, &h.Quantity, &h.Price, &h.Value,
			&h.AssetType, &source, &asOf, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.PriceSource = nullable(source)
		h.PriceAsOf = nullableTime(asOf)
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteMissing removes positions of an account whose symbol is not in keep.
func (r *HoldingRepo) DeleteMissing(ctx context.Context, accountID string, keep []string) (int, error) {
	query := `DELETE FROM portfolio_holdings WHERE account_id = ?`
	args := []interface{}{accountID}
	if len(keep) > 0 {
		query += ` AND symbol NOT IN (?` + strings.Repeat(", ?", len(keep)-1) + `)`
		for _, s := range keep {
			args = append(args, strings.ToUpper(strings.TrimSpace(s)))
		}
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *HoldingRepo) Delete(ctx context.Context, accountID, symbol string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM portfolio_holdings WHERE account_id = ? AND symbol = ?`,
		accountID, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
