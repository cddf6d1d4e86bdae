package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DuplicateKey selects which stable identifier decides that a connection already exists.
type DuplicateKey int

const (
	// KeyItem matches on the server-assigned item id.
	KeyItem DuplicateKey = iota
	// KeyInstitution matches on the provider's institution id (or item id).
	KeyInstitution
	// KeyProvider matches any connection of the provider.
	KeyProvider
)

// ConnectionRepo handles provider connections.
type ConnectionRepo struct {
	db DBTX
}

func NewConnectionRepo(db DBTX) *ConnectionRepo { return &ConnectionRepo{db: db} }

// WithTx returns a repo bound to tx.
func (r *ConnectionRepo) WithTx(tx *sql.Tx) *ConnectionRepo { return &ConnectionRepo{db: tx} }

const connectionColumns = `id, provider, item_id, institution_id, institution_name, credential_ref, cursor, last_synced_at, created_at`

func (r *ConnectionRepo) Insert(ctx context.Context, c Connection) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO provider_connections(id, provider, item_id, institution_id, institution_name, credential_ref, cursor, last_synced_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, c.ID, c.Provider, c.ItemID, c.InstitutionID, c.InstitutionName, c.CredentialRef, c.Cursor, c.LastSyncedAt)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (r *ConnectionRepo) Get(ctx context.Context, id string) (*Connection, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM provider_connections WHERE id = ?`, id)
	return scanConnectionRow(row)
}

func (r *ConnectionRepo) List(ctx context.Context) ([]Connection, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM provider_connections ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindExisting returns the connection that already represents the given
// institution for provider, or nil.
func (r *ConnectionRepo) FindExisting(ctx context.Context, provider string, key DuplicateKey, itemID, institutionID string) (*Connection, error) {
	var row *sql.Row
	switch key {
	case KeyProvider:
		row = r.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM provider_connections WHERE provider = ? ORDER BY created_at LIMIT 1`, provider)
	case KeyItem:
		if itemID == "" {
			return nil, nil
		}
		row = r.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM provider_connections WHERE provider = ? AND item_id = ? LIMIT 1`, provider, itemID)
	case KeyInstitution:
		if itemID == "" && institutionID == "" {
			return nil, nil
		}
		row = r.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM provider_connections
		WHERE provider = ? AND ((? != '' AND institution_id = ?) OR (? != '' AND item_id = ?))
		ORDER BY created_at LIMIT 1`, provider, institutionID, institutionID, itemID, itemID)
	default:
		return nil, errors.New("unknown duplicate key")
	}
	return scanConnectionRow(row)
}

// AdvanceCursor stores the provider cursor and sync time in one statement.
func (r *ConnectionRepo) AdvanceCursor(ctx context.Context, id string, cursor *string, syncedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE provider_connections SET cursor = ?, last_synced_at = ? WHERE id = ?`, cursor, syncedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes the connection; owned accounts cascade.
func (r *ConnectionRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM provider_connections WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanConnectionRow(row scanner) (*Connection, error) {
	c, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func scanConnection(row scanner) (Connection, error) {
	var c Connection
	var item, instID, instName, cursor sql.NullString
	var synced sql.NullTime
	if err := row.Scan(&c.ID, &c.Provider, &item, &instID, &instName, &c.CredentialRef, &cursor, &synced, &c.CreatedAt); err != nil {
		return Connection{}, err
	}
	c.ItemID = nullable(item)
	c.InstitutionID = nullable(instID)
	c.InstitutionName = nullable(instName)
	c.Cursor = nullable(cursor)
	c.LastSyncedAt = nullableTime(synced)
	return c, nil
}
