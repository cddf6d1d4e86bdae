package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/secrets"
)

// MaintenanceService houses destructive actions.
type MaintenanceService struct {
	DB      *sql.DB
	Secrets secrets.Store
}

// Reset wipes all user data and stored credentials. It keeps the schema intact.
func (s *MaintenanceService) Reset(ctx context.Context) error {
	if s.DB == nil {
		return fmt.Errorf("maintenance: db not configured")
	}
	var refs []string
	if err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT credential_ref FROM provider_connections")
		if err != nil {
			return err
		}
		for rows.Next() {
			var ref string
			if err := rows.Scan(&ref); err != nil {
				rows.Close()
				return err
			}
			refs = append(refs, ref)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		tables := []string{
			"portfolio_holdings",
			"transactions",
			"accounts",
			"provider_connections",
			"net_worth_snapshots",
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("reset table %s: %w", t, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if s.Secrets != nil {
		for _, ref := range refs {
			if _, err := s.Secrets.Delete(ref); err != nil {
				return fmt.Errorf("delete credential %s: %w", ref, err)
			}
		}
	}
	_, _ = s.DB.ExecContext(ctx, "VACUUM")
	return nil
}
