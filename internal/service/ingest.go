package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"slices"

	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/provider/csvfile"
)

// IngestService handles one-off CSV imports into an existing account and
// CSV export of the ledger.
type IngestService struct {
	DB           *sql.DB
	Transactions *repository.TransactionRepo
	Accounts     *repository.AccountRepo
	Options      csvfile.Options
}

type IngestResult struct {
	Imported int
	Skipped  int
	Errors   []error
}

// ImportCSV adds the rows of r to accountID. Rows already imported are
// skipped, so importing the same file twice changes nothing.
func (s *IngestService) ImportCSV(ctx context.Context, accountID string, r io.Reader) (IngestResult, error) {
	res := IngestResult{}
	acct, err := s.Accounts.Get(ctx, accountID)
	if err != nil {
		return res, err
	}
	if acct == nil {
		return res, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	rows, rowErrs, err := csvfile.Parse(r, s.Options)
	if err != nil {
		return res, err
	}
	for i := range rowErrs {
		res.Errors = append(res.Errors, rowErrs[i])
	}
	ids := csvfile.ExternalIDs(acct.ID, rows)
	err = database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		txns := s.Transactions.WithTx(tx)
		for i, row := range rows {
			inserted, err := txns.InsertIgnore(ctx, repository.Transaction{
				AccountID:   acct.ID,
				Amount:      row.Amount,
				Date:        row.Date,
				Currency:    acct.Currency,
				Description: row.Description,
				Category:    optional(row.Category),
				Subcategory: optional(row.Subcategory),
				Notes:       optional(row.Notes),
				Source:      csvfile.Source,
				ExternalID:  &ids[i],
			})
			if err != nil {
				return fmt.Errorf("line %d: %w", row.Line, err)
			}
			if inserted {
				res.Imported++
			} else {
				res.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	return res, nil
}

// ExportCSV writes matching transactions oldest first and returns how many
// rows were written.
func (s *IngestService) ExportCSV(ctx context.Context, w io.Writer, f repository.TransactionFilters) (int, error) {
	txns, err := s.Transactions.List(ctx, f)
	if err != nil {
		return 0, err
	}
	slices.Reverse(txns)
	rows := make([]csvfile.Row, 0, len(txns))
	for _, t := range txns {
		rows = append(rows, csvfile.Row{
			Date:        t.Date,
			Amount:      t.Amount,
			Description: t.Description,
			Category:    deref(t.Category),
			Subcategory: deref(t.Subcategory),
			Notes:       deref(t.Notes),
		})
	}
	if err := csvfile.Write(w, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}
