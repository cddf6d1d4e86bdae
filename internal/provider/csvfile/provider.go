package csvfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/provider"
)

// Name is the registry name and ledger source of linked CSV files.
const Name = "csv"

// Source is the ledger source of rows imported once with ImportCSV.
const Source = "csv-import"

// AccountKey identifies the ledger account a file feeds.
func AccountKey(path string) string {
	sum := sha256.Sum256([]byte(path))
	return "file:" + hex.EncodeToString(sum[:8])
}

// Linker links a local file. The credential is the file path.
type Linker struct{}

func (Linker) Name() string { return Name }

func (Linker) LinkDirect(_ context.Context, credential string) (provider.LinkedLogin, error) {
	path, err := filepath.Abs(strings.TrimSpace(credential))
	if err != nil {
		return provider.LinkedLogin{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return provider.LinkedLogin{}, fmt.Errorf("csv file: %w", err)
	}
	if info.IsDir() {
		return provider.LinkedLogin{}, fmt.Errorf("csv file: %s is a directory", path)
	}
	return provider.LinkedLogin{
		Credential: path,
		Meta: provider.ConnectionMeta{
			InstitutionID:   AccountKey(path),
			InstitutionName: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		},
		Scope: provider.ScopeInstitution,
	}, nil
}

// Factory builds file providers. The file is read on every sync.
func Factory(opts Options, logger *logging.Logger) provider.Factory {
	logger = logging.OrNop(logger).Named(Name)
	return func(credential string, meta provider.ConnectionMeta) (provider.DataProvider, error) {
		if credential == "" {
			return nil, fmt.Errorf("%s: empty file path", Name)
		}
		return &File{path: credential, meta: meta, opts: opts, logger: logger}, nil
	}
}

// File is a linked CSV file. It has no cursor: each sync re-reads the whole
// file and reports every row as added.
type File struct {
	path   string
	meta   provider.ConnectionMeta
	opts   Options
	logger *logging.Logger
}

func (f *File) Name() string { return Name }

func (f *File) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (f *File) account() provider.Account {
	name := f.meta.InstitutionName
	if name == "" {
		name = filepath.Base(f.path)
	}
	return provider.Account{
		ExternalID:  AccountKey(f.path),
		Name:        name,
		Institution: name,
		Type:        provider.TypeChecking,
		Currency:    "USD",
	}
}

func (f *File) Accounts(ctx context.Context) ([]provider.Account, error) {
	if _, err := os.Stat(f.path); err != nil {
		return nil, fmt.Errorf("csv file: %w", err)
	}
	return []provider.Account{f.account()}, nil
}

func (f *File) Transactions(ctx context.Context, _ provider.Cursor) (provider.TransactionPage, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return provider.TransactionPage{}, fmt.Errorf("csv file: %w", err)
	}
	defer fh.Close()

	rows, rowErrs, err := Parse(fh, f.opts)
	if err != nil {
		return provider.TransactionPage{}, fmt.Errorf("parse %s: %w", f.path, err)
	}
	for _, re := range rowErrs {
		f.logger.Warn("row skipped", zap.String("file", f.path), zap.Int("line", re.Line), zap.Error(re.Err))
	}

	key := AccountKey(f.path)
	ids := ExternalIDs(key, rows)
	page := provider.TransactionPage{Added: make([]provider.Transaction, 0, len(rows))}
	for i, r := range rows {
		page.Added = append(page.Added, provider.Transaction{
			ExternalID:        ids[i],
			AccountExternalID: key,
			Amount:            r.Amount,
			Date:              r.Date,
			Currency:          "USD",
			Description:       r.Description,
			Category:          r.Category,
			Subcategory:       r.Subcategory,
		})
	}
	return page, nil
}

// Balances is empty: a statement file carries no balance.
func (f *File) Balances(context.Context) ([]provider.Balance, error) { return nil, nil }
