package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/secrets"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	ctx       context.Context
	db        *sql.DB
	secrets   *secrets.MemoryStore
	registry  *provider.Registry
	sync      *SyncService
	link      *LinkService
	ledger    *LedgerService
	ingest    *IngestService
	portfolio *PortfolioService
	conns     *repository.ConnectionRepo
	accounts  *repository.AccountRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	accounts := repository.NewAccountRepo(db)
	txns := repository.NewTransactionRepo(db)
	holdings := repository.NewHoldingRepo(db)
	conns := repository.NewConnectionRepo(db)
	store := secrets.NewMemoryStore()
	registry := provider.NewRegistry()
	now := func() time.Time { return fixedNow }

	syncSvc := &SyncService{
		DB: db, Accounts: accounts, Transactions: txns, Holdings: holdings, Connections: conns,
		Secrets: store, Registry: registry, Concurrency: 2, Now: now,
	}
	return &testEnv{
		ctx:      ctx,
		db:       db,
		secrets:  store,
		registry: registry,
		sync:     syncSvc,
		link: &LinkService{
			Connections: conns, Secrets: store, Registry: registry, Sync: syncSvc,
			Preference: []string{"plaid", "finicity"},
		},
		ledger: &LedgerService{
			DB: db, Accounts: accounts, Transactions: txns, Connections: conns, Secrets: store, Registry: registry,
		},
		ingest:    &IngestService{DB: db, Transactions: txns, Accounts: accounts},
		portfolio: &PortfolioService{Accounts: accounts, Holdings: holdings, Snapshots: repository.NewSnapshotRepo(db), Now: now},
		conns:     conns,
		accounts:  accounts,
	}
}

// addConnection stores a connection row and its credential.
func (e *testEnv) addConnection(t *testing.T, providerName, credential string) string {
	t.Helper()
	ref := "conn-" + providerName + "-" + credential
	require.NoError(t, e.secrets.Set(ref, credential))
	id, err := e.conns.Insert(e.ctx, repository.Connection{Provider: providerName, CredentialRef: ref})
	require.NoError(t, err)
	return id
}

func (e *testEnv) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRowContext(e.ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeProvider serves canned data and records what the engine asked for.
type fakeProvider struct {
	mu sync.Mutex

	name        string
	caps        provider.Capabilities
	accounts    []provider.Account
	accountsErr error
	page        provider.TransactionPage
	balances    []provider.Balance
	balancesErr error
	holdings    []provider.Holding
	holdingsErr error

	// gate, when set, blocks Accounts until closed; entered is signalled first.
	gate    chan struct{}
	entered chan struct{}

	accountCalls int
	cursors      []provider.Cursor
	disconnects  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Capabilities() provider.Capabilities { return f.caps }

func (f *fakeProvider) Accounts(ctx context.Context) ([]provider.Account, error) {
	f.mu.Lock()
	f.accountCalls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts, f.accountsErr
}

func (f *fakeProvider) Transactions(ctx context.Context, cursor provider.Cursor) (provider.TransactionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	return f.page, nil
}

func (f *fakeProvider) Balances(context.Context) ([]provider.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances, f.balancesErr
}

func (f *fakeProvider) Holdings(context.Context) ([]provider.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holdings, f.holdingsErr
}

func (f *fakeProvider) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeProvider) set(fn func(*fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// register makes every Create of f.name return f.
func (e *testEnv) register(f *fakeProvider) {
	e.registry.Register(f.name, func(credential string, meta provider.ConnectionMeta) (provider.DataProvider, error) {
		return f, nil
	})
}

func checkingFake(name string) *fakeProvider {
	return &fakeProvider{
		name: name,
		accounts: []provider.Account{
			{ExternalID: "acc-1", Name: "Everyday", Institution: "Test Bank", Type: provider.TypeChecking, Currency: "USD"},
		},
		page: provider.TransactionPage{
			Added: []provider.Transaction{
				{ExternalID: "t-1", AccountExternalID: "acc-1", Amount: dec("-10.25"), Date: day("2026-02-01"), Description: "Coffee", Category: "Food"},
				{ExternalID: "t-2", AccountExternalID: "acc-1", Amount: dec("2000"), Date: day("2026-02-02"), Description: "Salary", Category: "Income"},
			},
			Next: provider.TokenCursor{Token: "c1"},
		},
		balances: []provider.Balance{{AccountExternalID: "acc-1", Current: dec("1989.75"), Currency: "USD"}},
	}
}
