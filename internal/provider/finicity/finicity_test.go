package finicity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/provider/apiclient"
)

type fakeFinicity struct {
	mu        sync.Mutex
	authCalls int
	token     string
	requests  []*http.Request
	accounts  []map[string]any
	txnPages  map[string]map[string]any
}

func newFakeFinicity(t *testing.T) (*fakeFinicity, *Client, time.Time) {
	f := &fakeFinicity{token: "tok-1", txnPages: map[string]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests = append(f.requests, r)
		if r.Header.Get("Finicity-App-Key") != "app" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path == "/aggregation/v2/partners/authentication" {
			f.authCalls++
			f.token = "tok-" + strconv.Itoa(f.authCalls)
			_ = json.NewEncoder(w).Encode(map[string]string{"token": f.token})
			return
		}
		if r.Header.Get("Finicity-App-Token") != f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/aggregation/v1/customers/cust-1/accounts":
			_ = json.NewEncoder(w).Encode(map[string]any{"accounts": f.accounts})
		case r.URL.Path == "/aggregation/v3/customers/cust-1/transactions":
			_ = json.NewEncoder(w).Encode(f.txnPages[r.URL.Query().Get("start")])
		case r.URL.Path == "/institution/v2/institutions/101":
			_ = json.NewEncoder(w).Encode(map[string]any{"institution": map[string]any{"id": 101, "name": "FinBank"}})
		case r.URL.Path == "/aggregation/v1/customers/cust-1/institutionLogins/100" && r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(apiclient.New(apiclient.Config{Provider: Name, BaseURL: srv.URL}), Config{PartnerID: "p", Secret: "s", AppKey: "app"}, nil)
	c.now = func() time.Time { return now }
	f.accounts = []map[string]any{
		{"id": 1, "name": "Checking", "type": "checking", "balance": 1200.5, "currency": "usd", "institutionId": 101, "institutionLoginId": 100},
		{"id": "2", "name": "Card", "type": "creditCard", "balance": -300, "institutionId": 101, "institutionLoginId": 100},
		{"id": 3, "name": "Other bank", "type": "savings", "balance": 50, "institutionId": 102, "institutionLoginId": 200},
	}
	return f, c, now
}

func (f *fakeFinicity) lastQuery(path string) map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].URL.Path == path {
			return f.requests[i].URL.Query()
		}
	}
	return nil
}

func TestAccountsFilteredByLogin(t *testing.T) {
	t.Parallel()
	f, c, _ := newFakeFinicity(t)
	p, err := c.Factory()("cust-1", provider.ConnectionMeta{ItemID: "100", InstitutionName: "FinBank"})
	require.NoError(t, err)

	accts, err := p.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accts, 2)
	require.Equal(t, "1", accts[0].ExternalID)
	require.Equal(t, provider.TypeChecking, accts[0].Type)
	require.Equal(t, "USD", accts[0].Currency)
	require.Equal(t, provider.TypeCredit, accts[1].Type)

	bals, err := p.Balances(context.Background())
	require.NoError(t, err)
	require.Len(t, bals, 2)
	require.True(t, bals[1].Current.Equal(decimal.NewFromInt(-300)))

	f.mu.Lock()
	require.Equal(t, 1, f.authCalls, "partner token must be cached")
	f.mu.Unlock()
}

func TestTransactionsPaginateAndSynthesizeCursor(t *testing.T) {
	t.Parallel()
	f, c, now := newFakeFinicity(t)
	posted1 := time.Date(2026, 2, 20, 15, 0, 0, 0, time.UTC)
	posted2 := time.Date(2026, 2, 25, 9, 30, 0, 0, time.UTC)
	f.txnPages["1"] = map[string]any{"moreAvailable": true, "transactions": []any{
		map[string]any{"id": 11, "accountId": 1, "amount": -42.1, "postedDate": posted1.Unix(), "description": "GROCER", "status": "active",
			"categorization": map[string]string{"normalizedPayeeName": "Grocer", "category": "Groceries"}},
		map[string]any{"id": 31, "accountId": 3, "amount": -5, "postedDate": posted2.Unix()},
	}}
	f.txnPages["2"] = map[string]any{"moreAvailable": false, "transactions": []any{
		map[string]any{"id": 12, "accountId": "2", "amount": 1000, "postedDate": posted2.Unix(), "status": "pending", "memo": "Refund"},
	}}

	p, err := c.Factory()("cust-1", provider.ConnectionMeta{ItemID: "100"})
	require.NoError(t, err)
	since := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	page, err := p.Transactions(context.Background(), provider.TimestampCursor{At: since})
	require.NoError(t, err)

	require.Len(t, page.Added, 2, "other logins' accounts are filtered out")
	require.Empty(t, page.Modified)
	require.Empty(t, page.Removed)
	require.True(t, page.Added[0].Amount.Equal(decimal.RequireFromString("-42.1")), "no sign flip")
	require.Equal(t, "Groceries", page.Added[0].Category)
	require.Equal(t, "Grocer", page.Added[0].Merchant)
	require.True(t, page.Added[1].Pending)
	require.Equal(t, "Refund", page.Added[1].Description)
	require.Equal(t, provider.Cursor(provider.TimestampCursor{At: posted2}), page.Next)

	q := f.lastQuery("/aggregation/v3/customers/cust-1/transactions")
	require.Equal(t, strconv.FormatInt(since.Unix(), 10), q["fromDate"][0])
	require.Equal(t, strconv.FormatInt(now.Unix(), 10), q["toDate"][0])
}

func TestTransactionsDefaultLookbackAndEmptyWindow(t *testing.T) {
	t.Parallel()
	f, c, now := newFakeFinicity(t)
	f.txnPages["1"] = map[string]any{"moreAvailable": false, "transactions": []any{}}
	p, err := c.Factory()("cust-1", provider.ConnectionMeta{ItemID: "100"})
	require.NoError(t, err)

	page, err := p.Transactions(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, page.Next, "no transactions and no previous cursor keeps the cursor empty")
	q := f.lastQuery("/aggregation/v3/customers/cust-1/transactions")
	require.Equal(t, strconv.FormatInt(now.Add(-180*24*time.Hour).Unix(), 10), q["fromDate"][0])
}

func TestExpiredTokenIsRefreshedOnce(t *testing.T) {
	t.Parallel()
	f, c, _ := newFakeFinicity(t)
	p, err := c.Factory()("cust-1", provider.ConnectionMeta{ItemID: "100"})
	require.NoError(t, err)
	_, err = p.Accounts(context.Background())
	require.NoError(t, err)

	// upstream revokes the cached token
	f.mu.Lock()
	f.token = "rotated"
	f.mu.Unlock()

	_, err = p.Accounts(context.Background())
	require.NoError(t, err)
	f.mu.Lock()
	require.Equal(t, 2, f.authCalls)
	f.mu.Unlock()
}

func TestCompleteLinkGroupsByLogin(t *testing.T) {
	t.Parallel()
	f, c, _ := newFakeFinicity(t)
	out, err := c.CompleteLink(context.Background(), "cust-1")
	require.NoError(t, err)
	require.Equal(t, provider.LinkReady, out.Status)
	require.Len(t, out.Logins, 2)
	require.Equal(t, "100", out.Logins[0].Meta.ItemID)
	require.Equal(t, "101", out.Logins[0].Meta.InstitutionID)
	require.Equal(t, "FinBank", out.Logins[0].Meta.InstitutionName)
	require.Equal(t, "cust-1", out.Logins[0].Credential)
	require.Equal(t, provider.ScopeInstitution, out.Logins[0].Scope)
	require.NotNil(t, out.Logins[0].Release)
	require.NoError(t, out.Logins[0].Release(context.Background()))
	f.mu.Lock()
	last := f.requests[len(f.requests)-1]
	f.mu.Unlock()
	require.Equal(t, http.MethodDelete, last.Method)
	require.Equal(t, "/aggregation/v1/customers/cust-1/institutionLogins/100", last.URL.Path)
	require.Equal(t, "200", out.Logins[1].Meta.ItemID)
	require.Empty(t, out.Logins[1].Meta.InstitutionName, "failed name lookup is soft")

	f.mu.Lock()
	f.accounts = nil
	f.mu.Unlock()
	out, err = c.CompleteLink(context.Background(), "cust-1")
	require.NoError(t, err)
	require.Equal(t, provider.LinkWaiting, out.Status)
}

func TestDisconnectDeletesLogin(t *testing.T) {
	t.Parallel()
	_, c, _ := newFakeFinicity(t)
	p, err := c.Factory()("cust-1", provider.ConnectionMeta{ItemID: "100"})
	require.NoError(t, err)
	require.True(t, p.Capabilities().Disconnect)
	require.NoError(t, p.(provider.Disconnecter).Disconnect(context.Background()))
}
