package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/provider/apiclient"
)

const testCred = `{"api_key":"key-1","api_secret":"shh"}`

func newFakeExchange(t *testing.T) (*Client, time.Time) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get("CB-ACCESS-TIMESTAMP")
		mac := hmac.New(sha256.New, []byte("shh"))
		mac.Write([]byte(ts + r.Method + r.URL.RequestURI()))
		if r.Header.Get("CB-ACCESS-KEY") != "key-1" || r.Header.Get("CB-ACCESS-SIGN") != hex.EncodeToString(mac.Sum(nil)) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":[{"id":"authentication_error","message":"invalid signature"}]}`))
			return
		}
		var out any
		switch {
		case r.URL.Path == "/v2/accounts" && r.URL.Query().Get("starting_after") == "":
			out = map[string]any{
				"pagination": map[string]string{"next_uri": "/v2/accounts?limit=100&starting_after=btc"},
				"data": []any{
					map[string]any{"id": "btc", "balance": map[string]string{"amount": "0.5", "currency": "BTC"},
						"native_balance": map[string]string{"amount": "30000.00", "currency": "USD"}, "updated_at": "2026-02-20T00:00:00Z"},
					map[string]any{"id": "doge", "balance": map[string]string{"amount": "0", "currency": "DOGE"},
						"native_balance": map[string]string{"amount": "0", "currency": "USD"}, "updated_at": "2020-01-01T00:00:00Z"},
				},
			}
		case r.URL.Path == "/v2/accounts":
			out = map[string]any{
				"pagination": map[string]any{"next_uri": nil},
				"data": []any{
					map[string]any{"id": "usd", "balance": map[string]string{"amount": "125.50", "currency": "USD"},
						"native_balance": map[string]string{"amount": "125.50", "currency": "USD"}, "updated_at": "2026-02-01T00:00:00Z"},
				},
			}
		case r.URL.Path == "/v2/accounts/btc/transactions":
			out = map[string]any{
				"pagination": map[string]any{"next_uri": "/v2/accounts/btc/transactions?order=desc&limit=100&starting_after=t2"},
				"data": []any{
					map[string]any{"id": "t3", "type": "buy", "status": "completed", "created_at": "2026-02-25T10:00:00Z",
						"native_amount": map[string]string{"amount": "1000.00", "currency": "USD"}, "details": map[string]string{"title": "Bought Bitcoin"}},
					map[string]any{"id": "t2", "type": "send", "status": "pending", "created_at": "2026-02-10T10:00:00Z",
						"native_amount": map[string]string{"amount": "-250.00", "currency": "USD"}, "details": map[string]string{"title": "Sent Bitcoin", "subtitle": "to wallet"}},
				},
			}
			if r.URL.Query().Get("starting_after") == "t2" {
				out = map[string]any{"data": []any{
					map[string]any{"id": "t1", "type": "buy", "created_at": "2025-01-01T00:00:00Z", "native_amount": map[string]string{"amount": "5", "currency": "USD"}},
				}}
			}
		case r.URL.Path == "/v2/accounts/usd/transactions":
			out = map[string]any{"data": []any{}}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	c := New(apiclient.New(apiclient.Config{Provider: Name, BaseURL: srv.URL}), Config{}, nil)
	c.now = func() time.Time { return now }
	return c, now
}

func TestAccountsIsOneCryptoAccount(t *testing.T) {
	t.Parallel()
	c, _ := newFakeExchange(t)
	p, err := c.Factory()(testCred, provider.ConnectionMeta{})
	require.NoError(t, err)

	accts, err := p.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accts, 1)
	require.Equal(t, provider.TypeCrypto, accts[0].Type)
	require.True(t, accts[0].Balance.Equal(decimal.RequireFromString("30125.50")))
	require.True(t, strings.HasPrefix(accts[0].ExternalID, "coinbase:"))
	require.NotContains(t, accts[0].ExternalID, "key-1")
}

func TestTransactionsStopAtWindowStart(t *testing.T) {
	t.Parallel()
	c, _ := newFakeExchange(t)
	p, err := c.Factory()(testCred, provider.ConnectionMeta{})
	require.NoError(t, err)

	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	page, err := p.Transactions(context.Background(), provider.TimestampCursor{At: since})
	require.NoError(t, err)
	require.Len(t, page.Added, 2, "t1 is older than the window")
	require.Equal(t, "t3", page.Added[0].ExternalID)
	require.True(t, page.Added[1].Amount.Equal(decimal.NewFromInt(-250)))
	require.True(t, page.Added[1].Pending)
	require.Equal(t, "Sent Bitcoin to wallet", page.Added[1].Description)
	require.Equal(t, provider.Cursor(provider.TimestampCursor{At: time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)}), page.Next)
}

func TestHoldingsPerFundedWallet(t *testing.T) {
	t.Parallel()
	c, _ := newFakeExchange(t)
	p, err := c.Factory()(testCred, provider.ConnectionMeta{})
	require.NoError(t, err)
	require.True(t, p.Capabilities().Holdings)
	require.False(t, p.Capabilities().Disconnect)

	holds, err := p.(provider.HoldingsProvider).Holdings(context.Background())
	require.NoError(t, err)
	require.Len(t, holds, 2)
	require.Equal(t, "BTC", holds[0].Symbol)
	require.True(t, holds[0].Price.Equal(decimal.NewFromInt(60000)))
	require.Equal(t, "crypto", holds[0].AssetType)
	require.Equal(t, "USD", holds[1].Symbol)
	require.Equal(t, "cash", holds[1].AssetType)
}

func TestBadSignatureIsAuthError(t *testing.T) {
	t.Parallel()
	c, _ := newFakeExchange(t)
	p, err := c.Factory()(`{"api_key":"key-1","api_secret":"wrong"}`, provider.ConnectionMeta{})
	require.NoError(t, err)
	_, err = p.Accounts(context.Background())
	var auth *provider.AuthError
	require.ErrorAs(t, err, &auth)
	require.Contains(t, auth.Message, "invalid signature")
}

func TestLinkDirect(t *testing.T) {
	t.Parallel()
	c, _ := newFakeExchange(t)
	login, err := c.LinkDirect(context.Background(), ` {"api_key":" key-1 ","api_secret":"shh"} `)
	require.NoError(t, err)
	require.Equal(t, provider.ScopeProvider, login.Scope)
	cred, err := ParseCredential(login.Credential)
	require.NoError(t, err)
	require.Equal(t, "key-1", cred.APIKey)

	_, err = c.LinkDirect(context.Background(), `{"api_key":"only"}`)
	require.Error(t, err)
	_, err = c.LinkDirect(context.Background(), "not json")
	require.Error(t, err)
}
