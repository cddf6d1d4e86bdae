package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/provider/apiclient"
	"github.com/jask/moneysync/internal/provider/finicity"
)

type fakeDirect struct {
	name  string
	login provider.LinkedLogin
}

func (d fakeDirect) Name() string { return d.name }

func (d fakeDirect) LinkDirect(_ context.Context, credential string) (provider.LinkedLogin, error) {
	login := d.login
	login.Credential = credential
	return login, nil
}

type fakeHosted struct {
	name      string
	hits      []provider.Institution
	searchErr error
	outcome   provider.LinkOutcome
	started   []provider.Institution
}

func (h *fakeHosted) Name() string { return h.name }

func (h *fakeHosted) SearchInstitutions(context.Context, string) ([]provider.Institution, error) {
	return h.hits, h.searchErr
}

func (h *fakeHosted) StartLink(_ context.Context, inst provider.Institution) (provider.LinkStart, error) {
	h.started = append(h.started, inst)
	return provider.LinkStart{URL: "https://link.example/" + inst.ID, CompletionToken: "tok-" + inst.ID}, nil
}

func (h *fakeHosted) CompleteLink(context.Context, string) (provider.LinkOutcome, error) {
	return h.outcome, nil
}

func TestLinkDirect_DuplicateReturnsOriginal(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.register(checkingFake("exchange"))
	env.link.Direct = []provider.DirectLinker{fakeDirect{
		name:  "exchange",
		login: provider.LinkedLogin{Meta: provider.ConnectionMeta{InstitutionID: "exchange", InstitutionName: "Exchange"}, Scope: provider.ScopeProvider},
	}}

	first, err := env.link.LinkDirect(env.ctx, "exchange", "key-1")
	require.NoError(t, err)
	require.Equal(t, LinkComplete, first.Status)
	require.Len(t, first.Connections, 1)
	require.NotNil(t, first.Connections[0].Sync)
	require.Equal(t, 2, first.Connections[0].Sync.Added)

	second, err := env.link.LinkDirect(env.ctx, "Exchange", "key-2")
	require.NoError(t, err)
	require.Equal(t, LinkDuplicate, second.Status)
	require.Equal(t, first.Connections[0].ConnectionID, second.Connections[0].ConnectionID)
	require.Equal(t, 1, env.countRows(t, "provider_connections"))

	conn, err := env.conns.Get(env.ctx, first.Connections[0].ConnectionID)
	require.NoError(t, err)
	cred, ok, err := env.secrets.Get(conn.CredentialRef)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "key-1", cred)
}

func TestLinkDirect_ValidatesBeforeWriting(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	fake := checkingFake("exchange")
	fake.accountsErr = &provider.AuthError{Provider: "exchange", Message: "invalid api key"}
	env.register(fake)
	env.link.Direct = []provider.DirectLinker{fakeDirect{name: "exchange", login: provider.LinkedLogin{Scope: provider.ScopeProvider}}}

	_, err := env.link.LinkDirect(env.ctx, "exchange", "bad")
	var authErr *provider.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "invalid api key", authErr.Message)
	require.Zero(t, env.countRows(t, "provider_connections"))

	_, err = env.link.LinkDirect(env.ctx, "nope", "x")
	require.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestLinkComplete_DuplicateReleasesFreshLogin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.register(checkingFake("plaid"))
	released := 0
	login := provider.LinkedLogin{
		Credential: "access-1",
		Meta:       provider.ConnectionMeta{ItemID: "item-1", InstitutionID: "ins_1", InstitutionName: "First Bank"},
		Scope:      provider.ScopeInstitution,
		Release:    func(context.Context) error { released++; return nil },
	}
	hosted := &fakeHosted{name: "plaid", outcome: provider.LinkOutcome{Status: provider.LinkReady, Logins: []provider.LinkedLogin{login}}}
	env.link.Hosted = []provider.HostedLinker{hosted}

	first, err := env.link.Complete(env.ctx, "plaid", "tok")
	require.NoError(t, err)
	require.Equal(t, LinkComplete, first.Status)
	require.Zero(t, released)

	login.Meta.ItemID = "item-2"
	login.Credential = "access-2"
	hosted.outcome.Logins = []provider.LinkedLogin{login}
	second, err := env.link.Complete(env.ctx, "plaid", "tok")
	require.NoError(t, err)
	require.Equal(t, LinkDuplicate, second.Status)
	require.Equal(t, first.Connections[0].ConnectionID, second.Connections[0].ConnectionID)
	require.Equal(t, 1, released)
	require.Equal(t, 1, env.countRows(t, "provider_connections"))

	hosted.outcome = provider.LinkOutcome{Status: provider.LinkWaiting}
	waiting, err := env.link.Complete(env.ctx, "plaid", "tok")
	require.NoError(t, err)
	require.Equal(t, LinkWaiting, waiting.Status)
}

// newFinicityServer serves two customers who each linked institution 101
// under their own login.
func newFinicityServer(t *testing.T) (*finicity.Client, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var deleted []string
	logins := map[string]string{"cust-A": "100", "cust-B": "900"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/aggregation/v2/partners/authentication":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
		case r.URL.Path == "/institution/v2/institutions/101":
			_ = json.NewEncoder(w).Encode(map[string]any{"institution": map[string]any{"id": 101, "name": "FinBank"}})
		case r.Method == http.MethodDelete:
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			for cust, login := range logins {
				if r.URL.Path == "/aggregation/v1/customers/"+cust+"/accounts" {
					_ = json.NewEncoder(w).Encode(map[string]any{"accounts": []map[string]any{
						{"id": 1, "name": "Checking", "type": "checking", "balance": 10, "institutionId": 101, "institutionLoginId": login},
					}})
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	client := finicity.New(apiclient.New(apiclient.Config{Provider: finicity.Name, BaseURL: srv.URL}),
		finicity.Config{PartnerID: "p", Secret: "s", AppKey: "app"}, nil)
	return client, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), deleted...)
	}
}

func TestLinkComplete_RelinkThroughNewCustomerIsDuplicate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.register(checkingFake(finicity.Name))
	client, deleted := newFinicityServer(t)
	env.link.Hosted = []provider.HostedLinker{client}

	first, err := env.link.Complete(env.ctx, finicity.Name, "cust-A")
	require.NoError(t, err)
	require.Equal(t, LinkComplete, first.Status)
	require.Len(t, first.Connections, 1)
	require.Equal(t, "FinBank", first.Connections[0].InstitutionName)

	second, err := env.link.Complete(env.ctx, finicity.Name, "cust-B")
	require.NoError(t, err)
	require.Equal(t, LinkDuplicate, second.Status)
	require.Equal(t, first.Connections[0].ConnectionID, second.Connections[0].ConnectionID)
	require.Equal(t, 1, env.countRows(t, "provider_connections"))
	require.Equal(t, []string{"/aggregation/v1/customers/cust-B/institutionLogins/900"}, deleted())
}

func TestLinkComplete_SyncFailureKeepsConnection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	fake := checkingFake("finicity")
	fake.balancesErr = errors.New("balances down")
	env.register(fake)
	env.link.Hosted = []provider.HostedLinker{&fakeHosted{name: "finicity", outcome: provider.LinkOutcome{
		Status: provider.LinkReady,
		Logins: []provider.LinkedLogin{
			{Credential: "cust-1", Meta: provider.ConnectionMeta{ItemID: "login-1"}, Scope: provider.ScopeItem},
			{Credential: "cust-1", Meta: provider.ConnectionMeta{ItemID: "login-2"}, Scope: provider.ScopeItem},
		},
	}}}

	res, err := env.link.Complete(env.ctx, "finicity", "cust-1")
	require.NoError(t, err)
	require.Equal(t, LinkComplete, res.Status)
	require.Len(t, res.Connections, 2)
	require.Error(t, res.Connections[0].SyncError)
	require.Equal(t, "Test Bank", res.Connections[0].InstitutionName)
	require.Equal(t, 2, env.countRows(t, "provider_connections"))
}

func TestSearch_PreferenceAndSoftFailures(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	plaid := &fakeHosted{name: "plaid", hits: []provider.Institution{
		{ID: "ins_9", Name: "Chase Bank UK", Provider: "plaid"},
		{ID: "ins_3", Name: "Chase", Provider: "plaid"},
	}}
	finicity := &fakeHosted{name: "finicity", hits: []provider.Institution{{ID: "102", Name: "Chase", Provider: "finicity"}}}
	broken := &fakeHosted{name: "other", searchErr: errors.New("timeout")}
	env.link.Hosted = []provider.HostedLinker{finicity, broken, plaid}

	res, err := env.link.Search(env.ctx, "chase")
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)
	require.Equal(t, "plaid", res.Best.Provider)
	require.Equal(t, "ins_3", res.Best.ID)

	start, err := env.link.Start(env.ctx, res.Best)
	require.NoError(t, err)
	require.Equal(t, "tok-ins_3", start.CompletionToken)
	require.Len(t, plaid.started, 1)

	plaid.searchErr = errors.New("down")
	res, err = env.link.Search(env.ctx, "chase")
	require.NoError(t, err)
	require.Equal(t, "finicity", res.Best.Provider)

	finicity.hits = nil
	_, err = env.link.Search(env.ctx, "chase")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = env.link.Start(env.ctx, provider.Institution{Provider: "nope"})
	require.ErrorIs(t, err, provider.ErrUnknownProvider)
}
