package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoRoundTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/items/get", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("page"))
		require.Equal(t, "app-key", r.Header.Get("X-App"))
		require.Equal(t, "signed", r.Header.Get("X-Sig"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "tok", in["access_token"])
		_ = json.NewEncoder(w).Encode(map[string]any{"count": 3})
	}))
	defer srv.Close()

	c := New(Config{Provider: "test", BaseURL: srv.URL + "/", Header: http.Header{"X-App": {"app-key"}}})
	var out struct {
		Count int `json:"count"`
	}
	err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "items/get",
		Query:  url.Values{"page": {"2"}},
		Body:   map[string]string{"access_token": "tok"},
		Signer: func(req *http.Request, body []byte) error {
			require.Contains(t, string(body), "access_token")
			req.Header.Set("X-Sig", "signed")
			return nil
		},
	}, &out)
	require.NoError(t, err)
	require.Equal(t, 3, out.Count)
}

func TestStatusErrorCarriesBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"ITEM_LOGIN_REQUIRED"}`))
	}))
	defer srv.Close()

	c := New(Config{Provider: "test", BaseURL: srv.URL})
	err := c.Do(context.Background(), Request{Path: "/x"}, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadRequest, se.Status)
	require.Contains(t, se.Body, "ITEM_LOGIN_REQUIRED")
	require.True(t, se.ClientError())
}

func TestBreakerOpensOnServerErrorsOnly(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := New(Config{Provider: "test", BaseURL: srv.URL, BreakerFailures: 2, BreakerCooldown: time.Minute})
	ctx := context.Background()

	// rejected requests never trip the breaker
	for i := 0; i < 3; i++ {
		require.Error(t, c.Do(ctx, Request{Path: "/x"}, nil))
	}
	require.Equal(t, int32(3), calls.Load())

	status.Store(http.StatusBadGateway)
	require.Error(t, c.Do(ctx, Request{Path: "/x"}, nil))
	require.Error(t, c.Do(ctx, Request{Path: "/x"}, nil))
	require.Equal(t, int32(5), calls.Load())

	err := c.Do(ctx, Request{Path: "/x"}, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, int32(5), calls.Load(), "open breaker must not reach upstream")
}

func TestAbsolutePathBypassesBaseURL(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/accounts", r.URL.Path)
		require.Equal(t, "abc", r.URL.Query().Get("starting_after"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{Provider: "test", BaseURL: "http://unused.invalid"})
	require.NoError(t, c.Do(context.Background(), Request{Path: srv.URL + "/v2/accounts?starting_after=abc"}, &struct{}{}))
}
