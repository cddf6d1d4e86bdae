// Package finicity talks to a Finicity-style aggregation API. One customer id
// can carry several institution logins; each login is its own connection.
package finicity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/provider/apiclient"
)

const Name = "finicity"

// partner tokens live two hours upstream
const tokenTTL = 90 * time.Minute

type Config struct {
	PartnerID string
	Secret    string
	AppKey    string
	Lookback  time.Duration
}

// Client holds partner credentials and the cached partner token. It is
// shared by every connection.
type Client struct {
	api    *apiclient.Client
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func New(api *apiclient.Client, cfg Config, logger *logging.Logger) *Client {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 180 * 24 * time.Hour
	}
	return &Client{api: api, cfg: cfg, logger: logging.OrNop(logger).Named(Name), now: time.Now}
}

func (c *Client) Configured() bool {
	return c != nil && c.cfg.PartnerID != "" && c.cfg.Secret != "" && c.cfg.AppKey != ""
}

// Factory adapts the client to the registry. The credential is the customer
// id; meta.ItemID is the institution login id the connection covers.
func (c *Client) Factory() provider.Factory {
	return func(credential string, meta provider.ConnectionMeta) (provider.DataProvider, error) {
		if !c.Configured() {
			return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
		}
		if credential == "" {
			return nil, fmt.Errorf("%s: empty customer id", Name)
		}
		return &Connection{client: c, customerID: credential, meta: meta}, nil
	}
}

// flexID accepts ids encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (c *Client) partnerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}
	var resp struct {
		Token string `json:"token"`
	}
	err := c.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/aggregation/v2/partners/authentication",
		Header: http.Header{"Finicity-App-Key": {c.cfg.AppKey}},
		Body:   map[string]string{"partnerId": c.cfg.PartnerID, "partnerSecret": c.cfg.Secret},
	}, &resp)
	if err != nil {
		var se *apiclient.StatusError
		if errors.As(err, &se) && se.ClientError() {
			return "", fmt.Errorf("%w: %w", &provider.AuthError{Provider: Name, Message: se.Body}, err)
		}
		return "", err
	}
	c.token = resp.Token
	c.tokenExp = c.now().Add(tokenTTL)
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// call sends an authenticated request and retries once with a fresh partner
// token when the cached one is rejected.
func (c *Client) call(ctx context.Context, method, path, endpoint string, query url.Values, body, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.partnerToken(ctx)
		if err != nil {
			return err
		}
		err = c.api.Do(ctx, apiclient.Request{
			Method:   method,
			Path:     path,
			Endpoint: endpoint,
			Query:    query,
			Body:     body,
			Header: http.Header{
				"Finicity-App-Key":   {c.cfg.AppKey},
				"Finicity-App-Token": {token},
			},
		}, out)
		var se *apiclient.StatusError
		if attempt == 0 && errors.As(err, &se) && se.Status == http.StatusUnauthorized {
			c.logger.Debug("partner token rejected, refreshing", zap.String("endpoint", endpoint))
			c.dropToken()
			continue
		}
		return err
	}
}

func customerPath(customerID string, rest ...string) string {
	return "/aggregation/v1/customers/" + url.PathEscape(customerID) + strings.Join(rest, "")
}
