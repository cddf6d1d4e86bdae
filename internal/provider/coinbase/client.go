// Package coinbase reads a Coinbase-style exchange account through API key
// auth. The whole exchange is one ledger account; each funded wallet is a
// holding.
package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/provider/apiclient"
)

const (
	Name = "coinbase"
	// apiVersion pins the response shape.
	apiVersion = "2024-01-01"
)

type Config struct {
	Lookback time.Duration
}

// Client is shared by every connection; credentials are per connection.
type Client struct {
	api    *apiclient.Client
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

func New(api *apiclient.Client, cfg Config, logger *logging.Logger) *Client {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 180 * 24 * time.Hour
	}
	return &Client{api: api, cfg: cfg, logger: logging.OrNop(logger).Named(Name), now: time.Now}
}

// Credential is the stored secret: an API key pair encoded as JSON.
type Credential struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// ParseCredential decodes and checks a stored credential.
func ParseCredential(raw string) (Credential, error) {
	var c Credential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credential{}, fmt.Errorf("%s credential: %w", Name, err)
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.APISecret = strings.TrimSpace(c.APISecret)
	if c.APIKey == "" || c.APISecret == "" {
		return Credential{}, fmt.Errorf("%s credential: api_key and api_secret are required", Name)
	}
	return c, nil
}

func (c Credential) String() string {
	b, _ := json.Marshal(c)
	return string(b)
}

func (c *Client) Factory() provider.Factory {
	return func(credential string, meta provider.ConnectionMeta) (provider.DataProvider, error) {
		cred, err := ParseCredential(credential)
		if err != nil {
			return nil, err
		}
		return &Connection{client: c, cred: cred, meta: meta}, nil
	}
}

// signer implements the exchange's key scheme: hex HMAC-SHA256 over
// timestamp, method, request path and body.
func (c *Client) signer(cred Credential) apiclient.Signer {
	return func(req *http.Request, body []byte) error {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(cred.APISecret))
		mac.Write([]byte(ts + req.Method + req.URL.RequestURI() + string(body)))
		req.Header.Set("CB-ACCESS-KEY", cred.APIKey)
		req.Header.Set("CB-ACCESS-SIGN", hex.EncodeToString(mac.Sum(nil)))
		req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
		req.Header.Set("CB-VERSION", apiVersion)
		return nil
	}
}

func (c *Client) get(ctx context.Context, cred Credential, path, endpoint string, out any) error {
	err := c.api.Do(ctx, apiclient.Request{
		Method:   http.MethodGet,
		Path:     path,
		Endpoint: endpoint,
		Signer:   c.signer(cred),
	}, out)
	var se *apiclient.StatusError
	if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
		return fmt.Errorf("%w: %w", &provider.AuthError{Provider: Name, Message: se.Body}, err)
	}
	return err
}

func (c *Client) Name() string { return Name }

// LinkDirect accepts an API key pair. One exchange login exists per user, so
// duplicates are detected per provider.
func (c *Client) LinkDirect(_ context.Context, credential string) (provider.LinkedLogin, error) {
	cred, err := ParseCredential(credential)
	if err != nil {
		return provider.LinkedLogin{}, err
	}
	return provider.LinkedLogin{
		Credential: cred.String(),
		Meta:       provider.ConnectionMeta{InstitutionID: Name, InstitutionName: "Coinbase"},
		Scope:      provider.ScopeProvider,
	}, nil
}
