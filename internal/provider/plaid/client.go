// Package plaid talks to a Plaid-compatible aggregation API: cursor-based
// transaction sync plus the hosted link flow.
package plaid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/provider/apiclient"
)

// Name is the registry name and the ledger source of Plaid rows.
const Name = "plaid"

// Config holds application credentials and link settings.
type Config struct {
	ClientID     string
	Secret       string
	ClientName   string
	CountryCodes []string
	Products     []string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Client holds the application credentials and is shared by every
// connection. Per-connection access goes through Connection.
type Client struct {
	api    *apiclient.Client
	cfg    Config
	logger *logging.Logger
}

func New(api *apiclient.Client, cfg Config, logger *logging.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Minute
	}
	if len(cfg.CountryCodes) == 0 {
		cfg.CountryCodes = []string{"US"}
	}
	if len(cfg.Products) == 0 {
		cfg.Products = []string{"transactions"}
	}
	return &Client{api: api, cfg: cfg, logger: logging.OrNop(logger).Named(Name)}
}

// Configured reports whether application credentials are set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.ClientID != "" && c.cfg.Secret != ""
}

// Factory adapts the client to the provider registry. The credential is the
// item's access token.
func (c *Client) Factory() provider.Factory {
	return func(credential string, meta provider.ConnectionMeta) (provider.DataProvider, error) {
		if !c.Configured() {
			return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
		}
		if credential == "" {
			return nil, fmt.Errorf("%s: empty access token", Name)
		}
		return &Connection{client: c, accessToken: credential, meta: meta}, nil
	}
}

// Error is a structured API error.
type Error struct {
	Status  int    `json:"-"`
	Type    string `json:"error_type"`
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("plaid %s/%s (status %d): %s", e.Type, e.Code, e.Status, e.Message)
}

const codeMutationDuringPagination = "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"

var authCodes = map[string]bool{
	"INVALID_ACCESS_TOKEN": true,
	"ITEM_LOGIN_REQUIRED":  true,
	"INVALID_API_KEYS":     true,
	"INVALID_PUBLIC_TOKEN": true,
	"ITEM_NOT_FOUND":       true,
}

// post sends body with the application credentials attached.
func (c *Client) post(ctx context.Context, path string, body map[string]any, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	body["client_id"] = c.cfg.ClientID
	body["secret"] = c.cfg.Secret
	err := c.api.Do(ctx, apiclient.Request{Method: http.MethodPost, Path: path, Body: body}, out)
	return translate(err)
}

func translate(err error) error {
	var se *apiclient.StatusError
	if !errors.As(err, &se) {
		return err
	}
	pe := &Error{Status: se.Status}
	if json.Unmarshal([]byte(se.Body), pe) != nil || pe.Code == "" {
		return err
	}
	if authCodes[pe.Code] {
		return fmt.Errorf("%w: %w", &provider.AuthError{Provider: Name, Message: pe.Message}, pe)
	}
	return pe
}

func isCode(err error, code string) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}
