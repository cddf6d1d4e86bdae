package plaid

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jask/moneysync/internal/provider"
)

type wireInstitution struct {
	InstitutionID string `json:"institution_id"`
	Name          string `json:"name"`
}

type linkTokenResponse struct {
	LinkToken     string    `json:"link_token"`
	Expiration    time.Time `json:"expiration"`
	HostedLinkURL string    `json:"hosted_link_url"`
}

type itemAddResult struct {
	PublicToken string          `json:"public_token"`
	Institution wireInstitution `json:"institution"`
}

type linkExit struct {
	Error *struct {
		Code           string `json:"error_code"`
		Message        string `json:"error_message"`
		DisplayMessage string `json:"display_message"`
	} `json:"error"`
	Metadata struct {
		Status string `json:"status"`
	} `json:"metadata"`
}

type linkSession struct {
	SessionID string `json:"link_session_id"`
	Results   *struct {
		ItemAddResults []itemAddResult `json:"item_add_results"`
	} `json:"results"`
	Exit *linkExit `json:"exit"`
}

type linkTokenGetResponse struct {
	LinkSessions []linkSession `json:"link_sessions"`
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
}

func (c *Client) Name() string { return Name }

func (c *Client) SearchInstitutions(ctx context.Context, query string) ([]provider.Institution, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	var resp struct {
		Institutions []wireInstitution `json:"institutions"`
	}
	err := c.post(ctx, "/institutions/search", map[string]any{
		"query":         query,
		"products":      c.cfg.Products,
		"country_codes": c.cfg.CountryCodes,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Institution, 0, len(resp.Institutions))
	for _, in := range resp.Institutions {
		out = append(out, provider.Institution{ID: in.InstitutionID, Name: in.Name, Provider: Name})
	}
	return out, nil
}

// StartLink creates a hosted link session. The link token doubles as the
// completion token.
func (c *Client) StartLink(ctx context.Context, inst provider.Institution) (provider.LinkStart, error) {
	if !c.Configured() {
		return provider.LinkStart{}, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	var resp linkTokenResponse
	err := c.post(ctx, "/link/token/create", map[string]any{
		"client_name":   c.cfg.ClientName,
		"language":      "en",
		"country_codes": c.cfg.CountryCodes,
		"products":      c.cfg.Products,
		"user":          map[string]string{"client_user_id": uuid.NewString()},
		"hosted_link":   map[string]any{},
	}, &resp)
	if err != nil {
		return provider.LinkStart{}, err
	}
	if resp.HostedLinkURL == "" {
		return provider.LinkStart{}, fmt.Errorf("%s: link token created without a hosted link url", Name)
	}
	c.logger.Debug("link session started", zap.String("institution", inst.Name))
	return provider.LinkStart{URL: resp.HostedLinkURL, CompletionToken: resp.LinkToken, ExpiresAt: resp.Expiration}, nil
}

// CompleteLink polls the session every PollInterval until it succeeds, the
// user exits, or PollTimeout passes. A timeout is LinkWaiting, not an error.
func (c *Client) CompleteLink(ctx context.Context, token string) (provider.LinkOutcome, error) {
	deadline := time.Now().Add(c.cfg.PollTimeout)
	for {
		results, exit, err := c.linkState(ctx, token)
		if err != nil {
			return provider.LinkOutcome{}, err
		}
		if len(results) > 0 {
			return c.exchange(ctx, results)
		}
		if exit != nil {
			return provider.LinkOutcome{}, &provider.LinkExitError{Provider: Name, Reason: exitReason(exit)}
		}
		if time.Now().Add(c.cfg.PollInterval).After(deadline) {
			return provider.LinkOutcome{Status: provider.LinkWaiting}, nil
		}
		select {
		case <-ctx.Done():
			return provider.LinkOutcome{}, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) linkState(ctx context.Context, token string) ([]itemAddResult, *linkExit, error) {
	var resp linkTokenGetResponse
	if err := c.post(ctx, "/link/token/get", map[string]any{"link_token": token}, &resp); err != nil {
		return nil, nil, err
	}
	var results []itemAddResult
	var exit *linkExit
	for _, s := range resp.LinkSessions {
		if s.Results != nil {
			results = append(results, s.Results.ItemAddResults...)
		}
		if s.Exit != nil {
			exit = s.Exit
		}
	}
	return results, exit, nil
}

func exitReason(e *linkExit) string {
	if e.Error != nil {
		switch {
		case e.Error.DisplayMessage != "":
			return e.Error.DisplayMessage
		case e.Error.Message != "":
			return e.Error.Message
		case e.Error.Code != "":
			return e.Error.Code
		}
	}
	if e.Metadata.Status != "" {
		return e.Metadata.Status
	}
	return "user exited"
}

func (c *Client) exchange(ctx context.Context, results []itemAddResult) (provider.LinkOutcome, error) {
	out := provider.LinkOutcome{Status: provider.LinkReady}
	for _, r := range results {
		var resp exchangeResponse
		if err := c.post(ctx, "/item/public_token/exchange", map[string]any{"public_token": r.PublicToken}, &resp); err != nil {
			return provider.LinkOutcome{}, fmt.Errorf("exchange public token: %w", err)
		}
		accessToken := resp.AccessToken
		out.Logins = append(out.Logins, provider.LinkedLogin{
			Credential: accessToken,
			Meta: provider.ConnectionMeta{
				ItemID:          resp.ItemID,
				InstitutionID:   r.Institution.InstitutionID,
				InstitutionName: r.Institution.Name,
			},
			Scope: provider.ScopeInstitution,
			Release: func(ctx context.Context) error {
				return c.removeItem(ctx, accessToken)
			},
		})
	}
	return out, nil
}
