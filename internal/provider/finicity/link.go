package finicity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jask/moneysync/internal/provider"
)

type wireInstitution struct {
	ID   flexID `json:"id"`
	Name string `json:"name"`
}

func (c *Client) Name() string { return Name }

func (c *Client) SearchInstitutions(ctx context.Context, query string) ([]provider.Institution, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	var resp struct {
		Institutions []wireInstitution `json:"institutions"`
	}
	q := url.Values{"search": {query}, "start": {"1"}, "limit": {"25"}}
	if err := c.call(ctx, http.MethodGet, "/institution/v2/institutions", "", q, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]provider.Institution, 0, len(resp.Institutions))
	for _, in := range resp.Institutions {
		out = append(out, provider.Institution{ID: string(in.ID), Name: in.Name, Provider: Name})
	}
	return out, nil
}

// StartLink creates a customer and a connect URL for it. The customer id is
// the completion token.
func (c *Client) StartLink(ctx context.Context, inst provider.Institution) (provider.LinkStart, error) {
	if !c.Configured() {
		return provider.LinkStart{}, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	var customer struct {
		ID flexID `json:"id"`
	}
	err := c.call(ctx, http.MethodPost, "/aggregation/v2/customers/active", "", nil, map[string]string{
		"username":  "moneysync-" + uuid.NewString(),
		"firstName": "Money",
		"lastName":  "Sync",
	}, &customer)
	if err != nil {
		return provider.LinkStart{}, fmt.Errorf("create customer: %w", err)
	}

	body := map[string]any{"partnerId": c.cfg.PartnerID, "customerId": string(customer.ID)}
	if inst.ID != "" {
		if id, err := strconv.ParseInt(inst.ID, 10, 64); err == nil {
			body["institutionId"] = id
		}
	}
	var link struct {
		Link string `json:"link"`
	}
	if err := c.call(ctx, http.MethodPost, "/connect/v2/generate", "", nil, body, &link); err != nil {
		return provider.LinkStart{}, fmt.Errorf("generate connect url: %w", err)
	}
	return provider.LinkStart{URL: link.Link, CompletionToken: string(customer.ID)}, nil
}

// CompleteLink groups the customer's accounts by institution login. Every
// group becomes a login; the caller decides which ones are already linked.
// Each link creates a fresh customer, so duplicates are matched on the
// institution id and a duplicate login is deleted on release.
// No accounts yet means the user has not finished.
func (c *Client) CompleteLink(ctx context.Context, customerID string) (provider.LinkOutcome, error) {
	accts, err := c.customerAccounts(ctx, customerID)
	if err != nil {
		return provider.LinkOutcome{}, err
	}
	groups := map[string]string{} // login id -> institution id
	for _, a := range accts {
		if a.InstitutionLoginID == "" {
			continue
		}
		groups[string(a.InstitutionLoginID)] = string(a.InstitutionID)
	}
	if len(groups) == 0 {
		return provider.LinkOutcome{Status: provider.LinkWaiting}, nil
	}
	loginIDs := make([]string, 0, len(groups))
	for id := range groups {
		loginIDs = append(loginIDs, id)
	}
	sort.Strings(loginIDs)

	out := provider.LinkOutcome{Status: provider.LinkReady}
	names := map[string]string{}
	for _, loginID := range loginIDs {
		instID := groups[loginID]
		if _, ok := names[instID]; !ok {
			names[instID] = c.institutionName(ctx, instID)
		}
		out.Logins = append(out.Logins, provider.LinkedLogin{
			Credential: customerID,
			Meta: provider.ConnectionMeta{
				ItemID:          loginID,
				InstitutionID:   instID,
				InstitutionName: names[instID],
			},
			Scope: provider.ScopeInstitution,
			Release: func(ctx context.Context) error {
				return c.deleteLogin(ctx, customerID, loginID)
			},
		})
	}
	return out, nil
}

// institutionName is best effort; a failed lookup leaves the name empty.
func (c *Client) institutionName(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	var resp struct {
		Institution wireInstitution `json:"institution"`
	}
	if err := c.call(ctx, http.MethodGet, "/institution/v2/institutions/"+url.PathEscape(id), "/institutions/get", nil, nil, &resp); err != nil {
		c.logger.Warn("institution lookup failed", zap.String("institution_id", id), zap.Error(err))
		return ""
	}
	return resp.Institution.Name
}
