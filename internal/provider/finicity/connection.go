package finicity

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/moneysync/internal/provider"
)

const txnPageSize = 1000

type wireAccount struct {
	ID                 flexID          `json:"id"`
	Name               string          `json:"name"`
	Type               string          `json:"type"`
	Status             string          `json:"status"`
	Balance            decimal.Decimal `json:"balance"`
	Currency           string          `json:"currency"`
	InstitutionID      flexID          `json:"institutionId"`
	InstitutionLoginID flexID          `json:"institutionLoginId"`
}

type wireTransaction struct {
	ID              flexID          `json:"id"`
	AccountID       flexID          `json:"accountId"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	Memo            string          `json:"memo"`
	Status          string          `json:"status"`
	Type            string          `json:"type"`
	PostedDate      int64           `json:"postedDate"`
	TransactionDate int64           `json:"transactionDate"`
	Categorization  *struct {
		NormalizedPayeeName string `json:"normalizedPayeeName"`
		Category            string `json:"category"`
	} `json:"categorization"`
}

type transactionsResponse struct {
	Found         int               `json:"found"`
	MoreAvailable bool              `json:"moreAvailable"`
	Transactions  []wireTransaction `json:"transactions"`
}

// Connection is one institution login under a customer.
type Connection struct {
	client     *Client
	customerID string
	meta       provider.ConnectionMeta
}

func (p *Connection) Name() string { return Name }

func (p *Connection) Capabilities() provider.Capabilities {
	return provider.Capabilities{Disconnect: true}
}

// customerAccounts lists every account of the customer across logins.
func (c *Client) customerAccounts(ctx context.Context, customerID string) ([]wireAccount, error) {
	var resp struct {
		Accounts []wireAccount `json:"accounts"`
	}
	err := c.call(ctx, http.MethodGet, customerPath(customerID, "/accounts"), "/customers/accounts", nil, nil, &resp)
	return resp.Accounts, err
}

// groupAccounts lists the accounts of this connection's institution login.
func (p *Connection) groupAccounts(ctx context.Context) ([]wireAccount, error) {
	all, err := p.client.customerAccounts(ctx, p.customerID)
	if err != nil {
		return nil, err
	}
	if p.meta.ItemID == "" {
		return all, nil
	}
	out := all[:0]
	for _, a := range all {
		if string(a.InstitutionLoginID) == p.meta.ItemID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (p *Connection) Accounts(ctx context.Context) ([]provider.Account, error) {
	accts, err := p.groupAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Account, 0, len(accts))
	for _, a := range accts {
		bal := a.Balance
		out = append(out, provider.Account{
			ExternalID:  string(a.ID),
			Name:        a.Name,
			Institution: p.meta.InstitutionName,
			Type:        mapAccountType(a.Type),
			Currency:    currencyOr(a.Currency),
			Balance:     &bal,
		})
	}
	return out, nil
}

func mapAccountType(t string) provider.AccountType {
	switch strings.ToLower(t) {
	case "checking":
		return provider.TypeChecking
	case "savings", "moneymarket", "cd":
		return provider.TypeSavings
	case "creditcard", "lineofcredit":
		return provider.TypeCredit
	case "investment", "investmenttaxdeferred", "brokerage", "ira", "roth", "401k", "403b", "529":
		return provider.TypeInvestment
	case "mortgage", "loan", "studentloan", "autoloan":
		return provider.TypeLoan
	case "cryptocurrency":
		return provider.TypeCrypto
	default:
		return provider.TypeOther
	}
}

// Transactions fetches the date window implied by cursor for the whole
// customer and keeps only this login's accounts. Everything is reported as
// Added; re-fetched rows are absorbed by dedup.
func (p *Connection) Transactions(ctx context.Context, cursor provider.Cursor) (provider.TransactionPage, error) {
	accts, err := p.groupAccounts(ctx)
	if err != nil {
		return provider.TransactionPage{}, err
	}
	own := make(map[string]bool, len(accts))
	for _, a := range accts {
		own[string(a.ID)] = true
	}

	from, to := provider.DateWindow(cursor, p.client.now(), p.client.cfg.Lookback)
	var page provider.TransactionPage
	for start := 1; ; start++ {
		q := url.Values{
			"fromDate": {strconv.FormatInt(from.Unix(), 10)},
			"toDate":   {strconv.FormatInt(to.Unix(), 10)},
			"start":    {strconv.Itoa(start)},
			"limit":    {strconv.Itoa(txnPageSize)},
			"sort":     {"asc"},
		}
		var resp transactionsResponse
		path := "/aggregation/v3/customers/" + url.PathEscape(p.customerID) + "/transactions"
		if err := p.client.call(ctx, http.MethodGet, path, "/customers/transactions", q, nil, &resp); err != nil {
			return provider.TransactionPage{}, err
		}
		for _, t := range resp.Transactions {
			if !own[string(t.AccountID)] {
				continue
			}
			page.Added = append(page.Added, toTransaction(t))
		}
		if !resp.MoreAvailable || len(resp.Transactions) == 0 {
			break
		}
	}
	page.Next = provider.NextTimestampCursor(cursor, page.Added)
	return page, nil
}

// toTransaction keeps the sign: upstream amounts are already negative for
// outflows.
func toTransaction(t wireTransaction) provider.Transaction {
	epoch := t.PostedDate
	if epoch == 0 {
		epoch = t.TransactionDate
	}
	ts := time.Unix(epoch, 0).UTC()
	out := provider.Transaction{
		ExternalID:        string(t.ID),
		AccountExternalID: string(t.AccountID),
		Amount:            t.Amount,
		Date:              time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		Timestamp:         ts,
		Currency:          "USD",
		Description:       t.Description,
		Type:              t.Type,
		Pending:           strings.EqualFold(t.Status, "pending"),
	}
	if t.Categorization != nil {
		out.Merchant = t.Categorization.NormalizedPayeeName
		out.Category = t.Categorization.Category
	}
	if out.Description == "" {
		out.Description = t.Memo
	}
	return out
}

func (p *Connection) Balances(ctx context.Context) ([]provider.Balance, error) {
	accts, err := p.groupAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Balance, 0, len(accts))
	for _, a := range accts {
		out = append(out, provider.Balance{
			AccountExternalID: string(a.ID),
			Current:           a.Balance,
			Currency:          currencyOr(a.Currency),
		})
	}
	return out, nil
}

// Disconnect deletes the institution login, leaving the customer's other
// logins in place.
func (p *Connection) Disconnect(ctx context.Context) error {
	if p.meta.ItemID == "" {
		return nil
	}
	return p.client.deleteLogin(ctx, p.customerID, p.meta.ItemID)
}

func (c *Client) deleteLogin(ctx context.Context, customerID, loginID string) error {
	path := customerPath(customerID, "/institutionLogins/", url.PathEscape(loginID))
	return c.call(ctx, http.MethodDelete, path, "/customers/institutionLogins", nil, nil, nil)
}

func currencyOr(code string) string {
	if code == "" {
		return "USD"
	}
	return strings.ToUpper(code)
}
