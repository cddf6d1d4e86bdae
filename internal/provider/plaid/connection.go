package plaid

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jask/moneysync/internal/provider"
)

const (
	syncPageSize = 500
	// restarts of a transactions sync after the upstream reports that data
	// changed mid-pagination
	maxSyncRestarts = 3
)

type wireBalances struct {
	Current   *decimal.Decimal `json:"current"`
	Available *decimal.Decimal `json:"available"`
	Currency  string           `json:"iso_currency_code"`
}

type wireAccount struct {
	AccountID    string       `json:"account_id"`
	Name         string       `json:"name"`
	OfficialName string       `json:"official_name"`
	Type         string       `json:"type"`
	Subtype      string       `json:"subtype"`
	Balances     wireBalances `json:"balances"`
}

type wireItem struct {
	ItemID        string `json:"item_id"`
	InstitutionID string `json:"institution_id"`
}

type accountsResponse struct {
	Accounts []wireAccount `json:"accounts"`
	Item     wireItem      `json:"item"`
}

type wireTransaction struct {
	TransactionID      string           `json:"transaction_id"`
	AccountID          string           `json:"account_id"`
	Amount             decimal.Decimal  `json:"amount"`
	Currency           string           `json:"iso_currency_code"`
	Date               string           `json:"date"`
	Datetime           *time.Time       `json:"datetime"`
	AuthorizedDatetime *time.Time       `json:"authorized_datetime"`
	Name               string           `json:"name"`
	MerchantName       string           `json:"merchant_name"`
	Pending            bool             `json:"pending"`
	PaymentChannel     string           `json:"payment_channel"`
	Category           []string         `json:"category"`
	FinanceCategory    *financeCategory `json:"personal_finance_category"`
}

type financeCategory struct {
	Primary  string `json:"primary"`
	Detailed string `json:"detailed"`
}

type wireRemoved struct {
	TransactionID string `json:"transaction_id"`
}

type syncResponse struct {
	Added      []wireTransaction `json:"added"`
	Modified   []wireTransaction `json:"modified"`
	Removed    []wireRemoved     `json:"removed"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

type wireHolding struct {
	AccountID  string          `json:"account_id"`
	SecurityID string          `json:"security_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"institution_price"`
	PriceAsOf  string          `json:"institution_price_as_of"`
}

type wireSecurity struct {
	SecurityID string `json:"security_id"`
	Ticker     string `json:"ticker_symbol"`
	Name       string `json:"name"`
	Type       string `json:"type"`
}

type holdingsResponse struct {
	Holdings   []wireHolding  `json:"holdings"`
	Securities []wireSecurity `json:"securities"`
}

// Connection is one linked item.
type Connection struct {
	client      *Client
	accessToken string
	meta        provider.ConnectionMeta
}

func (p *Connection) Name() string { return Name }

func (p *Connection) Capabilities() provider.Capabilities {
	return provider.Capabilities{Holdings: true, Disconnect: true}
}

func (p *Connection) Accounts(ctx context.Context) ([]provider.Account, error) {
	var resp accountsResponse
	if err := p.client.post(ctx, "/accounts/get", map[string]any{"access_token": p.accessToken}, &resp); err != nil {
		return nil, err
	}
	out := make([]provider.Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		out = append(out, p.toAccount(a))
	}
	return out, nil
}

func (p *Connection) toAccount(a wireAccount) provider.Account {
	name := a.Name
	if name == "" {
		name = a.OfficialName
	}
	acct := provider.Account{
		ExternalID:  a.AccountID,
		Name:        name,
		Institution: p.meta.InstitutionName,
		Type:        mapAccountType(a.Type, a.Subtype),
		Currency:    currencyOr(a.Balances.Currency),
	}
	if a.Balances.Current != nil {
		b := *a.Balances.Current
		acct.Balance = &b
	}
	return acct
}

func mapAccountType(typ, subtype string) provider.AccountType {
	switch strings.ToLower(typ) {
	case "depository":
		if strings.EqualFold(subtype, "savings") || strings.EqualFold(subtype, "money market") || strings.EqualFold(subtype, "cd") {
			return provider.TypeSavings
		}
		return provider.TypeChecking
	case "credit":
		return provider.TypeCredit
	case "loan":
		return provider.TypeLoan
	case "investment", "brokerage":
		if strings.Contains(strings.ToLower(subtype), "crypto") {
			return provider.TypeCrypto
		}
		return provider.TypeInvestment
	default:
		return provider.TypeOther
	}
}

// Transactions drains /transactions/sync from cursor. When the upstream
// reports a mutation during pagination the whole drain restarts from the
// original cursor and earlier pages are discarded.
func (p *Connection) Transactions(ctx context.Context, cursor provider.Cursor) (provider.TransactionPage, error) {
	start := provider.TokenOf(cursor)
	var err error
	for attempt := 0; attempt <= maxSyncRestarts; attempt++ {
		var page provider.TransactionPage
		page, err = p.drain(ctx, start)
		if err == nil {
			return page, nil
		}
		if !isCode(err, codeMutationDuringPagination) {
			return provider.TransactionPage{}, err
		}
		p.client.logger.Info("transactions changed during pagination, restarting",
			zap.String("item_id", p.meta.ItemID),
			zap.Int("attempt", attempt+1),
		)
	}
	return provider.TransactionPage{}, err
}

func (p *Connection) drain(ctx context.Context, start string) (provider.TransactionPage, error) {
	var page provider.TransactionPage
	next := start
	for {
		body := map[string]any{
			"access_token": p.accessToken,
			"count":        syncPageSize,
		}
		if next != "" {
			body["cursor"] = next
		}
		var resp syncResponse
		if err := p.client.post(ctx, "/transactions/sync", body, &resp); err != nil {
			return provider.TransactionPage{}, err
		}
		for _, t := range resp.Added {
			page.Added = append(page.Added, toTransaction(t))
		}
		for _, t := range resp.Modified {
			page.Modified = append(page.Modified, toTransaction(t))
		}
		for _, r := range resp.Removed {
			page.Removed = append(page.Removed, r.TransactionID)
		}
		if resp.NextCursor != "" {
			next = resp.NextCursor
		}
		if !resp.HasMore {
			break
		}
	}
	if next != "" {
		page.Next = provider.TokenCursor{Token: next}
	}
	return page, nil
}

// toTransaction flips the sign: upstream amounts are positive for money
// leaving the account.
func toTransaction(t wireTransaction) provider.Transaction {
	date, _ := time.Parse(time.DateOnly, t.Date)
	out := provider.Transaction{
		ExternalID:        t.TransactionID,
		AccountExternalID: t.AccountID,
		Amount:            t.Amount.Neg(),
		Date:              date,
		Currency:          currencyOr(t.Currency),
		Description:       t.Name,
		Merchant:          t.MerchantName,
		Type:              t.PaymentChannel,
		Pending:           t.Pending,
	}
	switch {
	case t.Datetime != nil:
		out.Timestamp = *t.Datetime
	case t.AuthorizedDatetime != nil:
		out.Timestamp = *t.AuthorizedDatetime
	}
	if t.FinanceCategory != nil && t.FinanceCategory.Primary != "" {
		out.Category = humanize(t.FinanceCategory.Primary)
		out.Subcategory = humanize(strings.TrimPrefix(t.FinanceCategory.Detailed, t.FinanceCategory.Primary+"_"))
	} else if len(t.Category) > 0 {
		out.Category = t.Category[0]
		if len(t.Category) > 1 {
			out.Subcategory = t.Category[1]
		}
	}
	if out.Description == "" {
		out.Description = t.MerchantName
	}
	return out
}

// humanize turns FOOD_AND_DRINK into "Food and drink".
func humanize(code string) string {
	if code == "" {
		return ""
	}
	s := strings.ToLower(strings.ReplaceAll(code, "_", " "))
	return strings.ToUpper(s[:1]) + s[1:]
}

func (p *Connection) Balances(ctx context.Context) ([]provider.Balance, error) {
	var resp accountsResponse
	if err := p.client.post(ctx, "/accounts/balance/get", map[string]any{"access_token": p.accessToken}, &resp); err != nil {
		return nil, err
	}
	out := make([]provider.Balance, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		if a.Balances.Current == nil {
			continue
		}
		out = append(out, provider.Balance{
			AccountExternalID: a.AccountID,
			Current:           *a.Balances.Current,
			Available:         a.Balances.Available,
			Currency:          currencyOr(a.Balances.Currency),
		})
	}
	return out, nil
}

func (p *Connection) Holdings(ctx context.Context) ([]provider.Holding, error) {
	var resp holdingsResponse
	if err := p.client.post(ctx, "/investments/holdings/get", map[string]any{"access_token": p.accessToken}, &resp); err != nil {
		return nil, err
	}
	securities := make(map[string]wireSecurity, len(resp.Securities))
	for _, s := range resp.Securities {
		securities[s.SecurityID] = s
	}
	out := make([]provider.Holding, 0, len(resp.Holdings))
	for _, h := range resp.Holdings {
		sec := securities[h.SecurityID]
		symbol := sec.Ticker
		if symbol == "" {
			symbol = h.SecurityID
		}
		hold := provider.Holding{
			AccountExternalID: h.AccountID,
			Symbol:            symbol,
			Quantity:          h.Quantity,
			Price:             h.Price,
			AssetType:         assetType(sec.Type),
		}
		if at, err := time.Parse(time.DateOnly, h.PriceAsOf); err == nil {
			hold.PriceAsOf = &at
		}
		out = append(out, hold)
	}
	return provider.MergeHoldings(out), nil
}

func assetType(securityType string) string {
	switch strings.ToLower(securityType) {
	case "equity":
		return "stock"
	case "etf":
		return "etf"
	case "mutual fund":
		return "fund"
	case "cryptocurrency":
		return "crypto"
	case "cash":
		return "cash"
	case "fixed income":
		return "bond"
	default:
		return "other"
	}
}

// Disconnect removes the item upstream, revoking the access token.
func (p *Connection) Disconnect(ctx context.Context) error {
	return p.client.removeItem(ctx, p.accessToken)
}

func (c *Client) removeItem(ctx context.Context, accessToken string) error {
	return c.post(ctx, "/item/remove", map[string]any{"access_token": accessToken}, nil)
}

func currencyOr(code string) string {
	if code == "" {
		return "USD"
	}
	return strings.ToUpper(code)
}
