package coinbase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jask/moneysync/internal/provider"
)

type money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type pagination struct {
	NextURI string `json:"next_uri"`
}

type wireWallet struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Balance       money     `json:"balance"`
	NativeBalance money     `json:"native_balance"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type wireTransaction struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Amount       money     `json:"amount"`
	NativeAmount money     `json:"native_amount"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	Details      struct {
		Title    string `json:"title"`
		Subtitle string `json:"subtitle"`
	} `json:"details"`
}

type walletsPage struct {
	Pagination pagination   `json:"pagination"`
	Data       []wireWallet `json:"data"`
}

type transactionsPage struct {
	Pagination pagination        `json:"pagination"`
	Data       []wireTransaction `json:"data"`
}

// Connection is one API key pair.
type Connection struct {
	client *Client
	cred   Credential
	meta   provider.ConnectionMeta
}

func (p *Connection) Name() string { return Name }

func (p *Connection) Capabilities() provider.Capabilities {
	return provider.Capabilities{Holdings: true}
}

// accountID is the external id of the single ledger account. It is derived
// from the API key so a re-linked key maps to the same row.
func (p *Connection) accountID() string {
	sum := sha256.Sum256([]byte(p.cred.APIKey))
	return Name + ":" + hex.EncodeToString(sum[:6])
}

func (p *Connection) wallets(ctx context.Context) ([]wireWallet, error) {
	var out []wireWallet
	next := "/v2/accounts?limit=100"
	for next != "" {
		var page walletsPage
		if err := p.client.get(ctx, p.cred, next, "/v2/accounts", &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		next = page.Pagination.NextURI
	}
	return out, nil
}

// nativeTotal sums wallet values in the account's native currency.
func nativeTotal(wallets []wireWallet) (decimal.Decimal, string) {
	total := decimal.Zero
	currency := ""
	for _, w := range wallets {
		total = total.Add(w.NativeBalance.Amount)
		if currency == "" && w.NativeBalance.Currency != "" {
			currency = strings.ToUpper(w.NativeBalance.Currency)
		}
	}
	if currency == "" {
		currency = "USD"
	}
	return total.Round(2), currency
}

func (p *Connection) Accounts(ctx context.Context) ([]provider.Account, error) {
	wallets, err := p.wallets(ctx)
	if err != nil {
		return nil, err
	}
	total, currency := nativeTotal(wallets)
	return []provider.Account{{
		ExternalID:  p.accountID(),
		Name:        "Coinbase",
		Institution: "Coinbase",
		Type:        provider.TypeCrypto,
		Currency:    currency,
		Balance:     &total,
	}}, nil
}

// Transactions walks each wallet active in the window newest-first and stops
// at the window start. Amounts are in the native currency; upstream already
// signs sends negative.
func (p *Connection) Transactions(ctx context.Context, cursor provider.Cursor) (provider.TransactionPage, error) {
	wallets, err := p.wallets(ctx)
	if err != nil {
		return provider.TransactionPage{}, err
	}
	from, _ := provider.DateWindow(cursor, p.client.now(), p.client.cfg.Lookback)

	var page provider.TransactionPage
	for _, w := range wallets {
		if w.Balance.Amount.IsZero() && w.UpdatedAt.Before(from) {
			continue
		}
		txns, err := p.walletTransactions(ctx, w, from)
		if err != nil {
			return provider.TransactionPage{}, err
		}
		page.Added = append(page.Added, txns...)
	}
	page.Next = provider.NextTimestampCursor(cursor, page.Added)
	return page, nil
}

func (p *Connection) walletTransactions(ctx context.Context, w wireWallet, from time.Time) ([]provider.Transaction, error) {
	var out []provider.Transaction
	next := "/v2/accounts/" + url.PathEscape(w.ID) + "/transactions?order=desc&limit=100"
	for next != "" {
		var page transactionsPage
		if err := p.client.get(ctx, p.cred, next, "/v2/accounts/transactions", &page); err != nil {
			return nil, err
		}
		next = page.Pagination.NextURI
		for _, t := range page.Data {
			if t.CreatedAt.Before(from) {
				next = ""
				break
			}
			out = append(out, p.toTransaction(t))
		}
	}
	return out, nil
}

func (p *Connection) toTransaction(t wireTransaction) provider.Transaction {
	ts := t.CreatedAt.UTC()
	desc := t.Details.Title
	if t.Details.Subtitle != "" {
		desc = strings.TrimSpace(desc + " " + t.Details.Subtitle)
	}
	if desc == "" {
		desc = t.Description
	}
	currency := strings.ToUpper(t.NativeAmount.Currency)
	if currency == "" {
		currency = "USD"
	}
	return provider.Transaction{
		ExternalID:        t.ID,
		AccountExternalID: p.accountID(),
		Amount:            t.NativeAmount.Amount,
		Date:              time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		Timestamp:         ts,
		Currency:          currency,
		Description:       desc,
		Category:          "Crypto",
		Subcategory:       t.Type,
		Type:              t.Type,
		Pending:           t.Status == "pending",
	}
}

func (p *Connection) Balances(ctx context.Context) ([]provider.Balance, error) {
	wallets, err := p.wallets(ctx)
	if err != nil {
		return nil, err
	}
	total, currency := nativeTotal(wallets)
	return []provider.Balance{{AccountExternalID: p.accountID(), Current: total, Currency: currency}}, nil
}

// Holdings reports one position per funded currency, priced from the
// native balance. Wallets of the same currency (vaults) are merged.
func (p *Connection) Holdings(ctx context.Context) ([]provider.Holding, error) {
	wallets, err := p.wallets(ctx)
	if err != nil {
		return nil, err
	}
	type position struct {
		qty, native decimal.Decimal
		nativeCode  string
	}
	var order []string
	positions := map[string]*position{}
	for _, w := range wallets {
		if w.Balance.Amount.IsZero() {
			continue
		}
		symbol := strings.ToUpper(w.Balance.Currency)
		pos, ok := positions[symbol]
		if !ok {
			pos = &position{nativeCode: strings.ToUpper(w.NativeBalance.Currency)}
			positions[symbol] = pos
			order = append(order, symbol)
		}
		pos.qty = pos.qty.Add(w.Balance.Amount)
		pos.native = pos.native.Add(w.NativeBalance.Amount)
	}

	now := p.client.now().UTC()
	out := make([]provider.Holding, 0, len(order))
	for _, symbol := range order {
		pos := positions[symbol]
		if pos.qty.IsZero() {
			continue
		}
		assetType := "crypto"
		price := pos.native.DivRound(pos.qty, 8)
		if symbol == pos.nativeCode {
			assetType = "cash"
			price = decimal.NewFromInt(1)
		}
		if price.IsNegative() {
			p.client.logger.Warn("position with inconsistent balances skipped", zap.String("symbol", symbol))
			continue
		}
		out = append(out, provider.Holding{
			AccountExternalID: p.accountID(),
			Symbol:            symbol,
			Quantity:          pos.qty,
			Price:             price,
			AssetType:         assetType,
			PriceAsOf:         &now,
		})
	}
	return out, nil
}
