// Package provider defines the contract between upstream data sources and the
// reconciliation engine, plus the registry that builds provider instances.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is the normalized account classification.
type AccountType string

const (
	TypeChecking   AccountType = "checking"
	TypeSavings    AccountType = "savings"
	TypeCredit     AccountType = "credit"
	TypeInvestment AccountType = "investment"
	TypeCrypto     AccountType = "crypto"
	TypeLoan       AccountType = "loan"
	TypeOther      AccountType = "other"
)

// ParseAccountType maps free-form names onto AccountType, defaulting to other.
func ParseAccountType(s string) AccountType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "checking", "depository", "chequing":
		return TypeChecking
	case "savings", "moneymarket", "cd":
		return TypeSavings
	case "credit", "creditcard", "credit card":
		return TypeCredit
	case "investment", "brokerage", "ira", "401k", "roth":
		return TypeInvestment
	case "crypto", "wallet":
		return TypeCrypto
	case "loan", "mortgage", "student", "lineofcredit":
		return TypeLoan
	default:
		return TypeOther
	}
}

// IsLiability reports whether balances of this type count against net worth.
func (t AccountType) IsLiability() bool {
	return t == TypeCredit || t == TypeLoan
}

// Account is an upstream account in normalized form.
type Account struct {
	ExternalID  string
	Name        string
	Institution string
	Type        AccountType
	Currency    string
	// Balance is nil when the upstream does not report one with the listing.
	Balance *decimal.Decimal
}

// Transaction is an upstream transaction. Amount is signed: positive inflow,
// negative outflow, whatever the upstream convention.
type Transaction struct {
	ExternalID        string
	AccountExternalID string
	Amount            decimal.Decimal
	Date              time.Time
	// Timestamp is the upstream's full-resolution time when it has one; date-range
	// providers derive their next cursor from it.
	Timestamp   time.Time
	Currency    string
	Description string
	Merchant    string
	Category    string
	Subcategory string
	Type        string
	Pending     bool
}

// Balance is a current balance for one account.
type Balance struct {
	AccountExternalID string
	Current           decimal.Decimal
	Available         *decimal.Decimal
	Currency          string
}

// Holding is one position in an investment or crypto account.
type Holding struct {
	AccountExternalID string
	Symbol            string
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	AssetType         string
	PriceAsOf         *time.Time
}

// MergeHoldings folds positions that share an account and symbol into one.
// Quantities add up and the price becomes the value-weighted average, so the
// merged position is worth the sum of its parts.
func MergeHoldings(in []Holding) []Holding {
	type key struct{ account, symbol string }
	var order []key
	merged := make(map[key]*Holding, len(in))
	values := make(map[key]decimal.Decimal, len(in))
	for _, h := range in {
		k := key{h.AccountExternalID, strings.ToUpper(strings.TrimSpace(h.Symbol))}
		m, ok := merged[k]
		if !ok {
			cp := h
			cp.Symbol = k.symbol
			merged[k] = &cp
			values[k] = h.Quantity.Mul(h.Price)
			order = append(order, k)
			continue
		}
		m.Quantity = m.Quantity.Add(h.Quantity)
		values[k] = values[k].Add(h.Quantity.Mul(h.Price))
		if h.PriceAsOf != nil && (m.PriceAsOf == nil || h.PriceAsOf.After(*m.PriceAsOf)) {
			m.PriceAsOf = h.PriceAsOf
		}
	}
	out := make([]Holding, 0, len(order))
	for _, k := range order {
		m := merged[k]
		if !m.Quantity.IsZero() {
			m.Price = values[k].DivRound(m.Quantity, 8)
		}
		out = append(out, *m)
	}
	return out
}

// TransactionPage is the result of one Transactions call. Removed carries
// external ids only.
type TransactionPage struct {
	Added    []Transaction
	Modified []Transaction
	Removed  []string
	// Next is the cursor to persist after the sync commits. Nil means the
	// provider keeps no cursor.
	Next Cursor
}

// Capabilities advertises the optional interfaces a provider implements.
type Capabilities struct {
	Holdings   bool
	Disconnect bool
}

// DataProvider is implemented by every upstream source.
type DataProvider interface {
	Name() string
	Capabilities() Capabilities
	// Accounts drains any upstream pagination before returning.
	Accounts(ctx context.Context) ([]Account, error)
	Transactions(ctx context.Context, cursor Cursor) (TransactionPage, error)
	Balances(ctx context.Context) ([]Balance, error)
}

// HoldingsProvider is implemented by providers with Capabilities.Holdings.
type HoldingsProvider interface {
	Holdings(ctx context.Context) ([]Holding, error)
}

// Disconnecter is implemented by providers with Capabilities.Disconnect.
// Disconnect revokes server-side access on a best-effort basis.
type Disconnecter interface {
	Disconnect(ctx context.Context) error
}

// ConnectionMeta is the stored identity a provider instance is created for.
type ConnectionMeta struct {
	ConnectionID    string
	ItemID          string
	InstitutionID   string
	InstitutionName string
}

var (
	// ErrUnknownProvider is returned by Registry.Create for unregistered names.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNotConfigured means the provider's application credentials are absent.
	ErrNotConfigured = errors.New("provider not configured")
)

// AuthError carries an upstream rejection of the supplied credentials. The
// message is passed through verbatim.
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s rejected credentials: %s", e.Provider, e.Message)
}

// LinkExitError means the user left the hosted link flow before finishing.
type LinkExitError struct {
	Provider string
	Reason   string
}

func (e *LinkExitError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s link exited by user", e.Provider)
	}
	return fmt.Sprintf("%s link exited: %s", e.Provider, e.Reason)
}
