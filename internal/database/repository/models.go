package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceManual marks rows entered by hand rather than by a provider.
const SourceManual = "manual"

// Account represents an account row.
type Account struct {
	ID           string
	Name         string
	Institution  string
	AccountType  string
	Currency     string
	Balance      decimal.NullDecimal
	Source       string
	ExternalID   *string
	ConnectionID *string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Transaction represents a transaction row.
type Transaction struct {
	ID          string
	AccountID   string
	Amount      decimal.Decimal
	Date        time.Time
	Currency    string
	Description string
	Merchant    *string
	Category    *string
	Subcategory *string
	Type        *string
	Notes       *string
	Source      string
	ExternalID  *string
	Pending     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Holding represents a portfolio position.
type Holding struct {
	ID          string
	AccountID   string
	Symbol      string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Value       decimal.Decimal
	AssetType   string
	PriceSource *string
	PriceAsOf   *time.Time
	UpdatedAt   time.Time
}

// Connection represents a linked institution or credential group.
type Connection struct {
	ID              string
	Provider        string
	ItemID          *string
	InstitutionID   *string
	InstitutionName *string
	CredentialRef   string
	Cursor          *string
	LastSyncedAt    *time.Time
	CreatedAt       time.Time
}

// Snapshot is an immutable point-in-time net worth record.
type Snapshot struct {
	ID               string
	TakenAt          time.Time
	TotalAssets      decimal.Decimal
	TotalLiabilities decimal.Decimal
	NetWorth         decimal.Decimal
	Breakdown        []SnapshotLine
}

// SnapshotLine is one account's contribution to a snapshot.
type SnapshotLine struct {
	AccountID   string          `json:"account_id"`
	Name        string          `json:"name"`
	AccountType string          `json:"account_type"`
	Value       decimal.Decimal `json:"value"`
	Liability   bool            `json:"liability"`
}

// CategorySpend aggregates outflows for one category.
type CategorySpend struct {
	Category string
	Total    decimal.Decimal
	Count    int
}
