package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/service"
)

type accountsCmd struct {
	all bool
}

func (*accountsCmd) Name() string     { return "accounts" }
func (*accountsCmd) Synopsis() string { return "list accounts with their cached balances" }
func (*accountsCmd) Usage() string {
	return `moneysync accounts [-all]
`
}

func (c *accountsCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.all, "all", false, "include inactive accounts")
}

func (c *accountsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(app *App) error {
		accts, err := app.Ledger.Accounts.List(ctx, repository.AccountFilters{ActiveOnly: !c.all})
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(accts))
		for _, a := range accts {
			rows = append(rows, []string{a.Name, a.AccountType, a.Institution, formatNullMoney(a.Balance, a.Currency), a.Source, a.ID})
		}
		renderTable(os.Stdout, []string{"Name", "Type", "Institution", "Balance", "Source", "ID"}, rows, 3)
		return nil
	})
}

type addAccountCmd struct {
	name        string
	institution string
	kind        string
	currency    string
	balance     string
}

func (*addAccountCmd) Name() string     { return "add-account" }
func (*addAccountCmd) Synopsis() string { return "create a manually tracked account" }
func (*addAccountCmd) Usage() string {
	return `moneysync add-account -name <name> [-type checking] [-institution <name>] [-currency USD] [-balance <amount>]
`
}

func (c *addAccountCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.name, "name", "", "account name")
	f.StringVar(&c.institution, "institution", "", "institution name")
	f.StringVar(&c.kind, "type", "checking", "checking, savings, credit, investment, crypto, loan or other")
	f.StringVar(&c.currency, "currency", "USD", "ISO currency code")
	f.StringVar(&c.balance, "balance", "", "current balance")
}

func (c *addAccountCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.name == "" {
		return usageError(f, "-name is required")
	}
	in := service.NewAccount{
		Name:        c.name,
		Institution: c.institution,
		Type:        provider.ParseAccountType(c.kind),
		Currency:    c.currency,
	}
	if c.balance != "" {
		b, err := decimal.NewFromString(c.balance)
		if err != nil {
			return usageError(f, fmt.Sprintf("invalid -balance %q", c.balance))
		}
		in.Balance = &b
	}
	return run(ctx, func(app *App) error {
		id, err := app.Ledger.CreateAccount(ctx, in)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

type holdingCmd struct {
	account   string
	symbol    string
	quantity  string
	price     string
	assetType string
	remove    bool
}

func (*holdingCmd) Name() string     { return "holding" }
func (*holdingCmd) Synopsis() string { return "record a position held in an account" }
func (*holdingCmd) Usage() string {
	return `moneysync holding -account <id> -symbol <sym> -qty <quantity> -price <price> [-asset stock]
moneysync holding -account <id> -symbol <sym> -delete
`
}

func (c *holdingCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "account id")
	f.StringVar(&c.symbol, "symbol", "", "ticker or coin symbol")
	f.StringVar(&c.quantity, "qty", "", "quantity held")
	f.StringVar(&c.price, "price", "", "unit price")
	f.StringVar(&c.assetType, "asset", "stock", "asset type")
	f.BoolVar(&c.remove, "delete", false, "remove the position instead")
}

func (c *holdingCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.account == "" || c.symbol == "" {
		return usageError(f, "-account and -symbol are required")
	}
	if c.remove {
		return run(ctx, func(app *App) error {
			return app.Portfolio.DeleteHolding(ctx, c.account, c.symbol)
		})
	}
	qty, err := decimal.NewFromString(c.quantity)
	if err != nil {
		return usageError(f, fmt.Sprintf("invalid -qty %q", c.quantity))
	}
	price, err := decimal.NewFromString(c.price)
	if err != nil {
		return usageError(f, fmt.Sprintf("invalid -price %q", c.price))
	}
	return run(ctx, func(app *App) error {
		return app.Portfolio.UpsertHolding(ctx, c.account, c.symbol, qty, price, c.assetType)
	})
}

type importCmd struct {
	account  string
	dayFirst bool
}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "import a CSV statement into an account" }
func (*importCmd) Usage() string {
	return `moneysync import -account <id> [-day-first] <file.csv>

  Columns: date, amount, description, category[, subcategory, notes].
  A header row may name them in any order. Rows already imported are skipped.
`
}

func (c *importCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "account id")
	f.BoolVar(&c.dayFirst, "day-first", false, "read slash dates as day/month/year")
}

func (c *importCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	path, ok := oneArg(f)
	if !ok || c.account == "" {
		return usageError(f, "need -account and one file")
	}
	return run(ctx, func(app *App) error {
		fh, err := os.Open(path)
		if err != nil {
			return err
		}
		defer fh.Close()
		app.Ingest.Options.DayFirst = c.dayFirst
		res, err := app.Ingest.ImportCSV(ctx, c.account, fh)
		if err != nil {
			return err
		}
		fmt.Printf("imported %s, skipped %d\n", okStyle.Render(fmt.Sprint(res.Imported)), res.Skipped)
		for _, e := range res.Errors {
			fmt.Fprintln(os.Stderr, warnStyle.Render(e.Error()))
		}
		return nil
	})
}

type exportCmd struct {
	account string
	from    string
	to      string
	out     string
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "export transactions as CSV" }
func (*exportCmd) Usage() string {
	return `moneysync export [-account <id>] [-from YYYY-MM-DD] [-to YYYY-MM-DD] [-o file.csv]
`
}

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "only this account")
	f.StringVar(&c.from, "from", "", "first day, inclusive")
	f.StringVar(&c.to, "to", "", "last day, inclusive")
	f.StringVar(&c.out, "o", "", "output file (default stdout)")
}

func (c *exportCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	from, err := parseDay(c.from)
	if err != nil {
		return usageError(f, err.Error())
	}
	to, err := parseDay(c.to)
	if err != nil {
		return usageError(f, err.Error())
	}
	return run(ctx, func(app *App) error {
		w := os.Stdout
		if c.out != "" {
			fh, err := os.Create(c.out)
			if err != nil {
				return err
			}
			defer fh.Close()
			w = fh
		}
		n, err := app.Ingest.ExportCSV(ctx, w, repository.TransactionFilters{AccountID: c.account, From: from, To: to})
		if err != nil {
			return err
		}
		if c.out != "" {
			fmt.Printf("exported %d transactions to %s\n", n, c.out)
		}
		return nil
	})
}

type removeCmd struct {
	account bool
}

func (*removeCmd) Name() string     { return "remove" }
func (*removeCmd) Synopsis() string { return "remove a connection, or an account with -account" }
func (*removeCmd) Usage() string {
	return `moneysync remove [-account] <id>

  Removing a connection revokes upstream access where supported and deletes
  its accounts and transactions. Removing the last account of a connection
  removes the connection too.
`
}

func (c *removeCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.account, "account", false, "id is an account id")
}

func (c *removeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, ok := oneArg(f)
	if !ok {
		return usageError(f, "need exactly one id")
	}
	return run(ctx, func(app *App) error {
		if c.account {
			return app.Ledger.DeleteAccount(ctx, id)
		}
		return app.Ledger.RemoveConnection(ctx, id)
	})
}

type resetCmd struct {
	yes bool
}

func (*resetCmd) Name() string     { return "reset" }
func (*resetCmd) Synopsis() string { return "delete all ledger data and stored credentials" }
func (*resetCmd) Usage() string {
	return `moneysync reset -yes
`
}

func (c *resetCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.yes, "yes", false, "confirm")
}

func (c *resetCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.yes {
		return usageError(f, "reset deletes everything; pass -yes to confirm")
	}
	return run(ctx, func(app *App) error {
		return app.Maintenance.Reset(ctx)
	})
}

type archiveCmd struct {
	restore bool
}

func (*archiveCmd) Name() string     { return "archive" }
func (*archiveCmd) Synopsis() string { return "hide an account from listings and net worth" }
func (*archiveCmd) Usage() string {
	return `moneysync archive [-restore] <account-id>
`
}

func (c *archiveCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.restore, "restore", false, "make the account active again")
}

func (c *archiveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, ok := oneArg(f)
	if !ok {
		return usageError(f, "need exactly one account id")
	}
	return run(ctx, func(app *App) error {
		return app.Ledger.SetAccountActive(ctx, id, c.restore)
	})
}

type transactionsCmd struct {
	account string
	from    string
	to      string
	search  string
	limit   int
}

func (*transactionsCmd) Name() string     { return "transactions" }
func (*transactionsCmd) Synopsis() string { return "list transactions, newest first" }
func (*transactionsCmd) Usage() string {
	return `moneysync transactions [-account <id>] [-from YYYY-MM-DD] [-to YYYY-MM-DD] [-search text] [-limit 50]
`
}

func (c *transactionsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "only this account")
	f.StringVar(&c.from, "from", "", "first day, inclusive")
	f.StringVar(&c.to, "to", "", "last day, inclusive")
	f.StringVar(&c.search, "search", "", "match description or merchant")
	f.IntVar(&c.limit, "limit", 50, "maximum rows, 0 for all")
}

func (c *transactionsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	from, err := parseDay(c.from)
	if err != nil {
		return usageError(f, err.Error())
	}
	to, err := parseDay(c.to)
	if err != nil {
		return usageError(f, err.Error())
	}
	return run(ctx, func(app *App) error {
		txns, err := app.Ledger.ListTransactions(ctx, repository.TransactionFilters{
			AccountID: c.account, From: from, To: to, Search: c.search, Limit: c.limit,
		})
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(txns))
		for _, t := range txns {
			category := "-"
			if t.Category != nil {
				category = *t.Category
			}
			rows = append(rows, []string{t.Date.Format(time.DateOnly), t.Description, category, formatMoney(t.Amount, t.Currency), t.ID})
		}
		renderTable(os.Stdout, []string{"Date", "Description", "Category", "Amount", "ID"}, rows, 3)
		return nil
	})
}

type editTxnCmd struct {
	category    string
	subcategory string
	notes       string
	remove      bool
}

func (*editTxnCmd) Name() string     { return "edit" }
func (*editTxnCmd) Synopsis() string { return "recategorize, annotate or delete a transaction" }
func (*editTxnCmd) Usage() string {
	return `moneysync edit [-category <c> [-subcategory <s>]] [-notes <text>] <transaction-id>
moneysync edit -delete <transaction-id>

  An empty -category clears the category. Notes survive provider updates.
`
}

func (c *editTxnCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.category, "category", "", "new category")
	f.StringVar(&c.subcategory, "subcategory", "", "new subcategory")
	f.StringVar(&c.notes, "notes", "", "replace notes")
	f.BoolVar(&c.remove, "delete", false, "delete the transaction")
}

func (c *editTxnCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, ok := oneArg(f)
	if !ok {
		return usageError(f, "need exactly one transaction id")
	}
	set := map[string]bool{}
	f.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	if !c.remove && !set["category"] && !set["notes"] {
		return usageError(f, "nothing to change")
	}
	return run(ctx, func(app *App) error {
		if c.remove {
			return app.Ledger.DeleteTransaction(ctx, id)
		}
		if set["category"] {
			if err := app.Ledger.Recategorize(ctx, id, c.category, c.subcategory); err != nil {
				return err
			}
		}
		if set["notes"] {
			return app.Ledger.SetNotes(ctx, id, c.notes)
		}
		return nil
	})
}
