package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
)

type spendingCmd struct {
	from     string
	to       string
	currency string
}

func (*spendingCmd) Name() string     { return "spending" }
func (*spendingCmd) Synopsis() string { return "total outflows per category" }
func (*spendingCmd) Usage() string {
	return `moneysync spending [-from YYYY-MM-DD] [-to YYYY-MM-DD]

  Defaults to the current month. Income never counts as spending.
`
}

func (c *spendingCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.from, "from", "", "first day, inclusive")
	f.StringVar(&c.to, "to", "", "last day, inclusive")
	f.StringVar(&c.currency, "currency", "USD", "display currency")
}

func (c *spendingCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	now := time.Now()
	from, err := parseDay(c.from)
	if err != nil {
		return usageError(f, err.Error())
	}
	to, err := parseDay(c.to)
	if err != nil {
		return usageError(f, err.Error())
	}
	if from.IsZero() {
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if to.IsZero() {
		to = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return run(ctx, func(app *App) error {
		spend, err := app.Ledger.SpendingSummary(ctx, from, to)
		if err != nil {
			return err
		}
		total := decimal.Zero
		rows := make([][]string, 0, len(spend)+1)
		for _, s := range spend {
			total = total.Add(s.Total)
			rows = append(rows, []string{s.Category, fmt.Sprint(s.Count), formatMoney(s.Total, c.currency)})
		}
		rows = append(rows, []string{"Total", "", formatMoney(total.Round(2), c.currency)})
		fmt.Printf("%s to %s\n", from.Format(time.DateOnly), to.Format(time.DateOnly))
		renderTable(os.Stdout, []string{"Category", "Count", "Spent"}, rows)
		return nil
	})
}

type networthCmd struct {
	snapshot bool
	history  int
	currency string
}

func (*networthCmd) Name() string     { return "networth" }
func (*networthCmd) Synopsis() string { return "show net worth, optionally storing a snapshot" }
func (*networthCmd) Usage() string {
	return `moneysync networth [-snapshot] [-history N]
`
}

func (c *networthCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.snapshot, "snapshot", false, "store the result as a snapshot")
	f.IntVar(&c.history, "history", 0, "list the last N snapshots instead")
	f.StringVar(&c.currency, "currency", "USD", "display currency")
}

func (c *networthCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(app *App) error {
		if c.history > 0 {
			snaps, err := app.Portfolio.History(ctx, c.history)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				rows = append(rows, []string{s.TakenAt.Local().Format("2006-01-02 15:04"),
					formatMoney(s.TotalAssets, c.currency), formatMoney(s.TotalLiabilities, c.currency), formatMoney(s.NetWorth, c.currency)})
			}
			renderTable(os.Stdout, []string{"Taken", "Assets", "Liabilities", "Net worth"}, rows, 3)
			return nil
		}

		nw, err := app.Portfolio.NetWorth(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(nw.Lines))
		for _, l := range nw.Lines {
			v := l.Value
			if l.Liability {
				v = v.Neg()
			}
			rows = append(rows, []string{l.Name, l.AccountType, formatMoney(v, c.currency)})
		}
		renderTable(os.Stdout, []string{"Account", "Type", "Value"}, rows, 2)
		fmt.Printf("assets %s  liabilities %s  net worth %s\n",
			formatMoney(nw.TotalAssets, c.currency), formatMoney(nw.TotalLiabilities, c.currency),
			okStyle.Render(formatMoney(nw.NetWorth, c.currency)))
		if c.snapshot {
			snap, err := app.Portfolio.Snapshot(ctx)
			if err != nil {
				return err
			}
			fmt.Println(mutedStyle.Render("snapshot " + snap.ID))
		}
		return nil
	})
}
