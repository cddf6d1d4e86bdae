package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/jask/moneysync/internal/service"
)

// Register adds every moneysync command to c.
func Register(c *subcommands.Commander) {
	c.Register(&accountsCmd{}, "ledger")
	c.Register(&addAccountCmd{}, "ledger")
	c.Register(&archiveCmd{}, "ledger")
	c.Register(&transactionsCmd{}, "ledger")
	c.Register(&editTxnCmd{}, "ledger")
	c.Register(&holdingCmd{}, "ledger")
	c.Register(&importCmd{}, "ledger")
	c.Register(&exportCmd{}, "ledger")
	c.Register(&removeCmd{}, "ledger")
	c.Register(&resetCmd{}, "ledger")

	c.Register(&connectionsCmd{}, "providers")
	c.Register(&linkCmd{}, "providers")
	c.Register(&linkDirectCmd{}, "providers")
	c.Register(&syncCmd{}, "providers")
	c.Register(&serveCmd{}, "providers")

	c.Register(&spendingCmd{}, "reports")
	c.Register(&networthCmd{}, "reports")
}

// run opens the app, runs fn and maps its error to an exit status.
func run(ctx context.Context, fn func(*App) error) subcommands.ExitStatus {
	app, err := Open(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer app.Close()
	if err := fn(app); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// describe adds a hint to errors the user can act on.
func describe(err error) string {
	var missing *service.MissingSecretError
	if errors.As(err, &missing) {
		return err.Error() + "\n  run: moneysync remove " + missing.ConnectionID + " && moneysync link ..."
	}
	return err.Error()
}

func usageError(f *flag.FlagSet, msg string) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, msg)
	f.Usage()
	return subcommands.ExitUsageError
}

func oneArg(f *flag.FlagSet) (string, bool) {
	if f.NArg() != 1 {
		return "", false
	}
	return strings.TrimSpace(f.Arg(0)), true
}
