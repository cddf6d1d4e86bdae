package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jask/moneysync/internal/service"
)

type connectionsCmd struct{}

func (*connectionsCmd) Name() string     { return "connections" }
func (*connectionsCmd) Synopsis() string { return "list linked institutions" }
func (*connectionsCmd) Usage() string {
	return `moneysync connections
`
}
func (*connectionsCmd) SetFlags(*flag.FlagSet) {}

func (*connectionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(app *App) error {
		conns, err := app.Ledger.ListConnections(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(conns))
		for _, c := range conns {
			name := "-"
			if c.InstitutionName != nil {
				name = *c.InstitutionName
			}
			n, err := app.Ledger.Accounts.CountByConnection(ctx, c.ID)
			if err != nil {
				return err
			}
			rows = append(rows, []string{c.Provider, name, fmt.Sprint(n), formatTime(c.LastSyncedAt), c.ID})
		}
		renderTable(os.Stdout, []string{"Provider", "Institution", "Accounts", "Last synced", "ID"}, rows)
		return nil
	})
}

type syncCmd struct{}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "sync one connection, or all of them" }
func (*syncCmd) Usage() string {
	return `moneysync sync [<connection-id>...]
`
}
func (*syncCmd) SetFlags(*flag.FlagSet) {}

func (*syncCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(app *App) error {
		var outcomes []service.SyncOutcome
		if f.NArg() == 0 {
			all, err := app.Sync.SyncAll(ctx)
			if err != nil {
				return err
			}
			outcomes = all
		}
		for _, id := range f.Args() {
			res, err := app.Sync.SyncConnection(ctx, id)
			outcomes = append(outcomes, service.SyncOutcome{ConnectionID: id, Result: res, Err: err})
		}
		printOutcomes(outcomes)
		var failed int
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d connections failed", failed, len(outcomes))
		}
		return nil
	})
}

func printOutcomes(outcomes []service.SyncOutcome) {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		status := okStyle.Render("ok")
		if o.Err != nil {
			status = warnStyle.Render(describe(o.Err))
		} else if len(o.Result.Warnings) > 0 {
			status = warnStyle.Render(fmt.Sprintf("ok, %d warnings", len(o.Result.Warnings)))
		}
		r := o.Result
		rows = append(rows, []string{o.ConnectionID, r.Provider, fmt.Sprint(r.Accounts), fmt.Sprint(r.Added),
			fmt.Sprint(r.Modified), fmt.Sprint(r.Removed), fmt.Sprint(r.Duplicates), status})
	}
	renderTable(os.Stdout, []string{"Connection", "Provider", "Accounts", "Added", "Modified", "Removed", "Duplicates", "Status"}, rows)
}

type linkCmd struct {
	provider string
	token    string
}

func (*linkCmd) Name() string     { return "link" }
func (*linkCmd) Synopsis() string { return "link an institution through a hosted provider flow" }
func (*linkCmd) Usage() string {
	return `moneysync link <institution name>
moneysync link -provider <name> -token <completion token>

  Searches every configured provider, opens the best match and waits for the
  browser flow to finish. When the wait runs out, resume with -token.
`
}

func (c *linkCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.provider, "provider", "", "provider of a flow to resume")
	f.StringVar(&c.token, "token", "", "completion token printed by an earlier link")
}

func (c *linkCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.token != "" {
		if c.provider == "" {
			return usageError(f, "-token needs -provider")
		}
		return run(ctx, func(app *App) error { return c.complete(ctx, app, c.provider, c.token) })
	}
	name, ok := oneArg(f)
	if !ok {
		return usageError(f, "need one institution name (quote names with spaces)")
	}
	return run(ctx, func(app *App) error {
		found, err := app.Link.Search(ctx, name)
		if err != nil {
			return err
		}
		start, err := app.Link.Start(ctx, found.Best)
		if err != nil {
			return err
		}
		fmt.Printf("Linking %s via %s. Open this URL to continue:\n\n  %s\n\n", found.Best.Name, found.Best.Provider, start.URL)
		fmt.Println(mutedStyle.Render(fmt.Sprintf("resume later with: moneysync link -provider %s -token %s", found.Best.Provider, start.CompletionToken)))
		return c.complete(ctx, app, found.Best.Provider, start.CompletionToken)
	})
}

// complete retries until the flow finishes or the configured timeout passes.
func (c *linkCmd) complete(ctx context.Context, app *App, providerName, token string) error {
	deadline := time.Now().Add(app.Config.Link.PollTimeout)
	for {
		res, err := app.Link.Complete(ctx, providerName, token)
		if err != nil {
			return err
		}
		if res.Status != service.LinkWaiting {
			printLinkResult(res)
			return nil
		}
		if time.Now().After(deadline) {
			fmt.Println(warnStyle.Render("still waiting for the link to finish; resume with -token"))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(app.Config.Link.PollInterval):
		}
	}
}

func printLinkResult(res service.LinkResult) {
	for _, lc := range res.Connections {
		switch {
		case lc.Status == service.LinkDuplicate:
			fmt.Printf("%s is already linked as %s\n", lc.InstitutionName, lc.ConnectionID)
		case lc.SyncError != nil:
			fmt.Printf("linked %s as %s; %s\n", lc.InstitutionName, lc.ConnectionID,
				warnStyle.Render("first sync failed: "+describe(lc.SyncError)))
		default:
			added := 0
			if lc.Sync != nil {
				added = lc.Sync.Added
			}
			fmt.Printf("linked %s as %s (%s transactions)\n", lc.InstitutionName, lc.ConnectionID, okStyle.Render(fmt.Sprint(added)))
		}
	}
}

type linkDirectCmd struct{}

func (*linkDirectCmd) Name() string     { return "link-direct" }
func (*linkDirectCmd) Synopsis() string { return "link with a credential you already hold" }
func (*linkDirectCmd) Usage() string {
	return `moneysync link-direct coinbase '{"api_key":"...","api_secret":"..."}'
moneysync link-direct csv <path/to/statement.csv>
`
}
func (*linkDirectCmd) SetFlags(*flag.FlagSet) {}

func (*linkDirectCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		return usageError(f, "need a provider and a credential")
	}
	return run(ctx, func(app *App) error {
		res, err := app.Link.LinkDirect(ctx, f.Arg(0), f.Arg(1))
		if err != nil {
			return err
		}
		printLinkResult(res)
		return nil
	})
}

type serveCmd struct {
	addr     string
	interval time.Duration
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "sync periodically and expose Prometheus metrics" }
func (*serveCmd) Usage() string {
	return `moneysync serve [-addr :9464] [-interval 6h]
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "metrics listen address (default metrics.addr)")
	f.DurationVar(&c.interval, "interval", 0, "sync interval (default sync.interval)")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(app *App) error {
		addr, interval := c.addr, c.interval
		if addr == "" {
			addr = app.Config.Metrics.Addr
		}
		if interval <= 0 {
			interval = app.Config.Sync.Interval
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.Gatherer, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		app.Logger.Info("serving metrics", zap.String("addr", addr), zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			c.tick(ctx, app)
			select {
			case <-ctx.Done():
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdown)
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ticker.C:
			}
		}
	})
}

func (c *serveCmd) tick(ctx context.Context, app *App) {
	outcomes, err := app.Sync.SyncAll(ctx)
	if err != nil {
		app.Logger.Error("sync all failed", zap.Error(err))
		return
	}
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	if _, err := app.Portfolio.Snapshot(ctx); err != nil {
		app.Logger.Warn("net worth snapshot failed", zap.Error(err))
	}
	app.Logger.Info("periodic sync done", zap.Int("connections", len(outcomes)), zap.Int("failed", failed))
}
