package csvfile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/provider"
)

func TestParseHeaderAndRowErrors(t *testing.T) {
	t.Parallel()
	data := strings.Join([]string{
		"Date,Description,Amount,Category",
		"2026-02-01,Coffee,-4.50,Food",
		"02/03/2026,Salary,\"3,200.00\",Income",
		"not-a-date,Broken,1,",
		"2026-02-04,Refund,(12.00),",
		"2026-02-05,,1,",
	}, "\n")
	rows, rowErrs, err := Parse(strings.NewReader(data), Options{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Len(t, rowErrs, 2)
	require.Equal(t, 4, rowErrs[0].Line)
	require.Equal(t, 6, rowErrs[1].Line)

	require.Equal(t, "Coffee", rows[0].Description)
	require.Equal(t, "Food", rows[0].Category)
	require.True(t, rows[0].Amount.Equal(decimal.RequireFromString("-4.5")))
	require.Equal(t, "2026-02-03", rows[1].Date.Format(time.DateOnly))
	require.True(t, rows[1].Amount.Equal(decimal.NewFromInt(3200)))
	require.True(t, rows[2].Amount.Equal(decimal.NewFromInt(-12)))
}

func TestParsePositionalDayFirst(t *testing.T) {
	t.Parallel()
	rows, rowErrs, err := Parse(strings.NewReader("3/02/2026,203.92,PAYMENT THANKYOU,Transfer,Card,paid\n"), Options{DayFirst: true})
	require.NoError(t, err)
	require.Empty(t, rowErrs)
	require.Len(t, rows, 1)
	require.Equal(t, "2026-02-03", rows[0].Date.Format(time.DateOnly))
	require.Equal(t, "Card", rows[0].Subcategory)
	require.Equal(t, "paid", rows[0].Notes)
}

func TestParseRejectsIncompleteHeader(t *testing.T) {
	t.Parallel()
	_, _, err := Parse(strings.NewReader("date,amount\n2026-01-01,1\n"), Options{})
	require.Error(t, err)
}

func TestExternalIDsStableAndDistinct(t *testing.T) {
	t.Parallel()
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Row{
		{Date: day, Amount: decimal.NewFromInt(-3), Description: "Bus"},
		{Date: day, Amount: decimal.NewFromInt(-3), Description: "Bus"},
		{Date: day, Amount: decimal.NewFromInt(-4), Description: "Bus"},
	}
	a := ExternalIDs("acct-1", rows)
	require.Len(t, a, 3)
	require.NotEqual(t, a[0], a[1], "identical rows in one file are distinct")
	require.NotEqual(t, a[0], a[2])
	require.Equal(t, a, ExternalIDs("acct-1", rows))
	require.NotEqual(t, a[0], ExternalIDs("acct-2", rows)[0])
}

func TestWriteThenParse(t *testing.T) {
	t.Parallel()
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	in := []Row{
		{Date: day, Amount: decimal.RequireFromString("-45.5"), Description: "Groceries, weekly", Category: "Food"},
		{Date: day, Amount: decimal.NewFromInt(3200), Description: "Salary", Category: "Income", Notes: "jan"},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, in))
	out, rowErrs, err := Parse(&buf, Options{})
	require.NoError(t, err)
	require.Empty(t, rowErrs)
	require.Len(t, out, 2)
	require.True(t, out[0].Amount.Equal(in[0].Amount))
	require.Equal(t, "Groceries, weekly", out[0].Description)
	require.Equal(t, "jan", out[1].Notes)
}

func TestFileProvider(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "Everyday.csv")
	require.NoError(t, os.WriteFile(path, []byte("date,amount,description\n2026-02-01,-10,Lunch\n2026-02-02,-10,Lunch\n"), 0o600))

	login, err := Linker{}.LinkDirect(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "Everyday", login.Meta.InstitutionName)
	require.Equal(t, provider.ScopeInstitution, login.Scope)

	p, err := Factory(Options{}, nil)(login.Credential, login.Meta)
	require.NoError(t, err)
	accts, err := p.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accts, 1)
	require.Equal(t, "Everyday", accts[0].Name)
	require.Nil(t, accts[0].Balance)

	page, err := p.Transactions(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Added, 2)
	require.Nil(t, page.Next)
	require.Equal(t, accts[0].ExternalID, page.Added[0].AccountExternalID)

	again, err := p.Transactions(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, page.Added[0].ExternalID, again.Added[0].ExternalID)

	_, err = Linker{}.LinkDirect(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}
