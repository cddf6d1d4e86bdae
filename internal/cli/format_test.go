package cli

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFormatMoney(t *testing.T) {
	t.Parallel()
	cases := []struct {
		amount   string
		currency string
		want     string
	}{
		{"3200", "USD", "$3,200.00"},
		{"-45.5", "usd", "-$45.50"},
		{"0.005", "USD", "$0.01"},
		{"12", "", "$12.00"},
		{"1.5", "ZZZ", "1.50 ZZZ"},
	}
	for _, tc := range cases {
		got := formatMoney(decimal.RequireFromString(tc.amount), tc.currency)
		require.Equal(t, tc.want, got, tc.amount)
	}
	require.Equal(t, "-", formatNullMoney(decimal.NullDecimal{}, "USD"))
}

func TestParseDay(t *testing.T) {
	t.Parallel()
	d, err := parseDay("2026-01-31")
	require.NoError(t, err)
	require.Equal(t, 31, d.Day())
	zero, err := parseDay("")
	require.NoError(t, err)
	require.True(t, zero.IsZero())
	_, err = parseDay("31/01/2026")
	require.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	renderTable(&buf, []string{"Name", "Amount"}, [][]string{{"Coffee", "-$4.50"}, {"Salary", "$3,200.00"}}, 1)
	out := buf.String()
	require.Contains(t, out, "Coffee")
	require.Contains(t, out, "$3,200.00")
}
