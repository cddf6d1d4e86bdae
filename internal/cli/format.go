package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shopspring/decimal"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	negativeStyle = cellStyle.Foreground(lipgloss.Color("9"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// formatMoney renders amount in currency's display format. Unknown
// currencies fall back to a plain two-decimal amount with the code.
func formatMoney(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = money.USD
	}
	cur := money.GetCurrency(strings.ToUpper(currency))
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

func formatNullMoney(amount decimal.NullDecimal, currency string) string {
	if !amount.Valid {
		return "-"
	}
	return formatMoney(amount.Decimal, currency)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// renderTable writes a bordered table. Cells of columns listed in amountCols
// starting with "-" are highlighted.
func renderTable(w io.Writer, headers []string, rows [][]string, amountCols ...int) {
	isAmount := make(map[int]bool, len(amountCols))
	for _, c := range amountCols {
		isAmount[c] = true
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if isAmount[col] && row >= 0 && row < len(rows) && strings.HasPrefix(rows[row][col], "-") {
				return negativeStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD", s)
	}
	return d, nil
}
