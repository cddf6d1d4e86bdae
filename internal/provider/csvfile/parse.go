// Package csvfile reads transaction exports from local CSV files, both as a
// one-shot import and as a linked provider that re-reads the file on sync.
package csvfile

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Columns in positional order when the file has no header.
var Columns = []string{"date", "amount", "description", "category", "subcategory", "notes"}

// Row is one parsed line.
type Row struct {
	Line        int
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	Category    string
	Subcategory string
	Notes       string
}

// RowError is a line that could not be parsed. Parsing continues past it.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e RowError) Unwrap() error { return e.Err }

// Options tune date parsing.
type Options struct {
	// DayFirst reads 3/02/2026 as 3 February rather than 2 March.
	DayFirst bool
}

// Parse reads rows from r. A first line whose first field is "date" is a
// header and may reorder or omit the optional columns. The error return is
// reserved for failures of r itself.
func Parse(r io.Reader, opts Options) ([]Row, []RowError, error) {
	csvr := csv.NewReader(bufio.NewReader(r))
	csvr.TrimLeadingSpace = true
	csvr.FieldsPerRecord = -1

	index := positional()
	var rows []Row
	var rowErrs []RowError
	first := true
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErrs = append(rowErrs, RowError{Line: pe.Line, Err: pe.Err})
				first = false
				continue
			}
			return nil, nil, err
		}
		line, _ := csvr.FieldPos(0)
		if blank(rec) {
			continue
		}
		if first && strings.EqualFold(strings.TrimSpace(rec[0]), "date") {
			first = false
			index, err = headerIndex(rec)
			if err != nil {
				return nil, nil, err
			}
			continue
		}
		first = false
		row, err := parseRecord(rec, index, opts)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Err: err})
			continue
		}
		row.Line = line
		rows = append(rows, row)
	}
	return rows, rowErrs, nil
}

func positional() map[string]int {
	idx := make(map[string]int, len(Columns))
	for i, c := range Columns {
		idx[c] = i
	}
	return idx
}

func headerIndex(rec []string) (map[string]int, error) {
	idx := map[string]int{}
	for i, h := range rec {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"date", "amount", "description"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("header is missing required column %q", required)
		}
	}
	return idx, nil
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func field(rec []string, index map[string]int, name string) string {
	i, ok := index[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parseRecord(rec []string, index map[string]int, opts Options) (Row, error) {
	if len(rec) < 3 {
		return Row{}, fmt.Errorf("expected at least 3 columns (date, amount, description), got %d", len(rec))
	}
	date, err := ParseDate(field(rec, index, "date"), opts)
	if err != nil {
		return Row{}, fmt.Errorf("date: %w", err)
	}
	amount, err := ParseAmount(field(rec, index, "amount"))
	if err != nil {
		return Row{}, fmt.Errorf("amount: %w", err)
	}
	desc := field(rec, index, "description")
	if desc == "" {
		return Row{}, errors.New("description is empty")
	}
	return Row{
		Date:        date,
		Amount:      amount,
		Description: desc,
		Category:    field(rec, index, "category"),
		Subcategory: field(rec, index, "subcategory"),
		Notes:       field(rec, index, "notes"),
	}, nil
}

// ParseDate accepts ISO dates and slash dates, month first unless DayFirst.
func ParseDate(s string, opts Options) (time.Time, error) {
	layouts := []string{time.DateOnly, "2006/01/02", "1/2/2006", "1/2/06"}
	if opts.DayFirst {
		layouts = []string{time.DateOnly, "2006/01/02", "2/1/2006", "2/1/06"}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ParseAmount accepts 1,234.50, $-12, -$12 and accounting-style (12.00).
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer(",", "", "$", "", " ", "").Replace(s)
	if s == "" {
		return decimal.Zero, errors.New("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

// ExternalIDs derives a stable id per row from the account key and the row
// content. Identical rows within one file are told apart by occurrence, so
// re-reading the same file yields the same ids.
func ExternalIDs(accountKey string, rows []Row) []string {
	seen := map[string]int{}
	out := make([]string, len(rows))
	for i, r := range rows {
		base := strings.Join([]string{accountKey, r.Date.Format(time.DateOnly), r.Amount.String(), r.Description}, "|")
		n := seen[base]
		seen[base] = n + 1
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", base, n)))
		out[i] = fmt.Sprintf("%x", sum[:16])
	}
	return out
}

// Write emits rows with a header in Columns order.
func Write(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Date.Format(time.DateOnly), r.Amount.StringFixed(2), r.Description, r.Category, r.Subcategory, r.Notes}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
