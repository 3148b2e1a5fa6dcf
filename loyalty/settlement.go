package loyalty

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SETTLEMENT CSV - Header detection and amount normalization
// =============================================================================

// Header synonyms, compared after normalizeHeader.
var (
	billHeaders = []string{
		"bill_id", "billid", "bill", "bill_no", "bill_number",
		"invoice_id", "invoice", "invoice_no", "invoice_number",
		"receipt_id", "receipt", "receipt_no",
		"check_id", "order_id", "transaction_id", "reference", "ref",
	}
	amountHeaders = []string{"amount", "total", "bill_amount", "total_amount", "amt", "value", "bill_total"}
	dateHeaders   = []string{"date", "bill_date", "transaction_date", "txn_date", "created_at", "timestamp"}
)

// SettlementRow is one non-blank data row of a settlement export.
type SettlementRow struct {
	BillID string
	Amount string // raw, as exported
	Date   string // raw, as exported
}

// ParseSettlement reads a header row followed by data rows. The bill column
// is mandatory; amount and date are optional. Blank rows are skipped.
func ParseSettlement(r io.Reader) ([]SettlementRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, invalid("settlement file is empty")
	}
	if err != nil {
		return nil, invalid("settlement file is not valid CSV: %v", err)
	}

	billCol, amountCol, dateCol := -1, -1, -1
	for i, h := range header {
		name := normalizeHeader(h)
		switch {
		case billCol < 0 && contains(billHeaders, name):
			billCol = i
		case amountCol < 0 && contains(amountHeaders, name):
			amountCol = i
		case dateCol < 0 && contains(dateHeaders, name):
			dateCol = i
		}
	}
	if billCol < 0 {
		return nil, invalid("no bill id column found; expected one of: %s", strings.Join(billHeaders, ", "))
	}

	var rows []SettlementRow
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, invalid("settlement file is not valid CSV: %v", err)
		}
		if blank(fields) {
			continue
		}
		rows = append(rows, SettlementRow{
			BillID: field(fields, billCol),
			Amount: field(fields, amountCol),
			Date:   field(fields, dateCol),
		})
	}
	return rows, nil
}

// NormalizeAmount strips currency symbols and thousands separators from an
// exported amount. "(12.50)" is read as negative. A dot inside a currency
// prefix ("Rs.105.00") is not a decimal point, and only the last dot in the
// number is. ok is false when nothing numeric remains.
func NormalizeAmount(raw string) (amount decimal.Decimal, ok bool) {
	s := strings.TrimSpace(raw)
	negative := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")

	first := strings.IndexFunc(s, isDigit)
	if first < 0 {
		return decimal.Zero, false
	}
	prefix, body := s[:first], s[first:]
	if strings.Contains(prefix, "-") {
		negative = true
	}

	var digits strings.Builder
	if strings.HasSuffix(prefix, ".") && !endsInLetter(prefix[:len(prefix)-1]) {
		digits.WriteByte('.')
	}
	lastDot := strings.LastIndexByte(body, '.')
	for i, r := range body {
		switch {
		case isDigit(r):
			digits.WriteRune(r)
		case r == '.' && i == lastDot:
			digits.WriteRune(r)
		}
	}

	d, err := decimal.NewFromString(digits.String())
	if err != nil {
		return decimal.Zero, false
	}
	if negative && d.IsPositive() {
		d = d.Neg()
	}
	return d, true
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func endsInLetter(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r != utf8.RuneError && unicode.IsLetter(r)
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.Trim(h, `"'`)
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

func field(fields []string, col int) string {
	if col < 0 || col >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[col])
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
