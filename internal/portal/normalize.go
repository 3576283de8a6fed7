package portal

import (
	"strconv"
	"strings"
	"time"
)

// Date layouts observed across the portal's sections. Listing grids use the
// dotted form, detail pages the ISO form.
var dateLayouts = []string{
	"02.01.2006 15:04",
	"02.01.2006",
	"2006-01-02",
	"02/01/2006",
}

// statusAliases folds the portal's display variants into stable values.
var statusAliases = map[string]string{
	"open":         "open",
	"ongoing":      "open",
	"in progress":  "open",
	"awarded":      "awarded",
	"contracted":   "awarded",
	"cancelled":    "cancelled",
	"canceled":     "cancelled",
	"annulled":     "cancelled",
	"closed":       "closed",
	"deadline met": "closed",
}

// Normalize converts one scraped row into its merge-ready form. Optional
// fields that fail to parse are left absent rather than failing the row;
// a whole-page parse failure is the caller's malformed-payload case.
func Normalize(raw RawRecord, category Category, scrapedAt time.Time) PartialRecord {
	p := PartialRecord{
		TenderID:  strings.TrimSpace(raw.TenderID),
		Category:  category,
		ScrapedAt: scrapedAt,
		Documents: raw.Documents,
	}
	if v := strings.TrimSpace(raw.Title); v != "" {
		p.Title = &v
	}
	if v := strings.TrimSpace(raw.Entity); v != "" {
		p.Entity = &v
	}
	if v := strings.TrimSpace(raw.DetailURL); v != "" {
		p.DetailURL = &v
	}
	if amount, currency, ok := parseMoney(raw.Value); ok {
		p.Value = &amount
		if currency != "" {
			p.Currency = &currency
		}
	}
	if v := canonicalStatus(raw.Status); v != "" {
		p.Status = &v
	}
	p.Published = parseDate(raw.Published)
	p.Deadline = parseDate(raw.Deadline)
	return p
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// parseMoney handles both "1.234.567,89 EUR" and "EUR 1,234,567.89" shapes.
// The decimal separator is whichever of '.' or ',' appears last.
func parseMoney(s string) (float64, string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", false
	}

	var numeric, currency strings.Builder
	for _, field := range strings.Fields(s) {
		if isNumericToken(field) {
			numeric.WriteString(field)
			continue
		}
		if currency.Len() > 0 {
			currency.WriteString(" ")
		}
		currency.WriteString(field)
	}
	raw := numeric.String()
	if raw == "" {
		return 0, "", false
	}

	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")
	switch {
	case lastComma > lastDot:
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.Replace(raw, ",", ".", 1)
	default:
		raw = strings.ReplaceAll(raw, ",", "")
	}

	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, "", false
	}
	return amount, normalizeCurrency(currency.String()), true
}

func isNumericToken(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return false
		}
	}
	return s != ""
}

func normalizeCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "€":
		return "EUR"
	case "$":
		return "USD"
	case "£":
		return "GBP"
	}
	return s
}

func canonicalStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if canon, ok := statusAliases[s]; ok {
		return canon
	}
	return s
}
