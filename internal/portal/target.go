// Package portal models the procurement portal's listing domain: crawl
// targets, tender records, document references, and the session capability
// surface used to drive the portal.
package portal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category identifies one of the portal's listing sections.
type Category string

// Listing sections the portal exposes.
const (
	CategoryActive    Category = "active"
	CategoryAwarded   Category = "awarded"
	CategoryCancelled Category = "cancelled"
	CategoryContracts Category = "contracts"
)

// ParseCategory validates an operator-supplied category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryActive, CategoryAwarded, CategoryCancelled, CategoryContracts:
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// FilterMode selects how the window filter is asserted against the portal.
type FilterMode string

const (
	// FilterModeModal drives the portal's selection dialog. The filter lives
	// in server-side session state and must be re-asserted on every
	// navigation leg.
	FilterModeModal FilterMode = "modal"
	// FilterModeServer encodes the window in each request, so navigation
	// legs are stateless and cheaper.
	FilterModeServer FilterMode = "server-filter"
)

// ParseFilterMode validates an operator-supplied filter mode.
func ParseFilterMode(s string) (FilterMode, error) {
	m := FilterMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case FilterModeModal, FilterModeServer:
		return m, nil
	}
	return "", fmt.Errorf("unknown filter mode %q", s)
}

// Window bounds a crawl to either a whole archive year or an explicit date
// range. Exactly one of the two forms is set.
type Window struct {
	Year int       `json:"year,omitempty"`
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

// YearWindow returns a window covering one archive year.
func YearWindow(year int) Window {
	return Window{Year: year}
}

// RangeWindow returns a window covering [from, to] inclusive.
func RangeWindow(from, to time.Time) Window {
	return Window{From: from, To: to}
}

// IsYear reports whether the window is an archive year.
func (w Window) IsYear() bool {
	return w.Year != 0
}

// Contains reports whether t falls inside the window. Zero times are treated
// as not contained so callers can feed unparsed dates safely.
func (w Window) Contains(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if w.IsYear() {
		return t.Year() == w.Year
	}
	return !t.Before(w.From) && !t.After(w.To)
}

// Validate checks that exactly one window form is populated and sane.
func (w Window) Validate() error {
	if w.IsYear() {
		if !w.From.IsZero() || !w.To.IsZero() {
			return errors.New("window: year and date range are mutually exclusive")
		}
		if w.Year < 1990 || w.Year > 2100 {
			return fmt.Errorf("window: implausible archive year %d", w.Year)
		}
		return nil
	}
	if w.From.IsZero() || w.To.IsZero() {
		return errors.New("window: date range requires both from and to")
	}
	if w.To.Before(w.From) {
		return fmt.Errorf("window: to %s precedes from %s",
			w.To.Format("2006-01-02"), w.From.Format("2006-01-02"))
	}
	return nil
}

// String renders the window in its checkpoint-key form.
func (w Window) String() string {
	if w.IsYear() {
		return fmt.Sprintf("%d", w.Year)
	}
	return w.From.Format("2006-01-02") + ".." + w.To.Format("2006-01-02")
}

// ParseWindow accepts either a bare year ("2019") or a date range
// ("2024-01-01..2024-03-31").
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Window{}, errors.New("empty window")
	}
	if from, to, ok := strings.Cut(s, ".."); ok {
		f, err := time.Parse("2006-01-02", from)
		if err != nil {
			return Window{}, fmt.Errorf("parse window from: %w", err)
		}
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return Window{}, fmt.Errorf("parse window to: %w", err)
		}
		w := RangeWindow(f, t)
		if err := w.Validate(); err != nil {
			return Window{}, err
		}
		return w, nil
	}
	var year int
	if _, err := fmt.Sscanf(s, "%d", &year); err != nil {
		return Window{}, fmt.Errorf("parse window year %q: %w", s, err)
	}
	w := YearWindow(year)
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// CrawlTarget is one unit of crawl work: a listing section restricted to a
// window, driven in a fixed filter mode. Immutable for the life of a run.
type CrawlTarget struct {
	Category Category   `json:"category"`
	Window   Window     `json:"window"`
	Mode     FilterMode `json:"mode"`
}

// Key returns the stable identity used for checkpoints and run bookkeeping,
// e.g. "awarded/2019/modal".
func (t CrawlTarget) Key() string {
	return string(t.Category) + "/" + t.Window.String() + "/" + string(t.Mode)
}

func (t CrawlTarget) String() string {
	return t.Key()
}

// Validate checks all three target components.
func (t CrawlTarget) Validate() error {
	if _, err := ParseCategory(string(t.Category)); err != nil {
		return err
	}
	if _, err := ParseFilterMode(string(t.Mode)); err != nil {
		return err
	}
	if err := t.Window.Validate(); err != nil {
		return err
	}
	return nil
}

// ParseTarget builds a target from its Key form. Inverse of Key.
func ParseTarget(key string) (CrawlTarget, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return CrawlTarget{}, fmt.Errorf("malformed target key %q", key)
	}
	cat, err := ParseCategory(parts[0])
	if err != nil {
		return CrawlTarget{}, err
	}
	win, err := ParseWindow(parts[1])
	if err != nil {
		return CrawlTarget{}, err
	}
	mode, err := ParseFilterMode(parts[2])
	if err != nil {
		return CrawlTarget{}, err
	}
	return CrawlTarget{Category: cat, Window: win, Mode: mode}, nil
}
