// Package period parses and resolves performance period selectors.
package period

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Supported selector kinds.
const (
	SinceInception = "since_inception"
	YearToDate     = "ytd"
	Custom         = "custom"
)

var validKinds = map[string]bool{
	SinceInception: true,
	YearToDate:     true,
	Custom:         true,
}

var (
	// ErrInvalidPeriod is returned for unknown selectors and inconsistent bounds.
	ErrInvalidPeriod = errors.New("period: invalid period")
)

// Selector is an unresolved period request.
type Selector struct {
	Kind string     `json:"kind"`
	From *time.Time `json:"from,omitempty"` // custom only
	To   *time.Time `json:"to,omitempty"`   // custom only
}

// Bounds is a resolved, inclusive [Start, End] calendar range.
type Bounds struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of calendar days in the range, inclusive.
func (b Bounds) Days() int {
	return int(b.End.Sub(b.Start).Hours()/24) + 1
}

// Parse validates a selector name. Names are case-insensitive and accept
// "inception" as an alias.
func Parse(kind string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "inception" {
		k = SinceInception
	}
	if !validKinds[k] {
		return "", fmt.Errorf("%w: unknown selector %q", ErrInvalidPeriod, kind)
	}
	return k, nil
}

// Resolve turns a selector into bounds. inception is the earliest trade
// date in scope; it may be nil when the scope has no transactions.
func Resolve(sel Selector, asOf time.Time, inception *time.Time) (Bounds, error) {
	asOf = model.Day(asOf)
	kind, err := Parse(sel.Kind)
	if err != nil {
		return Bounds{}, err
	}

	switch kind {
	case Custom:
		if sel.From == nil || sel.To == nil {
			return Bounds{}, fmt.Errorf("%w: custom period needs from and to", ErrInvalidPeriod)
		}
		from, to := model.Day(*sel.From), model.Day(*sel.To)
		if from.After(to) {
			return Bounds{}, fmt.Errorf("%w: from %s is after to %s", ErrInvalidPeriod,
				from.Format(model.DateLayout), to.Format(model.DateLayout))
		}
		if to.After(asOf) {
			return Bounds{}, fmt.Errorf("%w: to %s is after as-of %s", ErrInvalidPeriod,
				to.Format(model.DateLayout), asOf.Format(model.DateLayout))
		}
		return Bounds{Start: from, End: to}, nil

	case YearToDate:
		return Bounds{Start: time.Date(asOf.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), End: asOf}, nil

	case SinceInception:
		if inception == nil {
			return Bounds{}, fmt.Errorf("%w: no transactions in scope", ErrInvalidPeriod)
		}
		start := model.Day(*inception)
		if start.After(asOf) {
			return Bounds{}, fmt.Errorf("%w: inception %s is after as-of %s", ErrInvalidPeriod,
				start.Format(model.DateLayout), asOf.Format(model.DateLayout))
		}
		return Bounds{Start: start, End: asOf}, nil
	}
	return Bounds{}, fmt.Errorf("%w: unknown selector %q", ErrInvalidPeriod, sel.Kind)
}
