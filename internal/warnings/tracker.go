// Package warnings persists data-quality warnings across repeated
// computations. A warning's identity is its fingerprint; the tracker upserts
// every observed fingerprint and resolves active ones that were not observed.
package warnings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Computation modes that own separate warning ledgers.
const (
	ModeSnapshot  = "snapshot"
	ModeExposure  = "exposure"
	ModeValuation = "valuation"
)

// Ledger is the persistence boundary for warning records.
type Ledger interface {
	ListActiveWarnings(ctx context.Context, scope, mode string) ([]model.WarningRecord, error)
	UpsertWarning(ctx context.Context, rec model.WarningRecord) (model.WarningRecord, error)
	ResolveWarnings(ctx context.Context, ids []string, resolvedOn time.Time) error
}

// Fingerprint hashes (code, account, instrument, upper(symbol), mode).
// Message text and dates do not participate.
func Fingerprint(w model.Warning, mode string) string {
	parts := []string{
		string(w.Code),
		optional(w.AccountID),
		optional(w.InstrumentID),
		strings.ToUpper(strings.TrimSpace(w.Symbol)),
		mode,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// optional encodes a nil reference distinctly from any id.
func optional(s *string) string {
	if s == nil {
		return "\x00"
	}
	return *s
}

// SeverityFor returns the fixed severity of a warning code.
func SeverityFor(code model.WarningCode) model.Severity {
	switch code {
	case model.WarnMissingPrice, model.WarnEtfLookthroughUnavailable, model.WarnUnknownTicker:
		return model.SeverityError
	case model.WarnStalePriceFallback, model.WarnNegativeCash, model.WarnUnclassifiedExposure,
		model.WarnEtfLookthroughStale:
		return model.SeverityWarning
	}
	return model.SeverityWarning
}

// Outcome summarizes one reconciliation.
type Outcome struct {
	Observed int                   `json:"observed"`
	Opened   int                   `json:"opened"`
	Resolved int                   `json:"resolved"`
	Active   []model.WarningRecord `json:"active"`
}

// Tracker reconciles observed warnings against a Ledger.
type Tracker struct {
	ledger Ledger
	log    zerolog.Logger
}

// NewTracker creates a tracker.
func NewTracker(ledger Ledger, log zerolog.Logger) *Tracker {
	return &Tracker{
		ledger: ledger,
		log:    log.With().Str("component", "warnings").Logger(),
	}
}

// Reconcile records observed as seen on asOf for (scope, mode) and resolves
// every other active record in that scope and mode. Filtered views never
// touch the ledger: when filtered is true Reconcile is a no-op.
func (t *Tracker) Reconcile(ctx context.Context, scope, mode string, asOf time.Time, observed []model.Warning, filtered bool) (*Outcome, error) {
	if filtered {
		return &Outcome{}, nil
	}
	asOf = model.Day(asOf)

	prior, err := t.ledger.ListActiveWarnings(ctx, scope, mode)
	if err != nil {
		return nil, fmt.Errorf("list active warnings: %w", err)
	}
	wasActive := make(map[string]bool, len(prior))
	for _, rec := range prior {
		wasActive[rec.Fingerprint] = true
	}

	// Collapse duplicates; the last occurrence supplies the message.
	seen := make(map[string]model.Warning, len(observed))
	order := make([]string, 0, len(observed))
	for _, w := range observed {
		fp := Fingerprint(w, mode)
		if _, dup := seen[fp]; !dup {
			order = append(order, fp)
		}
		seen[fp] = w
	}

	out := &Outcome{Observed: len(order)}
	for _, fp := range order {
		w := seen[fp]
		rec := model.WarningRecord{
			ID:           uuid.NewString(),
			Fingerprint:  fp,
			Scope:        scope,
			Mode:         mode,
			Code:         w.Code,
			Severity:     SeverityFor(w.Code),
			Message:      w.Message,
			AccountID:    w.AccountID,
			InstrumentID: w.InstrumentID,
			Symbol:       strings.ToUpper(strings.TrimSpace(w.Symbol)),
			FirstSeen:    asOf,
			LastSeen:     asOf,
		}
		if _, err := t.ledger.UpsertWarning(ctx, rec); err != nil {
			return nil, fmt.Errorf("upsert warning %s: %w", w.Code, err)
		}
		if !wasActive[fp] {
			out.Opened++
		}
	}

	// The sweep reads the active set only after every upsert has landed.
	active, err := t.ledger.ListActiveWarnings(ctx, scope, mode)
	if err != nil {
		return nil, fmt.Errorf("list active warnings: %w", err)
	}
	var stale []string
	out.Active = make([]model.WarningRecord, 0, len(active))
	for _, rec := range active {
		if _, ok := seen[rec.Fingerprint]; ok {
			out.Active = append(out.Active, rec)
			continue
		}
		stale = append(stale, rec.ID)
	}
	if len(stale) > 0 {
		if err := t.ledger.ResolveWarnings(ctx, stale, asOf); err != nil {
			return nil, fmt.Errorf("resolve warnings: %w", err)
		}
	}
	out.Resolved = len(stale)

	t.log.Debug().
		Str("scope", scope).
		Str("mode", mode).
		Int("observed", out.Observed).
		Int("opened", out.Opened).
		Int("resolved", out.Resolved).
		Msg("Warnings reconciled")
	return out, nil
}
