package warnings_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/warnings"
)

func missingPrice(symbol string) model.Warning {
	return model.Warning{
		Code:         model.WarnMissingPrice,
		Message:      "no price for " + symbol,
		AccountID:    model.StrPtr("acc-1"),
		InstrumentID: model.StrPtr("id-" + symbol),
		Symbol:       symbol,
	}
}

func TestFingerprint(t *testing.T) {
	w := missingPrice("AAPL")
	fp := warnings.Fingerprint(w, warnings.ModeSnapshot)
	assert.Len(t, fp, 64)

	other := w
	other.Message = "completely different text"
	other.Symbol = "aapl"
	assert.Equal(t, fp, warnings.Fingerprint(other, warnings.ModeSnapshot), "message and symbol case do not matter")

	assert.NotEqual(t, fp, warnings.Fingerprint(w, warnings.ModeExposure), "mode participates")

	noAccount := w
	noAccount.AccountID = nil
	emptyAccount := w
	emptyAccount.AccountID = model.StrPtr("")
	assert.NotEqual(t, warnings.Fingerprint(noAccount, warnings.ModeSnapshot),
		warnings.Fingerprint(emptyAccount, warnings.ModeSnapshot))
}

func TestSeverityFor(t *testing.T) {
	errorCodes := map[model.WarningCode]bool{
		model.WarnMissingPrice:              true,
		model.WarnEtfLookthroughUnavailable: true,
		model.WarnUnknownTicker:             true,
	}
	for _, code := range []model.WarningCode{
		model.WarnMissingPrice, model.WarnStalePriceFallback, model.WarnNegativeCash,
		model.WarnUnclassifiedExposure, model.WarnEtfLookthroughUnavailable,
		model.WarnEtfLookthroughStale, model.WarnUnknownTicker,
	} {
		want := model.SeverityWarning
		if errorCodes[code] {
			want = model.SeverityError
		}
		assert.Equal(t, want, warnings.SeverityFor(code), code)
	}
}

func TestReconcile_Lifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	tr := warnings.NewTracker(ledger, zerolog.Nop())
	day1, day2, day3 := model.Date(2024, 1, 1), model.Date(2024, 1, 2), model.Date(2024, 1, 3)

	out, err := tr.Reconcile(ctx, "portfolio", warnings.ModeSnapshot, day1,
		[]model.Warning{missingPrice("AAPL"), missingPrice("MSFT"), missingPrice("AAPL")}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Observed)
	assert.Equal(t, 2, out.Opened)
	assert.Equal(t, 0, out.Resolved)

	// MSFT disappears.
	out, err = tr.Reconcile(ctx, "portfolio", warnings.ModeSnapshot, day2, []model.Warning{missingPrice("AAPL")}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Opened)
	assert.Equal(t, 1, out.Resolved)
	require.Len(t, out.Active, 1)
	assert.Equal(t, "AAPL", out.Active[0].Symbol)
	assert.Equal(t, day1, out.Active[0].FirstSeen)
	assert.Equal(t, day2, out.Active[0].LastSeen)
	assert.Equal(t, model.SeverityError, out.Active[0].Severity)

	// Idempotent on repeat.
	out, err = tr.Reconcile(ctx, "portfolio", warnings.ModeSnapshot, day2, []model.Warning{missingPrice("AAPL")}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Opened)
	assert.Equal(t, 0, out.Resolved)

	// MSFT comes back: reopened with its original first-seen.
	out, err = tr.Reconcile(ctx, "portfolio", warnings.ModeSnapshot, day3,
		[]model.Warning{missingPrice("AAPL"), missingPrice("MSFT")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Opened)
	require.Len(t, out.Active, 2)
	for _, rec := range out.Active {
		assert.Equal(t, day1, rec.FirstSeen)
		assert.Equal(t, day3, rec.LastSeen)
	}
}

func TestReconcile_FilteredViewIsNoop(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	tr := warnings.NewTracker(ledger, zerolog.Nop())

	_, err := tr.Reconcile(ctx, "portfolio", warnings.ModeExposure, model.Date(2024, 1, 1),
		[]model.Warning{missingPrice("AAPL")}, false)
	require.NoError(t, err)

	_, err = tr.Reconcile(ctx, "portfolio", warnings.ModeExposure, model.Date(2024, 1, 2), nil, true)
	require.NoError(t, err)

	active, _ := ledger.ListActiveWarnings(ctx, "portfolio", warnings.ModeExposure)
	assert.Len(t, active, 1, "filtered run must not resolve anything")
}

func TestReconcile_ScopesAndModesAreIsolated(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	tr := warnings.NewTracker(ledger, zerolog.Nop())
	day := model.Date(2024, 1, 1)

	_, err := tr.Reconcile(ctx, "portfolio", warnings.ModeSnapshot, day, []model.Warning{missingPrice("AAPL")}, false)
	require.NoError(t, err)
	_, err = tr.Reconcile(ctx, "account:acc-1", warnings.ModeSnapshot, day, nil, false)
	require.NoError(t, err)
	_, err = tr.Reconcile(ctx, "portfolio", warnings.ModeExposure, day, nil, false)
	require.NoError(t, err)

	active, _ := ledger.ListActiveWarnings(ctx, "portfolio", warnings.ModeSnapshot)
	assert.Len(t, active, 1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) ListActiveWarnings(ctx context.Context, scope, mode string) ([]model.WarningRecord, error) {
	args := m.Called(ctx, scope, mode)
	recs, _ := args.Get(0).([]model.WarningRecord)
	return recs, args.Error(1)
}

func (m *mockLedger) UpsertWarning(ctx context.Context, rec model.WarningRecord) (model.WarningRecord, error) {
	args := m.Called(ctx, rec)
	return rec, args.Error(0)
}

func (m *mockLedger) ResolveWarnings(ctx context.Context, ids []string, on time.Time) error {
	args := m.Called(ctx, ids, on)
	return args.Error(0)
}

func TestReconcile_UpsertFailureSkipsSweep(t *testing.T) {
	boom := errors.New("db down")
	ledger := &mockLedger{}
	ledger.On("ListActiveWarnings", mock.Anything, "portfolio", warnings.ModeSnapshot).
		Return([]model.WarningRecord{{ID: "old", Fingerprint: "x"}}, nil).Once()
	ledger.On("UpsertWarning", mock.Anything, mock.Anything).Return(boom)

	tr := warnings.NewTracker(ledger, zerolog.Nop())
	_, err := tr.Reconcile(context.Background(), "portfolio", warnings.ModeSnapshot, model.Date(2024, 1, 1),
		[]model.Warning{missingPrice("AAPL")}, false)
	assert.ErrorIs(t, err, boom)
	ledger.AssertNotCalled(t, "ResolveWarnings", mock.Anything, mock.Anything, mock.Anything)
}
