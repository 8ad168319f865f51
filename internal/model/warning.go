package model

import "time"

// WarningCode identifies a data-quality issue kind.
type WarningCode string

const (
	WarnMissingPrice              WarningCode = "MISSING_PRICE"
	WarnStalePriceFallback        WarningCode = "STALE_PRICE_FALLBACK"
	WarnNegativeCash              WarningCode = "NEGATIVE_CASH"
	WarnUnclassifiedExposure      WarningCode = "UNCLASSIFIED_EXPOSURE"
	WarnEtfLookthroughUnavailable WarningCode = "ETF_LOOKTHROUGH_UNAVAILABLE"
	WarnEtfLookthroughStale       WarningCode = "ETF_LOOKTHROUGH_STALE"
	WarnUnknownTicker             WarningCode = "UNKNOWN_TICKER"
)

// Severity of a tracked warning.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Warning is pure computation output. It never carries lifecycle state.
type Warning struct {
	Code         WarningCode `json:"code"`
	Message      string      `json:"message"`
	AccountID    *string     `json:"account_id,omitempty"`
	InstrumentID *string     `json:"instrument_id,omitempty"`
	Symbol       string      `json:"symbol"`
}

// WarningRecord is the persisted lifecycle row of one fingerprint.
type WarningRecord struct {
	ID           string      `json:"id" db:"id"`
	Fingerprint  string      `json:"fingerprint" db:"fingerprint"`
	Scope        string      `json:"scope" db:"scope"`
	Mode         string      `json:"mode" db:"mode"`
	Code         WarningCode `json:"code" db:"code"`
	Severity     Severity    `json:"severity" db:"severity"`
	Message      string      `json:"message" db:"message"`
	AccountID    *string     `json:"account_id,omitempty" db:"account_id"`
	InstrumentID *string     `json:"instrument_id,omitempty" db:"instrument_id"`
	Symbol       string      `json:"symbol" db:"symbol"`
	FirstSeen    time.Time   `json:"first_seen" db:"first_seen"`
	LastSeen     time.Time   `json:"last_seen" db:"last_seen"`
	ResolvedOn   *time.Time  `json:"resolved_on,omitempty" db:"resolved_on"`
}

// Active reports whether the record is unresolved.
func (r WarningRecord) Active() bool { return r.ResolvedOn == nil }

// JobStatus is the refresh job state. RUNNING is the only non-terminal value.
type JobStatus string

const (
	JobRunning         JobStatus = "RUNNING"
	JobSucceeded       JobStatus = "SUCCEEDED"
	JobFailed          JobStatus = "FAILED"
	JobSkippedConflict JobStatus = "SKIPPED_CONFLICT"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool { return s != JobRunning }

// JobTrigger records who started a refresh.
type JobTrigger string

const (
	TriggerManual    JobTrigger = "MANUAL"
	TriggerScheduled JobTrigger = "SCHEDULED"
)

// RefreshInput is echoed on the job row.
type RefreshInput struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// RefreshResult is stored on successful jobs.
type RefreshResult struct {
	PricesUpdated    int `json:"prices_updated"`
	DaysMaterialized int `json:"days_materialized"`
	WarningsObserved int `json:"warnings_observed"`
	WarningsResolved int `json:"warnings_resolved"`
}

// RefreshJob is the persisted record of one orchestrated refresh attempt.
type RefreshJob struct {
	ID         string         `json:"id" db:"id"`
	Status     JobStatus      `json:"status" db:"status"`
	Trigger    JobTrigger     `json:"trigger" db:"trigger"`
	StartedAt  time.Time      `json:"started_at" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	Input      RefreshInput   `json:"input" db:"input"`
	Result     *RefreshResult `json:"result,omitempty" db:"result"`
	Error      *string        `json:"error,omitempty" db:"error"`
}

// Materialization summarizes one daily-valuation materialization run.
type Materialization struct {
	Days             int `json:"days"`
	WarningsObserved int `json:"warnings_observed"`
	WarningsResolved int `json:"warnings_resolved"`
}
