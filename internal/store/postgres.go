package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates missing tables and indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- Transactions ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, account_id, instrument_id, type, trade_date, settle_date,
		                           quantity, price, amount, fee, created_at, external_ref, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		tx.ID, tx.AccountID, tx.InstrumentID, string(tx.Type), model.Day(tx.TradeDate), tx.SettleDate,
		numArg(tx.Quantity), numArg(tx.Price), numArg(tx.Amount), tx.Fee.String(),
		tx.CreatedAt, tx.ExternalRef, tx.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s *PostgresStore) Transactions(ctx context.Context, accountID string, through time.Time) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, instrument_id, type, trade_date, settle_date,
		        quantity::TEXT, price::TEXT, amount::TEXT, fee::TEXT,
		        created_at, external_ref, notes
		 FROM transactions
		 WHERE ($1 = '' OR account_id = $1) AND trade_date <= $2
		 ORDER BY trade_date, created_at, id`, accountID, model.Day(through))
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var txType, fee string
		var qty, price, amount *string
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.InstrumentID, &txType, &tx.TradeDate, &tx.SettleDate,
			&qty, &price, &amount, &fee,
			&tx.CreatedAt, &tx.ExternalRef, &tx.Notes); err != nil {
			return nil, err
		}
		tx.Type = model.TxType(txType)
		tx.Quantity = numPtr(qty)
		tx.Price = numPtr(price)
		tx.Amount = numPtr(amount)
		tx.Fee = num(fee)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// --- Instruments ---

func (s *PostgresStore) UpsertInstrument(ctx context.Context, inst model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, kind, currency, country, sector, industry)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     symbol = EXCLUDED.symbol, kind = EXCLUDED.kind, currency = EXCLUDED.currency,
		     country = EXCLUDED.country, sector = EXCLUDED.sector, industry = EXCLUDED.industry`,
		inst.ID, strings.ToUpper(inst.Symbol), string(inst.Kind),
		inst.Currency, inst.Country, inst.Sector, inst.Industry,
	)
	if err != nil {
		return fmt.Errorf("upsert instrument %s: %w", inst.ID, err)
	}
	return nil
}

const instrumentColumns = `id, symbol, kind, currency, country, sector, industry`

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.queryInstruments(ctx, `SELECT `+instrumentColumns+` FROM instruments ORDER BY id`)
}

func (s *PostgresStore) InstrumentsByID(ctx context.Context, ids []string) (map[string]model.Instrument, error) {
	list, err := s.queryInstruments(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Instrument, len(list))
	for _, inst := range list {
		out[inst.ID] = inst
	}
	return out, nil
}

func (s *PostgresStore) InstrumentsBySymbol(ctx context.Context, symbols []string) (map[string]model.Instrument, error) {
	upper := make([]string, len(symbols))
	for i, sym := range symbols {
		upper[i] = strings.ToUpper(sym)
	}
	list, err := s.queryInstruments(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE symbol = ANY($1)`, upper)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Instrument, len(list))
	for _, inst := range list {
		out[inst.Symbol] = inst
	}
	return out, nil
}

func (s *PostgresStore) queryInstruments(ctx context.Context, sql string, args ...any) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var inst model.Instrument
		var kind string
		if err := rows.Scan(&inst.ID, &inst.Symbol, &kind,
			&inst.Currency, &inst.Country, &inst.Sector, &inst.Industry); err != nil {
			return nil, err
		}
		inst.Kind = model.AssetKind(kind)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Prices ---

func (s *PostgresStore) UpsertPrices(ctx context.Context, prices []model.Price) (int, error) {
	if len(prices) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, p := range prices {
		batch.Queue(
			`INSERT INTO prices (instrument_id, date, close) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (instrument_id, date) DO UPDATE SET close = EXCLUDED.close`,
			p.InstrumentID, model.Day(p.Date), p.Close.String(),
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range prices {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("upsert prices: %w", err)
		}
	}
	return len(prices), nil
}

func (s *PostgresStore) LatestClose(ctx context.Context, instrumentID string, asOf time.Time) (model.Price, bool, error) {
	p := model.Price{InstrumentID: instrumentID}
	var closeS string
	err := s.pool.QueryRow(ctx,
		`SELECT date, close::TEXT FROM prices
		 WHERE instrument_id = $1 AND date <= $2
		 ORDER BY date DESC LIMIT 1`, instrumentID, model.Day(asOf)).
		Scan(&p.Date, &closeS)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Price{}, false, nil
	}
	if err != nil {
		return model.Price{}, false, fmt.Errorf("latest close %s: %w", instrumentID, err)
	}
	p.Date = model.Day(p.Date)
	p.Close = num(closeS)
	return p, true, nil
}

// --- ETF constituents ---

func (s *PostgresStore) UpsertConstituents(ctx context.Context, set model.ConstituentSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	asOf := model.Day(set.AsOf)
	if _, err := tx.Exec(ctx,
		`DELETE FROM etf_constituents WHERE etf_instrument_id = $1 AND as_of = $2`,
		set.ETFInstrumentID, asOf); err != nil {
		return fmt.Errorf("clear constituents: %w", err)
	}
	for sym, w := range set.Weights {
		if _, err := tx.Exec(ctx,
			`INSERT INTO etf_constituents (etf_instrument_id, as_of, symbol, weight)
			 VALUES ($1, $2, $3, $4::NUMERIC)`,
			set.ETFInstrumentID, asOf, strings.ToUpper(sym), w.String()); err != nil {
			return fmt.Errorf("insert constituent %s: %w", sym, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) LatestConstituents(ctx context.Context, etfInstrumentID string, asOf time.Time) (model.ConstituentSet, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT as_of, symbol, weight::TEXT FROM etf_constituents
		 WHERE etf_instrument_id = $1
		   AND as_of = (SELECT max(as_of) FROM etf_constituents WHERE etf_instrument_id = $1 AND as_of <= $2)`,
		etfInstrumentID, model.Day(asOf))
	if err != nil {
		return model.ConstituentSet{}, false, fmt.Errorf("query constituents %s: %w", etfInstrumentID, err)
	}
	defer rows.Close()

	set := model.ConstituentSet{ETFInstrumentID: etfInstrumentID, Weights: map[string]decimal.Decimal{}}
	for rows.Next() {
		var symbol, weight string
		if err := rows.Scan(&set.AsOf, &symbol, &weight); err != nil {
			return model.ConstituentSet{}, false, err
		}
		set.Weights[symbol] = num(weight)
	}
	if err := rows.Err(); err != nil {
		return model.ConstituentSet{}, false, err
	}
	if len(set.Weights) == 0 {
		return model.ConstituentSet{}, false, nil
	}
	set.AsOf = model.Day(set.AsOf)
	return set, true, nil
}

// --- Warning ledger ---

const warningColumns = `id, fingerprint, scope, mode, code, severity, message,
	account_id, instrument_id, symbol, first_seen, last_seen, resolved_on`

func (s *PostgresStore) ListActiveWarnings(ctx context.Context, scope, mode string) ([]model.WarningRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+warningColumns+` FROM warning_records
		 WHERE scope = $1 AND mode = $2 AND resolved_on IS NULL
		 ORDER BY fingerprint`, scope, mode)
	if err != nil {
		return nil, fmt.Errorf("query warnings: %w", err)
	}
	defer rows.Close()

	var out []model.WarningRecord
	for rows.Next() {
		rec, err := scanWarning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertWarning(ctx context.Context, rec model.WarningRecord) (model.WarningRecord, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO warning_records (id, fingerprint, scope, mode, code, severity, message,
		                              account_id, instrument_id, symbol, first_seen, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (scope, fingerprint) DO UPDATE SET
		     last_seen = EXCLUDED.last_seen, severity = EXCLUDED.severity, message = EXCLUDED.message,
		     code = EXCLUDED.code, symbol = EXCLUDED.symbol, resolved_on = NULL
		 RETURNING `+warningColumns,
		rec.ID, rec.Fingerprint, rec.Scope, rec.Mode, string(rec.Code), string(rec.Severity), rec.Message,
		rec.AccountID, rec.InstrumentID, rec.Symbol, model.Day(rec.FirstSeen), model.Day(rec.LastSeen),
	)
	out, err := scanWarning(row)
	if err != nil {
		return model.WarningRecord{}, fmt.Errorf("upsert warning %s: %w", rec.Fingerprint, err)
	}
	return out, nil
}

func (s *PostgresStore) ResolveWarnings(ctx context.Context, ids []string, resolvedOn time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE warning_records SET resolved_on = $2 WHERE id = ANY($1) AND resolved_on IS NULL`,
		ids, model.Day(resolvedOn))
	if err != nil {
		return fmt.Errorf("resolve warnings: %w", err)
	}
	return nil
}

func scanWarning(row pgx.Row) (model.WarningRecord, error) {
	var rec model.WarningRecord
	var code, severity string
	err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.Scope, &rec.Mode, &code, &severity, &rec.Message,
		&rec.AccountID, &rec.InstrumentID, &rec.Symbol, &rec.FirstSeen, &rec.LastSeen, &rec.ResolvedOn)
	rec.Code = model.WarningCode(code)
	rec.Severity = model.Severity(severity)
	return rec, err
}

// --- Refresh jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.RefreshJob) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO refresh_jobs (id, status, trigger, started_at, input)
		 VALUES ($1, $2, $3, $4, $5)`,
		job.ID, string(job.Status), string(job.Trigger), job.StartedAt, input)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, job *model.RefreshJob) error {
	var result []byte
	if job.Result != nil {
		var err error
		if result, err = json.Marshal(job.Result); err != nil {
			return err
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE refresh_jobs SET status = $2, finished_at = $3, result = $4, error = $5
		 WHERE id = $1 AND status = $6`,
		job.ID, string(job.Status), job.FinishedAt, result, job.Error, string(model.JobRunning))
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("finish job %s: %w", job.ID, err)
		}
		if !exists {
			return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
		}
		return fmt.Errorf("job %s: %w", job.ID, ErrJobFinished)
	}
	return nil
}

// jobWhere renders the filter as a WHERE clause and its arguments.
func jobWhere(filter JobFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Trigger != nil {
		args = append(args, string(*filter.Trigger))
		conds = append(conds, fmt.Sprintf("trigger = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.RefreshJob, error) {
	where, args := jobWhere(filter)
	sql := `SELECT id, status, trigger, started_at, finished_at, input, result, error
	        FROM refresh_jobs` + where + ` ORDER BY started_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.RefreshJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.RefreshJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, trigger, started_at, finished_at, input, result, error
		 FROM refresh_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

func scanJob(row pgx.Row) (*model.RefreshJob, error) {
	var job model.RefreshJob
	var status, trigger string
	var input, result []byte
	if err := row.Scan(&job.ID, &status, &trigger, &job.StartedAt, &job.FinishedAt,
		&input, &result, &job.Error); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	job.Trigger = model.JobTrigger(trigger)
	if err := json.Unmarshal(input, &job.Input); err != nil {
		return nil, fmt.Errorf("decode job %s input: %w", job.ID, err)
	}
	if len(result) > 0 {
		job.Result = &model.RefreshResult{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("decode job %s result: %w", job.ID, err)
		}
	}
	return &job, nil
}

func (s *PostgresStore) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	where, args := jobWhere(filter)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM refresh_jobs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// --- Daily valuations ---

func (s *PostgresStore) SaveDailyValuation(ctx context.Context, v model.DailyValuation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_valuations (scope, date, cash, market_value, total_value,
		                               realized_pnl, unrealized_pnl, warning_count)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (scope, date) DO UPDATE SET
		     cash = EXCLUDED.cash, market_value = EXCLUDED.market_value, total_value = EXCLUDED.total_value,
		     realized_pnl = EXCLUDED.realized_pnl, unrealized_pnl = EXCLUDED.unrealized_pnl,
		     warning_count = EXCLUDED.warning_count`,
		v.Scope, model.Day(v.Date),
		v.Cash.String(), v.MarketValue.String(), v.TotalValue.String(),
		v.RealizedPnL.String(), v.UnrealizedPnL.String(), v.WarningCount,
	)
	if err != nil {
		return fmt.Errorf("save daily valuation %s %s: %w", v.Scope, v.Date.Format(model.DateLayout), err)
	}
	return nil
}

func (s *PostgresStore) DailyValuations(ctx context.Context, scope string, from, to time.Time) ([]model.DailyValuation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scope, date, cash::TEXT, market_value::TEXT, total_value::TEXT,
		        realized_pnl::TEXT, unrealized_pnl::TEXT, warning_count
		 FROM daily_valuations
		 WHERE scope = $1 AND date BETWEEN $2 AND $3
		 ORDER BY date`, scope, model.Day(from), model.Day(to))
	if err != nil {
		return nil, fmt.Errorf("query daily valuations: %w", err)
	}
	defer rows.Close()

	var out []model.DailyValuation
	for rows.Next() {
		var v model.DailyValuation
		var cash, mv, total, realized, unrealized string
		if err := rows.Scan(&v.Scope, &v.Date, &cash, &mv, &total, &realized, &unrealized, &v.WarningCount); err != nil {
			return nil, err
		}
		v.Cash = num(cash)
		v.MarketValue = num(mv)
		v.TotalValue = num(total)
		v.RealizedPnL = num(realized)
		v.UnrealizedPnL = num(unrealized)
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- NUMERIC helpers ---

func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func numPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := num(*s)
	return &d
}

func numArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// PGAdvisoryLocker takes pg_try_advisory_lock(LockNamespace, LockRefresh) on
// a connection held for the lifetime of the lease. Session-level advisory
// locks belong to the connection, so the connection never returns to the
// pool while the lock is held.
type PGAdvisoryLocker struct {
	pool *pgxpool.Pool
}

// NewPGAdvisoryLocker creates a Postgres-backed refresh lock.
func NewPGAdvisoryLocker(pool *pgxpool.Pool) *PGAdvisoryLocker {
	return &PGAdvisoryLocker{pool: pool}
}

func (l *PGAdvisoryLocker) TryAcquire(ctx context.Context) (Lease, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, LockNamespace, LockRefresh).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &pgLease{conn: conn}, true, nil
}

type pgLease struct {
	conn     *pgxpool.Conn
	released bool
}

func (p *pgLease) Release(ctx context.Context) error {
	if p.released {
		return nil
	}
	p.released = true

	var unlocked bool
	err := p.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1, $2)`, LockNamespace, LockRefresh).Scan(&unlocked)
	if err != nil || !unlocked {
		// Closing the session drops every lock it holds.
		_ = p.conn.Conn().Close(context.WithoutCancel(ctx))
	}
	p.conn.Release()
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}
