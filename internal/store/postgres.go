package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/mybookshelf/pricewatch/internal/db"
	"github.com/mybookshelf/pricewatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// A single sequential updater plus the admin API needs few connections.
	maxConns := int32(5)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS catalog_items (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	title             TEXT NOT NULL,
	asin              TEXT NOT NULL DEFAULT '',
	affiliate_link    TEXT NOT NULL DEFAULT '',
	current_price     NUMERIC(10,2) NOT NULL DEFAULT 0,
	price_status      TEXT NOT NULL DEFAULT 'in_stock',
	last_checked_at   TIMESTAMPTZ,
	price_updated_at  TIMESTAMPTZ,
	failed_attempts   INTEGER NOT NULL DEFAULT 0,
	requires_approval BOOLEAN NOT NULL DEFAULT false,
	notes             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_catalog_items_status ON catalog_items(price_status);
CREATE INDEX IF NOT EXISTS idx_catalog_items_last_checked ON catalog_items(last_checked_at);

CREATE TABLE IF NOT EXISTS price_validation_queue (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	item_id            TEXT NOT NULL REFERENCES catalog_items(id),
	old_price          NUMERIC(10,2) NOT NULL,
	new_price          NUMERIC(10,2) NOT NULL,
	percentage_change  NUMERIC(10,2) NOT NULL,
	validation_reason  TEXT NOT NULL,
	validation_layer   TEXT NOT NULL,
	validation_details JSONB NOT NULL DEFAULT '{}',
	in_stock           BOOLEAN NOT NULL DEFAULT true,
	status             TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
	flagged_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	reviewed_at        TIMESTAMPTZ,
	reviewed_by        TEXT NOT NULL DEFAULT '',
	admin_notes        TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pvq_one_pending ON price_validation_queue(item_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_pvq_status_flagged ON price_validation_queue(status, flagged_at DESC);

CREATE TABLE IF NOT EXISTS price_history (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	item_id        TEXT NOT NULL REFERENCES catalog_items(id),
	old_price      NUMERIC(10,2) NOT NULL,
	new_price      NUMERIC(10,2) NOT NULL,
	change_amount  NUMERIC(10,2) NOT NULL,
	change_percent NUMERIC(10,2),
	source         TEXT NOT NULL,
	notes          TEXT NOT NULL DEFAULT '',
	recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_price_history_item ON price_history(item_id, recorded_at DESC);

CREATE TABLE IF NOT EXISTS update_runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	success     BOOLEAN NOT NULL,
	summary     JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_update_runs_started ON update_runs(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Catalog ---

const pgItemColumns = `id, title, asin, affiliate_link, current_price::text, price_status,
	last_checked_at, price_updated_at, failed_attempts, requires_approval, notes`

func scanPgItem(row scannable) (model.Item, error) {
	var it model.Item
	var price string
	if err := row.Scan(&it.ID, &it.Title, &it.ASIN, &it.AffiliateLink, &price, &it.PriceStatus,
		&it.LastCheckedAt, &it.PriceUpdatedAt, &it.FailedAttempts, &it.RequiresApproval, &it.Notes); err != nil {
		return it, err
	}
	p, err := parsePrice(price)
	if err != nil {
		return it, err
	}
	it.CurrentPrice = p
	return it, nil
}

func (s *PostgresStore) ListDueItems(ctx context.Context, filter DueFilter) ([]model.Item, error) {
	maxFailed := filter.MaxFailedAttempts
	if maxFailed <= 0 {
		maxFailed = model.MaxFailedAttempts
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgItemColumns+` FROM catalog_items
		 WHERE price_status <> 'disabled'
		   AND failed_attempts < $1
		   AND (price_status IN ('error', 'out_of_stock') OR last_checked_at IS NULL OR last_checked_at < $2)
		 ORDER BY CASE WHEN price_status IN ('error', 'out_of_stock') THEN 0 ELSE 1 END,
		          last_checked_at ASC NULLS FIRST
		 LIMIT $3`,
		maxFailed, filter.Cutoff.UTC(), defaultLimit(filter.Limit, 50),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list due items")
	}
	return collectPgItems(rows)
}

func (s *PostgresStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	query := `SELECT ` + pgItemColumns + ` FROM catalog_items WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND price_status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.MinFailedAttempts > 0 {
		query += fmt.Sprintf(` AND failed_attempts >= $%d`, argIdx)
		args = append(args, filter.MinFailedAttempts)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY title LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	return collectPgItems(rows)
}

func collectPgItems(rows pgx.Rows) ([]model.Item, error) {
	defer rows.Close()
	var items []model.Item
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	it, err := scanPgItem(s.pool.QueryRow(ctx,
		`SELECT `+pgItemColumns+` FROM catalog_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "item %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get item %s", id)
	}
	return &it, nil
}

func (s *PostgresStore) UpdateItem(ctx context.Context, u model.ItemUpdate) error {
	query, args := itemUpdateSQL(pgDialect, u)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update item %s", u.ItemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "item %s", u.ItemID)
	}
	return nil
}

func (s *PostgresStore) ApplyPriceChange(ctx context.Context, u model.ItemUpdate, rec *model.HistoryRecord) error {
	return s.inTx(ctx, "apply price change", func(tx pgx.Tx) error {
		query, args := itemUpdateSQL(pgDialect, u)
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return eris.Wrapf(err, "postgres: update item %s", u.ItemID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "item %s", u.ItemID)
		}
		if rec == nil {
			return nil
		}
		query, args = supersedeSQL(pgDialect, u.ItemID, rec.RecordedAt)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return eris.Wrapf(err, "postgres: supersede approvals for item %s", u.ItemID)
		}
		return insertPgHistory(ctx, tx, rec)
	})
}

func insertPgHistory(ctx context.Context, tx pgx.Tx, rec *model.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO price_history (id, item_id, old_price, new_price, change_amount, change_percent, source, notes, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ItemID, rec.OldPrice.String(), rec.NewPrice.String(), rec.ChangeAmount.String(),
		optionalPriceArg(rec.ChangePercent), string(rec.Source), rec.Notes, rec.RecordedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert history for item %s", rec.ItemID)
}

func (s *PostgresStore) FlagForApproval(ctx context.Context, u model.ItemUpdate, a model.PendingApproval) (string, error) {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal validation details")
	}

	var id string
	err = s.inTx(ctx, "flag for approval", func(tx pgx.Tx) error {
		query, args := itemUpdateSQL(pgDialect, u)
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return eris.Wrapf(err, "postgres: update item %s", u.ItemID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "item %s", u.ItemID)
		}
		return tx.QueryRow(ctx,
			`INSERT INTO price_validation_queue
			   (id, item_id, old_price, new_price, percentage_change, validation_reason, validation_layer,
			    validation_details, in_stock, status, flagged_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', $10)
			 ON CONFLICT (item_id) WHERE status = 'pending' DO UPDATE SET
			   old_price = EXCLUDED.old_price, new_price = EXCLUDED.new_price,
			   percentage_change = EXCLUDED.percentage_change, validation_reason = EXCLUDED.validation_reason,
			   validation_layer = EXCLUDED.validation_layer, validation_details = EXCLUDED.validation_details,
			   in_stock = EXCLUDED.in_stock, flagged_at = EXCLUDED.flagged_at
			 RETURNING id`,
			uuid.New().String(), a.ItemID, a.OldPrice.String(), a.NewPrice.String(), a.PercentChange.String(),
			a.Reason, a.Layer, details, a.InStock, a.FlaggedAt.UTC(),
		).Scan(&id)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) ResetFailedAttempts(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE catalog_items SET failed_attempts = 0,
		   price_status = CASE WHEN price_status = 'error' THEN 'in_stock' ELSE price_status END
		 WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset attempts %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "item %s", id)
	}
	return nil
}

// itemUpsertConfig leaves prices and refresh state alone for existing rows;
// imports only refresh catalog metadata.
var itemUpsertConfig = db.UpsertConfig{
	Table:        "catalog_items",
	Columns:      []string{"id", "title", "asin", "affiliate_link", "current_price", "price_status"},
	ConflictKeys: []string{"id"},
	UpdateCols:   []string{"title", "asin", "affiliate_link"},
}

func (s *PostgresStore) UpsertItems(ctx context.Context, items []model.Item) (int64, error) {
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		status := it.PriceStatus
		if status == "" {
			status = model.PriceStatusInStock
		}
		id := it.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{id, it.Title, it.ASIN, it.AffiliateLink, it.CurrentPrice.InexactFloat64(), string(status)})
	}
	n, err := db.BulkUpsert(ctx, s.pool, itemUpsertConfig, rows)
	return n, eris.Wrap(err, "postgres: upsert items")
}

func (s *PostgresStore) CountPermanentlySkipped(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM catalog_items WHERE failed_attempts >= $1 AND price_status <> 'disabled'`,
		model.MaxFailedAttempts,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count skipped items")
}

// --- Approvals ---

const pgApprovalColumns = `q.id, q.item_id, COALESCE(i.title, ''), q.old_price::text, q.new_price::text,
	q.percentage_change::text, q.validation_reason, q.validation_layer, q.validation_details, q.in_stock,
	q.status, q.flagged_at, q.reviewed_at, q.reviewed_by, q.admin_notes`

const pgApprovalFrom = ` FROM price_validation_queue q LEFT JOIN catalog_items i ON i.id = q.item_id`

func scanPgApproval(row scannable) (model.PendingApproval, error) {
	var a model.PendingApproval
	var oldPrice, newPrice, pct string
	var details []byte
	if err := row.Scan(&a.ID, &a.ItemID, &a.ItemTitle, &oldPrice, &newPrice, &pct, &a.Reason, &a.Layer,
		&details, &a.InStock, &a.Status, &a.FlaggedAt, &a.ReviewedAt, &a.ReviewedBy, &a.Notes); err != nil {
		return a, err
	}
	return a, fillApproval(&a, oldPrice, newPrice, pct, details)
}

func fillApproval(a *model.PendingApproval, oldPrice, newPrice, pct string, details []byte) error {
	var err error
	if a.OldPrice, err = parsePrice(oldPrice); err != nil {
		return err
	}
	if a.NewPrice, err = parsePrice(newPrice); err != nil {
		return err
	}
	if a.PercentChange, err = parsePrice(pct); err != nil {
		return err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return eris.Wrap(err, "store: unmarshal validation details")
		}
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]model.PendingApproval, error) {
	query := `SELECT ` + pgApprovalColumns + pgApprovalFrom + ` WHERE true`
	args := []any{}
	argIdx := 1

	status := filter.Status
	if status == "" {
		status = string(model.ApprovalPending)
	}
	if status != StatusAll {
		query += fmt.Sprintf(` AND q.status = $%d`, argIdx)
		args = append(args, status)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY q.flagged_at DESC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit, 50))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list approvals")
	}
	defer rows.Close()

	var out []model.PendingApproval
	for rows.Next() {
		a, err := scanPgApproval(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan approval")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate approvals")
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*model.PendingApproval, error) {
	a, err := scanPgApproval(s.pool.QueryRow(ctx,
		`SELECT `+pgApprovalColumns+pgApprovalFrom+` WHERE q.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "approval %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get approval %s", id)
	}
	return &a, nil
}

func (s *PostgresStore) ResolveApproval(ctx context.Context, r model.Resolution) (*model.PendingApproval, error) {
	var resolved *model.PendingApproval
	err := s.inTx(ctx, "resolve approval", func(tx pgx.Tx) error {
		a, err := scanPgApproval(tx.QueryRow(ctx,
			`SELECT `+pgApprovalColumns+pgApprovalFrom+` WHERE q.id = $1 FOR UPDATE OF q`, r.ApprovalID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "approval %s", r.ApprovalID)
			}
			return eris.Wrapf(err, "postgres: load approval %s", r.ApprovalID)
		}
		if err := checkResolvable(&a, r); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE price_validation_queue SET status = $1, reviewed_at = $2, reviewed_by = $3, admin_notes = $4
			 WHERE id = $5 AND status = 'pending'`,
			string(r.Status), r.ReviewedAt.UTC(), r.ReviewedBy, r.Notes, r.ApprovalID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update approval %s", r.ApprovalID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrAlreadyResolved, "approval %s", r.ApprovalID)
		}

		query, args := itemUpdateSQL(pgDialect, approvalItemUpdate(&a, r))
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return eris.Wrapf(err, "postgres: update item %s", a.ItemID)
		}
		if rec := approvalHistory(&a, r); rec != nil {
			if err := insertPgHistory(ctx, tx, rec); err != nil {
				return err
			}
		}

		a.Status = r.Status
		a.ReviewedAt = &r.ReviewedAt
		a.ReviewedBy = r.ReviewedBy
		a.Notes = r.Notes
		resolved = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (s *PostgresStore) ApprovalStats(ctx context.Context, since time.Time) (model.ApprovalStats, error) {
	var st model.ApprovalStats
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'pending'),
		   COUNT(*) FILTER (WHERE status = 'approved' AND reviewed_at >= $1),
		   COUNT(*) FILTER (WHERE status = 'rejected' AND reviewed_at >= $1),
		   COUNT(*)
		 FROM price_validation_queue`,
		since.UTC(),
	).Scan(&st.Pending, &st.ApprovedToday, &st.RejectedToday, &st.TotalFlagged)
	return st, eris.Wrap(err, "postgres: approval stats")
}

// --- History ---

func (s *PostgresStore) ListHistory(ctx context.Context, filter model.HistoryFilter) ([]model.HistoryRecord, error) {
	query := `SELECT id, item_id, old_price::text, new_price::text, change_amount::text, change_percent::text,
		source, notes, recorded_at FROM price_history WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ItemID != "" {
		query += fmt.Sprintf(` AND item_id = $%d`, argIdx)
		args = append(args, filter.ItemID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND recorded_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY recorded_at DESC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list history")
	}
	defer rows.Close()

	var out []model.HistoryRecord
	for rows.Next() {
		var rec model.HistoryRecord
		var oldPrice, newPrice, amount string
		var pct *string
		if err := rows.Scan(&rec.ID, &rec.ItemID, &oldPrice, &newPrice, &amount, &pct,
			&rec.Source, &rec.Notes, &rec.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		if err := fillHistory(&rec, oldPrice, newPrice, amount, pct); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate history")
}

func fillHistory(rec *model.HistoryRecord, oldPrice, newPrice, amount string, pct *string) error {
	var err error
	if rec.OldPrice, err = parsePrice(oldPrice); err != nil {
		return err
	}
	if rec.NewPrice, err = parsePrice(newPrice); err != nil {
		return err
	}
	if rec.ChangeAmount, err = parsePrice(amount); err != nil {
		return err
	}
	rec.ChangePercent, err = parseOptionalPrice(pct)
	return err
}

// --- Runs ---

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.RunSummary) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	summaryJSON, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO update_runs (id, success, summary, started_at, finished_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Success, summaryJSON, run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.RunSummary, error) {
	query := `SELECT summary FROM update_runs WHERE true`
	args := []any{}
	argIdx := 1
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit, 20))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var r model.RunSummary
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run summary")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin %s", op)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: commit %s", op)
}
