package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/mybookshelf/pricewatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Prices are kept as
// decimal text and timestamps in a fixed-width UTC layout.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS catalog_items (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	asin              TEXT NOT NULL DEFAULT '',
	affiliate_link    TEXT NOT NULL DEFAULT '',
	current_price     TEXT NOT NULL DEFAULT '0',
	price_status      TEXT NOT NULL DEFAULT 'in_stock',
	last_checked_at   TEXT,
	price_updated_at  TEXT,
	failed_attempts   INTEGER NOT NULL DEFAULT 0,
	requires_approval INTEGER NOT NULL DEFAULT 0,
	notes             TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_catalog_items_status ON catalog_items(price_status);
CREATE INDEX IF NOT EXISTS idx_catalog_items_last_checked ON catalog_items(last_checked_at);

CREATE TABLE IF NOT EXISTS price_validation_queue (
	id                 TEXT PRIMARY KEY,
	item_id            TEXT NOT NULL REFERENCES catalog_items(id),
	old_price          TEXT NOT NULL,
	new_price          TEXT NOT NULL,
	percentage_change  TEXT NOT NULL,
	validation_reason  TEXT NOT NULL,
	validation_layer   TEXT NOT NULL,
	validation_details TEXT NOT NULL DEFAULT '{}',
	in_stock           INTEGER NOT NULL DEFAULT 1,
	status             TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
	flagged_at         TEXT NOT NULL,
	reviewed_at        TEXT,
	reviewed_by        TEXT NOT NULL DEFAULT '',
	admin_notes        TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pvq_one_pending ON price_validation_queue(item_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_pvq_status_flagged ON price_validation_queue(status, flagged_at);

CREATE TABLE IF NOT EXISTS price_history (
	id             TEXT PRIMARY KEY,
	item_id        TEXT NOT NULL REFERENCES catalog_items(id),
	old_price      TEXT NOT NULL,
	new_price      TEXT NOT NULL,
	change_amount  TEXT NOT NULL,
	change_percent TEXT,
	source         TEXT NOT NULL,
	notes          TEXT NOT NULL DEFAULT '',
	recorded_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_price_history_item ON price_history(item_id, recorded_at);

CREATE TABLE IF NOT EXISTS update_runs (
	id          TEXT PRIMARY KEY,
	success     INTEGER NOT NULL,
	summary     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_update_runs_started ON update_runs(started_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Catalog ---

const sqliteItemColumns = `id, title, asin, affiliate_link, current_price, price_status,
	last_checked_at, price_updated_at, failed_attempts, requires_approval, notes`

func scanSQLiteItem(row scannable) (model.Item, error) {
	var it model.Item
	var price string
	var checked, updated *string
	if err := row.Scan(&it.ID, &it.Title, &it.ASIN, &it.AffiliateLink, &price, &it.PriceStatus,
		&checked, &updated, &it.FailedAttempts, &it.RequiresApproval, &it.Notes); err != nil {
		return it, err
	}
	var err error
	if it.CurrentPrice, err = parsePrice(price); err != nil {
		return it, err
	}
	if it.LastCheckedAt, err = parseOptionalTime(checked); err != nil {
		return it, err
	}
	it.PriceUpdatedAt, err = parseOptionalTime(updated)
	return it, err
}

func collectSQLiteItems(rows *sql.Rows) ([]model.Item, error) {
	defer rows.Close()
	var items []model.Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}

func (s *SQLiteStore) ListDueItems(ctx context.Context, filter DueFilter) ([]model.Item, error) {
	maxFailed := filter.MaxFailedAttempts
	if maxFailed <= 0 {
		maxFailed = model.MaxFailedAttempts
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM catalog_items
		 WHERE price_status <> 'disabled'
		   AND failed_attempts < ?
		   AND (price_status IN ('error', 'out_of_stock') OR last_checked_at IS NULL OR last_checked_at < ?)
		 ORDER BY CASE WHEN price_status IN ('error', 'out_of_stock') THEN 0 ELSE 1 END,
		          last_checked_at ASC NULLS FIRST
		 LIMIT ?`,
		maxFailed, formatTime(filter.Cutoff), defaultLimit(filter.Limit, 50),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list due items")
	}
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	query := `SELECT ` + sqliteItemColumns + ` FROM catalog_items WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND price_status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.MinFailedAttempts > 0 {
		query += ` AND failed_attempts >= ?`
		args = append(args, filter.MinFailedAttempts)
	}
	query += ` ORDER BY title LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM catalog_items WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "item %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get item %s", id)
	}
	return &it, nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execItemUpdate(ctx context.Context, ex sqlExecer, u model.ItemUpdate) error {
	query, args := itemUpdateSQL(sqliteDialect, u)
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update item %s", u.ItemID)
	}
	return checkRowsAffected(res, "item", u.ItemID)
}

func (s *SQLiteStore) UpdateItem(ctx context.Context, u model.ItemUpdate) error {
	return execItemUpdate(ctx, s.db, u)
}

func (s *SQLiteStore) ApplyPriceChange(ctx context.Context, u model.ItemUpdate, rec *model.HistoryRecord) error {
	return s.inTx(ctx, "apply price change", func(tx *sql.Tx) error {
		if err := execItemUpdate(ctx, tx, u); err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		query, args := supersedeSQL(sqliteDialect, u.ItemID, rec.RecordedAt)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return eris.Wrapf(err, "sqlite: supersede approvals for item %s", u.ItemID)
		}
		return insertSQLiteHistory(ctx, tx, rec)
	})
}

func insertSQLiteHistory(ctx context.Context, tx *sql.Tx, rec *model.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO price_history (id, item_id, old_price, new_price, change_amount, change_percent, source, notes, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ItemID, rec.OldPrice.String(), rec.NewPrice.String(), rec.ChangeAmount.String(),
		optionalPriceArg(rec.ChangePercent), string(rec.Source), rec.Notes, formatTime(rec.RecordedAt),
	)
	return eris.Wrapf(err, "sqlite: insert history for item %s", rec.ItemID)
}

func (s *SQLiteStore) FlagForApproval(ctx context.Context, u model.ItemUpdate, a model.PendingApproval) (string, error) {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal validation details")
	}

	var id string
	err = s.inTx(ctx, "flag for approval", func(tx *sql.Tx) error {
		if err := execItemUpdate(ctx, tx, u); err != nil {
			return err
		}
		return eris.Wrapf(tx.QueryRowContext(ctx,
			`INSERT INTO price_validation_queue
			   (id, item_id, old_price, new_price, percentage_change, validation_reason, validation_layer,
			    validation_details, in_stock, status, flagged_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
			 ON CONFLICT (item_id) WHERE status = 'pending' DO UPDATE SET
			   old_price = excluded.old_price, new_price = excluded.new_price,
			   percentage_change = excluded.percentage_change, validation_reason = excluded.validation_reason,
			   validation_layer = excluded.validation_layer, validation_details = excluded.validation_details,
			   in_stock = excluded.in_stock, flagged_at = excluded.flagged_at
			 RETURNING id`,
			uuid.New().String(), a.ItemID, a.OldPrice.String(), a.NewPrice.String(), a.PercentChange.String(),
			a.Reason, a.Layer, string(details), a.InStock, formatTime(a.FlaggedAt),
		).Scan(&id), "sqlite: queue approval for item %s", a.ItemID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) ResetFailedAttempts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE catalog_items SET failed_attempts = 0,
		   price_status = CASE WHEN price_status = 'error' THEN 'in_stock' ELSE price_status END
		 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset attempts %s", id)
	}
	return checkRowsAffected(res, "item", id)
}

func (s *SQLiteStore) UpsertItems(ctx context.Context, items []model.Item) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	var n int64
	err := s.inTx(ctx, "upsert items", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO catalog_items (id, title, asin, affiliate_link, current_price, price_status)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   title = excluded.title, asin = excluded.asin, affiliate_link = excluded.affiliate_link`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare upsert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, it := range items {
			id := it.ID
			if id == "" {
				id = uuid.New().String()
			}
			status := it.PriceStatus
			if status == "" {
				status = model.PriceStatusInStock
			}
			res, err := stmt.ExecContext(ctx, id, it.Title, it.ASIN, it.AffiliateLink, it.CurrentPrice.String(), string(status))
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert item %s", id)
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	return n, err
}

func (s *SQLiteStore) CountPermanentlySkipped(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM catalog_items WHERE failed_attempts >= ? AND price_status <> 'disabled'`,
		model.MaxFailedAttempts,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count skipped items")
}

// --- Approvals ---

const sqliteApprovalColumns = `q.id, q.item_id, COALESCE(i.title, ''), q.old_price, q.new_price,
	q.percentage_change, q.validation_reason, q.validation_layer, q.validation_details, q.in_stock,
	q.status, q.flagged_at, q.reviewed_at, q.reviewed_by, q.admin_notes`

const sqliteApprovalFrom = ` FROM price_validation_queue q LEFT JOIN catalog_items i ON i.id = q.item_id`

func scanSQLiteApproval(row scannable) (model.PendingApproval, error) {
	var a model.PendingApproval
	var oldPrice, newPrice, pct, flagged string
	var reviewed *string
	var details []byte
	if err := row.Scan(&a.ID, &a.ItemID, &a.ItemTitle, &oldPrice, &newPrice, &pct, &a.Reason, &a.Layer,
		&details, &a.InStock, &a.Status, &flagged, &reviewed, &a.ReviewedBy, &a.Notes); err != nil {
		return a, err
	}
	var err error
	if a.FlaggedAt, err = parseTime(flagged); err != nil {
		return a, err
	}
	if a.ReviewedAt, err = parseOptionalTime(reviewed); err != nil {
		return a, err
	}
	return a, fillApproval(&a, oldPrice, newPrice, pct, details)
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]model.PendingApproval, error) {
	query := `SELECT ` + sqliteApprovalColumns + sqliteApprovalFrom + ` WHERE 1=1`
	var args []any

	status := filter.Status
	if status == "" {
		status = string(model.ApprovalPending)
	}
	if status != StatusAll {
		query += ` AND q.status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY q.flagged_at DESC LIMIT ? OFFSET ?`
	args = append(args, defaultLimit(filter.Limit, 50), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list approvals")
	}
	defer rows.Close()

	var out []model.PendingApproval
	for rows.Next() {
		a, err := scanSQLiteApproval(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan approval")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate approvals")
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*model.PendingApproval, error) {
	a, err := scanSQLiteApproval(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteApprovalColumns+sqliteApprovalFrom+` WHERE q.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "approval %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get approval %s", id)
	}
	return &a, nil
}

func (s *SQLiteStore) ResolveApproval(ctx context.Context, r model.Resolution) (*model.PendingApproval, error) {
	var resolved *model.PendingApproval
	err := s.inTx(ctx, "resolve approval", func(tx *sql.Tx) error {
		a, err := scanSQLiteApproval(tx.QueryRowContext(ctx,
			`SELECT `+sqliteApprovalColumns+sqliteApprovalFrom+` WHERE q.id = ?`, r.ApprovalID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "approval %s", r.ApprovalID)
			}
			return eris.Wrapf(err, "sqlite: load approval %s", r.ApprovalID)
		}
		if err := checkResolvable(&a, r); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE price_validation_queue SET status = ?, reviewed_at = ?, reviewed_by = ?, admin_notes = ?
			 WHERE id = ? AND status = 'pending'`,
			string(r.Status), formatTime(r.ReviewedAt), r.ReviewedBy, r.Notes, r.ApprovalID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update approval %s", r.ApprovalID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(ErrAlreadyResolved, "approval %s", r.ApprovalID)
		}

		if err := execItemUpdate(ctx, tx, approvalItemUpdate(&a, r)); err != nil {
			return err
		}
		if rec := approvalHistory(&a, r); rec != nil {
			if err := insertSQLiteHistory(ctx, tx, rec); err != nil {
				return err
			}
		}

		a.Status = r.Status
		reviewedAt := r.ReviewedAt
		a.ReviewedAt = &reviewedAt
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

func (s *SQLiteStore) ApprovalStats(ctx context.Context, since time.Time) (model.ApprovalStats, error) {
	var st model.ApprovalStats
	cutoff := formatTime(since)
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'approved' AND reviewed_at >= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'rejected' AND reviewed_at >= ? THEN 1 ELSE 0 END), 0),
		   COUNT(*)
		 FROM price_validation_queue`,
		cutoff, cutoff,
	).Scan(&st.Pending, &st.ApprovedToday, &st.RejectedToday, &st.TotalFlagged)
	return st, eris.Wrap(err, "sqlite: approval stats")
}

// --- History ---

func (s *SQLiteStore) ListHistory(ctx context.Context, filter model.HistoryFilter) ([]model.HistoryRecord, error) {
	query := `SELECT id, item_id, old_price, new_price, change_amount, change_percent, source, notes, recorded_at
		FROM price_history WHERE 1=1`
	var args []any
	if filter.ItemID != "" {
		query += ` AND item_id = ?`
		args = append(args, filter.ItemID)
	}
	if !filter.Since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, formatTime(filter.Since))
	}
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list history")
	}
	defer rows.Close()

	var out []model.HistoryRecord
	for rows.Next() {
		var rec model.HistoryRecord
		var oldPrice, newPrice, amount, recorded string
		var pct *string
		if err := rows.Scan(&rec.ID, &rec.ItemID, &oldPrice, &newPrice, &amount, &pct,
			&rec.Source, &rec.Notes, &recorded); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		if err := fillHistory(&rec, oldPrice, newPrice, amount, pct); err != nil {
			return nil, err
		}
		if rec.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate history")
}

// --- Runs ---

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.RunSummary) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	summaryJSON, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO update_runs (id, success, summary, started_at, finished_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Success, string(summaryJSON), formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.RunSummary, error) {
	query := `SELECT summary FROM update_runs WHERE 1=1`
	var args []any
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, formatTime(filter.Since))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 20))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var r model.RunSummary
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run summary")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s", op)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", op)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
