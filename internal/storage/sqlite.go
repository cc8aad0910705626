package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"tgblast/internal/campaign"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeLayout is RFC 3339 with fixed nine-digit fractional seconds. Timestamps
// are stored as TEXT and compared with SQL operators, so every value must be
// the same width; RFC3339Nano trims trailing zeros and breaks that.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open initializes the SQLite store, creating the database file and schema
// as needed.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(chat_id, subscription_tier, status, created_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   subscription_tier=excluded.subscription_tier,
		   status=excluded.status`,
		r.ChatID, r.SubscriptionTier, r.Status, r.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// ListAudience is the single bulk read behind audience resolution. The
// selector enum maps to a fixed predicate; ordering by chat id keeps the
// resolved sequence stable across runs, which is what resume offsets rely on.
func (s *sqliteStore) ListAudience(ctx context.Context, sel campaign.Selector) ([]int64, error) {
	base := `SELECT DISTINCT chat_id FROM recipients WHERE status = 'active'`
	var where string
	switch sel {
	case campaign.SelectorAll:
		where = ``
	case campaign.SelectorPremium:
		where = ` AND subscription_tier IN ('premium','basic')`
	case campaign.SelectorFree:
		where = ` AND (subscription_tier IS NULL OR subscription_tier IN ('free',''))`
	default:
		return nil, fmt.Errorf("%w: unknown audience selector %q", campaign.ErrValidation, sel)
	}

	rows, err := s.db.QueryContext(ctx, base+where+` ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, message_text, photo_url, button_text, button_url,
		   audience, status, scheduled_at, total_recipients, sent_count, failed_count,
		   last_errors, created_at, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Message.Text, nullStr(c.Message.PhotoURL), nullStr(c.Message.ButtonText), nullStr(c.Message.ButtonURL),
		string(c.Audience), string(c.Status), nullTime(c.ScheduledAt),
		c.TotalRecipients, c.SentCount, c.FailedCount,
		encodeErrors(c.LastErrors), c.CreatedAt.UTC().Format(timeLayout),
		nullTime(c.StartedAt), nullTime(c.CompletedAt),
	)
	return err
}

const campaignCols = `id, message_text, photo_url, button_text, button_url,
	audience, status, scheduled_at, total_recipients, sent_count, failed_count,
	last_errors, created_at, started_at, completed_at`

func (s *sqliteStore) Campaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	return c, err
}

func (s *sqliteStore) Campaigns(ctx context.Context, limit int) ([]campaign.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	return s.ids(ctx,
		`SELECT id FROM campaigns
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC`,
		string(campaign.StatusScheduled), now.UTC().Format(timeLayout))
}

func (s *sqliteStore) ByStatus(ctx context.Context, st campaign.Status) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM campaigns WHERE status = ? ORDER BY created_at ASC`, string(st))
}

func (s *sqliteStore) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClaimSending is the single write that starts a run. Status, total and
// start time move together; there is no intermediate state a crash could
// expose.
func (s *sqliteStore) ClaimSending(ctx context.Context, id string, from campaign.Status, total int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, total_recipients = ?, started_at = ?
		 WHERE id = ? AND status = ?`,
		string(campaign.StatusSending), total, time.Now().UTC().Format(timeLayout),
		id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) SetTotal(ctx context.Context, id string, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET total_recipients = ? WHERE id = ?`, total, id)
	if err != nil {
		return err
	}
	return oneRow(res, id)
}

func (s *sqliteStore) AddCounts(ctx context.Context, id string, sent, failed int, samples []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE campaigns
		 SET sent_count = sent_count + ?, failed_count = failed_count + ?
		 WHERE id = ?`,
		sent, failed, id)
	if err != nil {
		return err
	}
	if err := oneRow(res, id); err != nil {
		return err
	}

	if len(samples) > 0 {
		var raw sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT last_errors FROM campaigns WHERE id = ?`, id).Scan(&raw); err != nil {
			return err
		}
		merged := appendCapped(decodeErrors(raw), samples)
		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET last_errors = ? WHERE id = ?`, encodeErrors(merged), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) CASStatus(ctx context.Context, id string, from, to campaign.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id string, st campaign.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(st), time.Now().UTC().Format(timeLayout), id, string(campaign.StatusSending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ---- row mapping helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (*campaign.Campaign, error) {
	var (
		c                              campaign.Campaign
		photo, btnText, btnURL         sql.NullString
		audience, status, createdAt    string
		scheduledAt, startedAt, doneAt sql.NullString
		lastErrors                     sql.NullString
	)
	err := r.Scan(&c.ID, &c.Message.Text, &photo, &btnText, &btnURL,
		&audience, &status, &scheduledAt,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount,
		&lastErrors, &createdAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}
	c.Message.PhotoURL = photo.String
	c.Message.ButtonText = btnText.String
	c.Message.ButtonURL = btnURL.String
	c.Audience = campaign.Selector(audience)
	c.Status = campaign.Status(status)
	if !c.Status.Valid() {
		return nil, fmt.Errorf("campaign %s: unknown status %q", c.ID, status)
	}
	c.LastErrors = decodeErrors(lastErrors)
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if c.ScheduledAt, err = parseNullTime(scheduledAt); err != nil {
		return nil, err
	}
	if c.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if c.CompletedAt, err = parseNullTime(doneAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func oneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	return nil
}

func appendCapped(cur, add []string) []string {
	cur = append(cur, add...)
	if over := len(cur) - campaign.ErrorSampleCap; over > 0 {
		cur = cur[over:]
	}
	return cur
}

func encodeErrors(errs []string) any {
	if len(errs) == 0 {
		return nil
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return nil
	}
	return string(b)
}

func decodeErrors(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
