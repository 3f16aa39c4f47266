package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/postforge/postforge/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. checkpoint log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, query, status, stage, reason, partial_results, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Query, string(wf.Status), nullStr(string(wf.Stage)), nullStr(wf.Reason),
		boolToInt(wf.PartialResults), timeOrNow(wf.CreatedAt), nullTime(wf.StartedAt),
		nullTime(wf.CompletedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var (
		stage, reason          sql.NullString
		partial                int
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query, status, stage, reason, partial_results, created_at, started_at, completed_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Query, &status, &stage, &reason, &partial,
		&wf.CreatedAt, &startedAt, &completedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	wf.Stage = schema.StageName(stage.String)
	wf.Reason = reason.String
	wf.PartialResults = partial != 0
	if startedAt.Valid {
		wf.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Stage != nil {
		sets = append(sets, "stage = ?")
		args = append(args, string(*update.Stage))
	}
	if update.Reason != nil {
		sets = append(sets, "reason = ?")
		args = append(args, *update.Reason)
	}
	if update.PartialResults != nil {
		sets = append(sets, "partial_results = ?")
		args = append(args, boolToInt(*update.PartialResults))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE workflows SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, query, status, stage, reason, partial_results, created_at, started_at, completed_at, updated_at FROM workflows`
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var (
			stage, reason          sql.NullString
			partial                int
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&wf.ID, &wf.Query, &status, &stage, &reason, &partial,
			&wf.CreatedAt, &startedAt, &completedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Status = schema.WorkflowStatus(status)
		wf.Stage = schema.StageName(stage.String)
		wf.Reason = reason.String
		wf.PartialResults = partial != 0
		if startedAt.Valid {
			wf.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			wf.CompletedAt = &completedAt.Time
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Event log ---

// AppendEvent appends an event with a monotonically increasing per-workflow
// sequence. BEGIN IMMEDIATE semantics prevent concurrent writers from
// interleaving sequence reads and writes.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	if err := acquireWriteLock(ctx, tx); err != nil {
		return err
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next event sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, stage, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.Stage), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, stage, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stage, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stage, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Stage = stage.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Pipeline entities ---

func (s *LibSQLStore) SaveIntent(ctx context.Context, workflowID string, intent *schema.Intent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO intents (workflow_id, topic, scope, tone, created_at) VALUES (?, ?, ?, ?, ?)`,
		workflowID, intent.Topic, intent.Scope, nullStr(intent.Tone), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) SaveItems(ctx context.Context, workflowID, kind string, items []schema.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin items tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, item := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO items (workflow_id, kind, item_id, source, author, text, engagement, relevance, rank, item_created_at, position, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			workflowID, kind, item.ID, item.Source, nullStr(item.Author), item.Text,
			item.Engagement, item.Relevance, item.Rank, item.CreatedAt, i, now,
		)
		if err != nil {
			return fmt.Errorf("insert item %s: %w", item.ID, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetItems(ctx context.Context, workflowID, kind string) ([]schema.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, source, author, text, engagement, relevance, rank, item_created_at
		 FROM items WHERE workflow_id = ? AND kind = ? ORDER BY position ASC`,
		workflowID, kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []schema.Item
	for rows.Next() {
		var item schema.Item
		var author sql.NullString
		if err := rows.Scan(&item.ID, &item.Source, &author, &item.Text,
			&item.Engagement, &item.Relevance, &item.Rank, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Author = author.String
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *LibSQLStore) SaveInsight(ctx context.Context, workflowID string, insight *schema.Insight) error {
	trends, err := json.Marshal(insight.KeyTrends)
	if err != nil {
		return fmt.Errorf("marshal key_trends: %w", err)
	}
	itemIDs, err := json.Marshal(insight.ItemIDs)
	if err != nil {
		return fmt.Errorf("marshal item_ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO insights (workflow_id, summary, key_trends, item_ids, created_at) VALUES (?, ?, ?, ?, ?)`,
		workflowID, insight.Summary, string(trends), string(itemIDs), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) SaveDraft(ctx context.Context, workflowID string, draft *schema.Draft) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts (workflow_id, version, text, from_feedback, created_at) VALUES (?, ?, ?, ?, ?)`,
		workflowID, draft.Version, draft.Text, nullStr(draft.FromFeedback), timeOrNow(draft.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDrafts(ctx context.Context, workflowID string) ([]schema.Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, text, from_feedback, created_at FROM drafts WHERE workflow_id = ? ORDER BY version ASC`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drafts []schema.Draft
	for rows.Next() {
		var d schema.Draft
		var fromFeedback sql.NullString
		if err := rows.Scan(&d.Version, &d.Text, &fromFeedback, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.FromFeedback = fromFeedback.String
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

func (s *LibSQLStore) SaveFeedback(ctx context.Context, workflowID string, fb *schema.Feedback) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, workflow_id, draft_version, decision, note, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		fb.ID, workflowID, fb.DraftVersion, string(fb.Decision), nullStr(fb.Note), timeOrNow(fb.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetFeedback(ctx context.Context, workflowID string) ([]schema.Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, draft_version, decision, note, created_at FROM feedback WHERE workflow_id = ? ORDER BY created_at ASC, draft_version ASC`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []schema.Feedback
	for rows.Next() {
		var fb schema.Feedback
		var decision string
		var note sql.NullString
		if err := rows.Scan(&fb.ID, &fb.DraftVersion, &decision, &note, &fb.CreatedAt); err != nil {
			return nil, err
		}
		fb.Decision = schema.FeedbackDecision(decision)
		fb.Note = note.String
		records = append(records, fb)
	}
	return records, rows.Err()
}

// SavePublishedPost records the final artifact. The primary key on
// workflow_id makes a second publish for the same workflow a conflict.
func (s *LibSQLStore) SavePublishedPost(ctx context.Context, workflowID string, post *schema.PublishedPost) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO published_posts (workflow_id, draft_version, post_id, published_at) VALUES (?, ?, ?, ?)`,
		workflowID, post.DraftVersion, post.PostID, timeOrNow(post.PublishedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already has a published post", workflowID)
	}
	return err
}

func (s *LibSQLStore) GetPublishedPost(ctx context.Context, workflowID string) (*schema.PublishedPost, error) {
	post := &schema.PublishedPost{}
	err := s.db.QueryRowContext(ctx,
		`SELECT draft_version, post_id, published_at FROM published_posts WHERE workflow_id = ?`,
		workflowID,
	).Scan(&post.DraftVersion, &post.PostID, &post.PublishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("published post", workflowID)
	}
	if err != nil {
		return nil, err
	}
	return post, nil
}

// --- Checkpoints ---

// SaveCheckpoint appends a snapshot with a monotonically increasing
// per-workflow sequence. The write commits before the method returns;
// the engine relies on this for its write-before-proceed guarantee.
func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	if err := acquireWriteLock(ctx, tx); err != nil {
		return err
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE workflow_id = ?`, cp.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next checkpoint seq: %w", err)
	}
	cp.Seq = seq

	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (workflow_id, seq, stage, state, timestamp) VALUES (?, ?, ?, ?, ?)`,
		cp.WorkflowID, seq, string(cp.Stage), string(cp.State), cp.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, workflowID string, seq int64) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var stage, state string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, seq, stage, state, timestamp FROM checkpoints WHERE workflow_id = ? AND seq = ?`,
		workflowID, seq,
	).Scan(&cp.WorkflowID, &cp.Seq, &stage, &state, &cp.Timestamp)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", fmt.Sprintf("%s/%d", workflowID, seq))
	}
	if err != nil {
		return nil, err
	}
	cp.Stage = schema.StageName(stage)
	cp.State = json.RawMessage(state)
	return cp, nil
}

func (s *LibSQLStore) LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var stage, state string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, seq, stage, state, timestamp FROM checkpoints
		 WHERE workflow_id = ? ORDER BY seq DESC LIMIT 1`,
		workflowID,
	).Scan(&cp.WorkflowID, &cp.Seq, &stage, &state, &cp.Timestamp)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", workflowID)
	}
	if err != nil {
		return nil, err
	}
	cp.Stage = schema.StageName(stage)
	cp.State = json.RawMessage(state)
	return cp, nil
}

func (s *LibSQLStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, seq, stage, state, timestamp FROM checkpoints WHERE workflow_id = ? ORDER BY seq ASC`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		var stage, state string
		if err := rows.Scan(&cp.WorkflowID, &cp.Seq, &stage, &state, &cp.Timestamp); err != nil {
			return nil, err
		}
		cp.Stage = schema.StageName(stage)
		cp.State = json.RawMessage(state)
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// --- Scheduled queries ---

func (s *LibSQLStore) CreateScheduledQuery(ctx context.Context, sq *ScheduledQuery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_queries (id, query, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sq.ID, sq.Query, sq.CronExpression, boolToInt(sq.Enabled),
		nullTime(sq.LastRunAt), nullTime(sq.NextRunAt), nullStr(sq.LastRunStatus), timeOrNow(sq.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledQuery(ctx context.Context, id string) (*ScheduledQuery, error) {
	sq := &ScheduledQuery{}
	var enabled int
	var lastRun, nextRun sql.NullTime
	var lastStatus sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_queries WHERE id = ?`, id,
	).Scan(&sq.ID, &sq.Query, &sq.CronExpression, &enabled, &lastRun, &nextRun, &lastStatus, &sq.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled query", id)
	}
	if err != nil {
		return nil, err
	}
	sq.Enabled = enabled != 0
	if lastRun.Valid {
		sq.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sq.NextRunAt = &nextRun.Time
	}
	sq.LastRunStatus = lastStatus.String
	return sq, nil
}

func (s *LibSQLStore) UpdateScheduledQuery(ctx context.Context, id string, update ScheduledQueryUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_queries SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled query", id)
}

func (s *LibSQLStore) ListScheduledQueries(ctx context.Context, filter ScheduledQueryFilter) ([]*ScheduledQuery, error) {
	query := `SELECT id, query, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_queries`
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []*ScheduledQuery
	for rows.Next() {
		sq := &ScheduledQuery{}
		var enabled int
		var lastRun, nextRun sql.NullTime
		var lastStatus sql.NullString
		if err := rows.Scan(&sq.ID, &sq.Query, &sq.CronExpression, &enabled, &lastRun, &nextRun, &lastStatus, &sq.CreatedAt); err != nil {
			return nil, err
		}
		sq.Enabled = enabled != 0
		if lastRun.Valid {
			sq.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sq.NextRunAt = &nextRun.Time
		}
		sq.LastRunStatus = lastStatus.String
		queries = append(queries, sq)
	}
	return queries, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledQuery(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_queries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled query", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Helpers ---

// acquireWriteLock forces immediate write-lock acquisition inside a
// transaction. In WAL mode BeginTx alone may start a deferred transaction,
// so a write-intent statement is executed first.
func acquireWriteLock(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}
	return nil
}

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
