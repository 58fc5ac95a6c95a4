// Package store provides SQLite-backed persistence for sessions, the
// append-only event log, pending approvals, and trust rules. The event log is
// indexed for full-text search through an FTS5 table kept in sync by triggers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/common/logger"
)

// Session status values. Terminal statuses keep the row but end the lifecycle.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusWaiting = "waiting"
	StatusError   = "error"
	StatusStopped = "stopped"
	StatusDone    = "done"
)

// sizeWarnBytes is the soft cap on database size checked at open.
const sizeWarnBytes = 500 << 20

var (
	// ErrSessionExists is returned when creating a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrSeqConflict is returned on a (session_id, seq) collision.
	ErrSeqConflict = errors.New("event sequence conflict")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
)

// IsTerminalStatus reports whether a status ends the session lifecycle.
func IsTerminalStatus(status string) bool {
	return status == StatusDone || status == StatusStopped || status == StatusError
}

// Session is the persisted form of a gateway session.
type Session struct {
	ID           string
	Agent        string
	AgentVersion string
	Task         string
	Cwd          string
	TmuxSession  string
	Status       string
	AutoApprove  bool
	Metadata     map[string]interface{}
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
}

// Event is one append-only log entry.
type Event struct {
	ID        int64
	SessionID string
	Seq       int64
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// PendingApproval is a persisted permission request.
type PendingApproval struct {
	RequestID  string
	SessionID  string
	Tool       string
	Target     string
	Risk       string
	Payload    json.RawMessage
	CreatedAt  time.Time
	ResolvedAt *time.Time
	Resolution string // approved, denied, or empty while unresolved
}

// TrustRule auto-approves matching permission requests.
type TrustRule struct {
	ID            int64
	Tool          string
	TargetPattern string
	RiskMax       string
	Scope         string // session or global
	SessionID     string
	CreatedAt     time.Time
}

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: log.WithFields(zap.String("component", "store"))}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if fi, err := os.Stat(path); err == nil && fi.Size() > sizeWarnBytes {
		s.logger.Warn("database exceeds soft size limit",
			zap.Int64("size_bytes", fi.Size()),
			zap.Int64("limit_bytes", sizeWarnBytes))
	}

	return s, nil
}

// initSchema creates tables, indexes, the FTS index and its sync triggers.
// Re-applying is a no-op.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		agent_version TEXT DEFAULT '',
		task TEXT DEFAULT '',
		cwd TEXT DEFAULT '',
		tmux_session TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'created',
		auto_approve INTEGER NOT NULL DEFAULT 0,
		metadata TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		UNIQUE (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS pending_approvals (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		target TEXT DEFAULT '',
		risk TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		resolved_at DATETIME,
		resolution TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS trust_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool TEXT NOT NULL,
		target_pattern TEXT DEFAULT '',
		risk_max TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT 'session',
		session_id TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_pending_session ON pending_approvals(session_id);
	CREATE INDEX IF NOT EXISTS idx_pending_unresolved ON pending_approvals(session_id)
		WHERE resolved_at IS NULL;

	CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
		event_type, payload, content='events', content_rowid='id'
	);

	CREATE TRIGGER IF NOT EXISTS events_fts_insert AFTER INSERT ON events BEGIN
		INSERT INTO events_fts(rowid, event_type, payload)
		VALUES (new.id, new.event_type, new.payload);
	END;
	CREATE TRIGGER IF NOT EXISTS events_fts_delete AFTER DELETE ON events BEGIN
		INSERT INTO events_fts(events_fts, rowid, event_type, payload)
		VALUES ('delete', old.id, old.event_type, old.payload);
	END;
	CREATE TRIGGER IF NOT EXISTS events_fts_update AFTER UPDATE ON events BEGIN
		INSERT INTO events_fts(events_fts, rowid, event_type, payload)
		VALUES ('delete', old.id, old.event_type, old.payload);
		INSERT INTO events_fts(rowid, event_type, payload)
		VALUES (new.id, new.event_type, new.payload);
	END;
	`

	_, err := s.db.Exec(schema)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session operations

// CreateSession inserts a new session row. The id must be unique.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = StatusCreated
	}

	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent, agent_version, task, cwd, tmux_session, status, auto_approve, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Agent, sess.AgentVersion, sess.Task, sess.Cwd, sess.TmuxSession, sess.Status, sess.AutoApprove, string(metadata), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrSessionExists
		}
		return err
	}
	return nil
}

const sessionColumns = `id, agent, agent_version, task, cwd, tmux_session, status, auto_approve, metadata, created_at, updated_at, finished_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	sess := &Session{}
	var metadata string
	var finishedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.Agent, &sess.AgentVersion, &sess.Task, &sess.Cwd,
		&sess.TmuxSession, &sess.Status, &sess.AutoApprove, &metadata,
		&sess.CreatedAt, &sess.UpdatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		sess.FinishedAt = &t
	}
	_ = json.Unmarshal([]byte(metadata), &sess.Metadata)
	return sess, nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns all sessions, or only non-terminal ones when
// activeOnly is set. Ordered by creation time, newest first.
func (s *Store) ListSessions(ctx context.Context, activeOnly bool) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`
	if activeOnly {
		query = `SELECT ` + sessionColumns + ` FROM sessions
			WHERE status NOT IN ('done', 'stopped', 'error') ORDER BY created_at DESC`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// UpdateStatus updates a session's status. finished_at is set exactly once,
// when the session first reaches a terminal status.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var result sql.Result
	var err error
	if IsTerminalStatus(status) {
		result, err = s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = ?,
				finished_at = COALESCE(finished_at, ?)
			WHERE id = ?
		`, status, now, now, id)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	}
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTmuxSession records the multiplexer session name on a session row.
func (s *Store) UpdateTmuxSession(ctx context.Context, id, tmuxSession string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET tmux_session = ?, updated_at = ? WHERE id = ?`,
		tmuxSession, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneSessions deletes terminal sessions finished before the cutoff.
// Events and pending approvals cascade. Returns the number of rows removed.
func (s *Store) PruneSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status IN ('done', 'stopped', 'error') AND finished_at IS NOT NULL AND finished_at < ?
	`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Event operations

// InsertEvent appends an event. The caller provides a monotonic seq; a
// collision on (session_id, seq) returns ErrSeqConflict.
func (s *Store) InsertEvent(ctx context.Context, sessionID string, seq int64, eventType string, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, seq, eventType, string(payload), time.Now().UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, ErrSeqConflict
		}
		return 0, err
	}
	return result.LastInsertId()
}

// EventsSince returns up to limit events for a session with seq > afterSeq,
// ascending by seq.
func (s *Store) EventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, event_type, payload, created_at
		FROM events WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		ev := &Event{}
		var payload string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		result = append(result, ev)
	}
	return result, rows.Err()
}

// LatestSeq returns the highest seq recorded for a session, 0 if none.
func (s *Store) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// SearchEvents runs a full-text search over the event log, optionally
// restricted to one session. The query is quoted verbatim so FTS operators
// in user input are not interpreted.
func (s *Store) SearchEvents(ctx context.Context, query, sessionID string) ([]*Event, error) {
	quoted := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`

	sqlQuery := `
		SELECT e.id, e.session_id, e.seq, e.event_type, e.payload, e.created_at
		FROM events_fts f JOIN events e ON e.id = f.rowid
		WHERE events_fts MATCH ?`
	args := []any{quoted}
	if sessionID != "" {
		sqlQuery += ` AND e.session_id = ?`
		args = append(args, sessionID)
	}
	sqlQuery += ` ORDER BY e.session_id, e.seq LIMIT 100`

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		ev := &Event{}
		var payload string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		result = append(result, ev)
	}
	return result, rows.Err()
}

// Pending approval operations

// CreatePending records that a permission request was asked.
func (s *Store) CreatePending(ctx context.Context, p *PendingApproval) error {
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	}
	p.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_approvals (request_id, session_id, tool, target, risk, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.RequestID, p.SessionID, p.Tool, p.Target, p.Risk, string(p.Payload), p.CreatedAt)
	return err
}

// GetPending retrieves an unresolved pending approval by request id.
func (s *Store) GetPending(ctx context.Context, requestID string) (*PendingApproval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, session_id, tool, target, risk, payload, created_at, resolved_at, resolution
		FROM pending_approvals WHERE request_id = ? AND resolved_at IS NULL
	`, requestID)
	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

// PendingForSession returns the unresolved pending approvals for a session,
// oldest first.
func (s *Store) PendingForSession(ctx context.Context, sessionID string) ([]*PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, session_id, tool, target, risk, payload, created_at, resolved_at, resolution
		FROM pending_approvals WHERE session_id = ? AND resolved_at IS NULL
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PendingApproval
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPending(row interface{ Scan(...any) error }) (*PendingApproval, error) {
	p := &PendingApproval{}
	var payload string
	var resolvedAt sql.NullTime
	var resolution sql.NullString
	err := row.Scan(&p.RequestID, &p.SessionID, &p.Tool, &p.Target, &p.Risk,
		&payload, &p.CreatedAt, &resolvedAt, &resolution)
	if err != nil {
		return nil, err
	}
	p.Payload = json.RawMessage(payload)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	if resolution.Valid {
		p.Resolution = resolution.String
	}
	return p, nil
}

// UpdatePendingPayload replaces the stored payload of an unresolved pending
// approval. Used when a client edits the tool input before approving.
func (s *Store) UpdatePendingPayload(ctx context.Context, requestID string, payload json.RawMessage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_approvals SET payload = ?
		WHERE request_id = ? AND resolved_at IS NULL
	`, string(payload), requestID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolvePending marks a pending approval approved or denied. Resolving an
// already-resolved request is a no-op.
func (s *Store) ResolvePending(ctx context.Context, requestID, resolution string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_approvals SET resolved_at = ?, resolution = ?
		WHERE request_id = ? AND resolved_at IS NULL
	`, time.Now().UTC(), resolution, requestID)
	return err
}

// CountPendingUnresolved returns the number of unresolved approvals for a
// session.
func (s *Store) CountPendingUnresolved(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_approvals WHERE session_id = ? AND resolved_at IS NULL
	`, sessionID).Scan(&count)
	return count, err
}

// Trust rule operations

// AddTrustRule inserts a trust rule and returns its id.
func (s *Store) AddTrustRule(ctx context.Context, rule *TrustRule) (int64, error) {
	rule.CreatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_rules (tool, target_pattern, risk_max, scope, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rule.Tool, rule.TargetPattern, rule.RiskMax, rule.Scope, rule.SessionID, rule.CreatedAt)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// TrustRulesFor returns the candidate rules for a tool: session-scoped rules
// for the given session first, then global rules, each oldest first.
func (s *Store) TrustRulesFor(ctx context.Context, tool, sessionID string) ([]*TrustRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool, target_pattern, risk_max, scope, session_id, created_at
		FROM trust_rules
		WHERE tool = ? AND (scope = 'global' OR (scope = 'session' AND session_id = ?))
		ORDER BY CASE scope WHEN 'session' THEN 0 ELSE 1 END, created_at ASC
	`, tool, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*TrustRule
	for rows.Next() {
		rule := &TrustRule{}
		if err := rows.Scan(&rule.ID, &rule.Tool, &rule.TargetPattern, &rule.RiskMax,
			&rule.Scope, &rule.SessionID, &rule.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

// ClearSessionTrustRules removes the session-scoped rules for a session.
func (s *Store) ClearSessionTrustRules(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trust_rules WHERE scope = 'session' AND session_id = ?`, sessionID)
	return err
}
