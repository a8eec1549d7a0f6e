// Package persistence stores session snapshots, the append-only operation
// log, and approval grants in SQLite. A snapshot is the exported node list of
// the session's graph; resume rebuilds the graph from it and replays nothing.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// SessionRecord is the persisted form of one session.
type SessionRecord struct {
	ID          string
	UserID      string
	Autonomy    proto.AutonomyLevel
	State       proto.State
	GraphJSON   []byte
	ContextJSON []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the database at dbPath with WAL mode and runs
// schema migrations. SQLite supports a single writer, so the pool is pinned
// to one connection.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("database initialized: %s (schema v%d)", dbPath, CurrentSchemaVersion)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// SaveSession upserts a session snapshot.
func (s *Store) SaveSession(rec *SessionRecord) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, autonomy, state, graph_json, context_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			autonomy = excluded.autonomy,
			state = excluded.state,
			graph_json = excluded.graph_json,
			context_json = excluded.context_json,
			updated_at = excluded.updated_at`,
		rec.ID, rec.UserID, string(rec.Autonomy), string(rec.State),
		string(rec.GraphJSON), string(rec.ContextJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

// LoadSession loads a session snapshot, or ErrSessionNotFound.
func (s *Store) LoadSession(id string) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var autonomy, state, graphJSON, contextJSON string
	err := s.db.QueryRow(`
		SELECT id, user_id, autonomy, state, graph_json, context_json, created_at, updated_at
		FROM sessions WHERE id = ?`, id).Scan(
		&rec.ID, &rec.UserID, &autonomy, &state, &graphJSON, &contextJSON,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", proto.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	rec.Autonomy = proto.AutonomyLevel(autonomy)
	rec.State = proto.State(state)
	rec.GraphJSON = []byte(graphJSON)
	rec.ContextJSON = []byte(contextJSON)
	return rec, nil
}

// ListSessions returns every persisted session id, sorted.
func (s *Store) ListSessions() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM sessions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and its operation and approval history.
func (s *Store) DeleteSession(id string) error {
	for _, stmt := range []string{
		"DELETE FROM operations WHERE session_id = ?",
		"DELETE FROM approvals WHERE session_id = ?",
		"DELETE FROM sessions WHERE id = ?",
	} {
		if _, err := s.db.Exec(stmt, id); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", id, err)
		}
	}
	return nil
}

// AppendOperations appends emitted operations to the session's op log.
func (s *Store) AppendOperations(sessionID, intentID string, ops []proto.Operation) error {
	now := time.Now().UTC()
	for i := range ops {
		data, err := json.Marshal(&ops[i])
		if err != nil {
			return fmt.Errorf("failed to serialize operation: %w", err)
		}
		if _, err := s.db.Exec(`
			INSERT INTO operations (session_id, intent_id, op_json, created_at)
			VALUES (?, ?, ?, ?)`,
			sessionID, intentID, string(data), now); err != nil {
			return fmt.Errorf("failed to append operation for %s: %w", sessionID, err)
		}
	}
	return nil
}

// OperationsFor returns the session's full operation history in emission
// order.
func (s *Store) OperationsFor(sessionID string) ([]proto.Operation, error) {
	rows, err := s.db.Query(
		"SELECT op_json FROM operations WHERE session_id = ? ORDER BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []proto.Operation
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		var op proto.Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, fmt.Errorf("failed to parse stored operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return out, nil
}

// SaveApproval records one approval outcome.
func (s *Store) SaveApproval(grant *proto.ApprovalGrant) error {
	_, err := s.db.Exec(`
		INSERT INTO approvals (id, session_id, intent_id, capability_id, status, granted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		grant.ID, grant.SessionID, grant.IntentID, grant.CapabilityID,
		string(grant.Status), grant.GrantedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save approval %s: %w", grant.ID, err)
	}
	return nil
}

// ApprovalsFor returns the session's approval history, oldest first.
func (s *Store) ApprovalsFor(sessionID string) ([]*proto.ApprovalGrant, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, intent_id, capability_id, status, granted_at
		FROM approvals WHERE session_id = ? ORDER BY granted_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*proto.ApprovalGrant
	for rows.Next() {
		g := &proto.ApprovalGrant{}
		var status string
		if err := rows.Scan(&g.ID, &g.SessionID, &g.IntentID, &g.CapabilityID, &status, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		g.Status = proto.ApprovalStatus(status)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approvals: %w", err)
	}
	return out, nil
}
