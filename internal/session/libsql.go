package session

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/turnpike-ai/turnpike/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var sessionsSchema string

// schemaRevision is one versioned step of the sessions schema. Revisions
// apply in order inside a transaction and are recorded in schema_version,
// so an upgraded binary only runs the steps the database has not seen.
type schemaRevision struct {
	version int
	name    string
	script  string
}

var sessionsRevisions = []schemaRevision{
	{version: 1, name: "sessions", script: sessionsSchema},
}

// LibSQLStore persists sessions in libSQL (embedded SQLite fork).
// A single connection serializes writes, which keeps the read-modify-write
// pending operations atomic without explicit row locking.
type LibSQLStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path, e.g.
// "file:/path/to/sessions.db". A non-positive ttl selects DefaultTTL.
func NewLibSQLStore(dbPath string, ttl time.Duration) (*LibSQLStore, error) {
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
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LibSQLStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Migrate brings the sessions schema up to the current revision.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return storeErr("create schema_version", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`,
	).Scan(&current); err != nil {
		return storeErr("read schema_version", err)
	}

	for _, rev := range sessionsRevisions {
		if rev.version <= current {
			continue
		}
		if err := s.applyRevision(ctx, rev); err != nil {
			return err
		}
	}
	return nil
}

func (s *LibSQLStore) applyRevision(ctx context.Context, rev schemaRevision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(fmt.Sprintf("begin schema revision %d", rev.version), err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements(rev.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storeErr(fmt.Sprintf("schema revision %d (%s)", rev.version, rev.name), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`,
		rev.version, rev.name,
	); err != nil {
		return storeErr(fmt.Sprintf("record schema revision %d", rev.version), err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(fmt.Sprintf("commit schema revision %d", rev.version), err)
	}
	return nil
}

// schemaStatements splits an embedded script on semicolons and drops
// fragments that hold nothing but whitespace or -- comments.
func schemaStatements(script string) []string {
	var stmts []string
	for _, fragment := range strings.Split(script, ";") {
		fragment = strings.TrimSpace(fragment)
		for _, line := range strings.Split(fragment, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "--") {
				stmts = append(stmts, fragment)
				break
			}
		}
	}
	return stmts
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	now := s.now().UTC()

	sess, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		if now.Sub(sess.LastAccess) <= s.ttl {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE sessions SET last_access = ? WHERE id = ?`, now, id,
			); err != nil {
				return nil, storeErr("refresh session", err)
			}
			sess.LastAccess = now
			return sess, nil
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return nil, storeErr("delete expired session", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_access, turn_count) VALUES (?, ?, ?, 0)
		 ON CONFLICT(id) DO NOTHING`,
		id, now, now,
	)
	if err != nil {
		return nil, storeErr("create session", err)
	}
	return s.getSession(ctx, id)
}

func (s *LibSQLStore) Touch(ctx context.Context, id, intent, query string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET turn_count = turn_count + 1, last_intent = ?, last_query = ?, last_access = ?
		 WHERE id = ?`,
		intent, query, s.now().UTC(), id,
	)
	if err != nil {
		return storeErr("touch session", err)
	}
	return nil
}

func (s *LibSQLStore) SetPending(ctx context.Context, id string, kind schema.PendingKind, payload map[string]any) error {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET pending_kind = ?, pending_payload = ?, last_access = ? WHERE id = ?`,
		kind.String(), payloadJSON, s.now().UTC(), id,
	)
	if err != nil {
		return storeErr("set pending", err)
	}
	return nil
}

func (s *LibSQLStore) GetPending(ctx context.Context, id string) (schema.PendingKind, map[string]any, error) {
	var kindStr sql.NullString
	var payloadJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT pending_kind, pending_payload FROM sessions WHERE id = ?`, id,
	).Scan(&kindStr, &payloadJSON)
	if err == sql.ErrNoRows {
		return schema.PendingNone, nil, nil
	}
	if err != nil {
		return schema.PendingNone, nil, storeErr("get pending", err)
	}
	return schema.ParsePendingKind(kindStr.String), unmarshalPayload(payloadJSON), nil
}

func (s *LibSQLStore) HasPending(ctx context.Context, id string) (bool, error) {
	kind, _, err := s.GetPending(ctx, id)
	return !kind.IsNone(), err
}

func (s *LibSQLStore) ClearPending(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pending_kind = NULL, pending_payload = NULL WHERE id = ?`, id,
	)
	if err != nil {
		return storeErr("clear pending", err)
	}
	return nil
}

func (s *LibSQLStore) ClearPendingIfKind(ctx context.Context, id string, kind schema.PendingKind) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pending_kind = NULL, pending_payload = NULL
		 WHERE id = ? AND pending_kind = ?`,
		id, kind.String(),
	)
	if err != nil {
		return false, storeErr("clear pending if kind", err)
	}
	return clearedRows(res)
}

func (s *LibSQLStore) ClearPendingIfPrefix(ctx context.Context, id, prefix string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pending_kind = NULL, pending_payload = NULL
		 WHERE id = ? AND pending_kind IS NOT NULL AND pending_kind != '' AND pending_kind LIKE ? || '%'`,
		id, prefix,
	)
	if err != nil {
		return false, storeErr("clear pending if prefix", err)
	}
	return clearedRows(res)
}

func clearedRows(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("count cleared rows", err)
	}
	return n > 0, nil
}

func (s *LibSQLStore) PruneExpired(ctx context.Context) ([]string, error) {
	cutoff := s.now().UTC().Add(-s.ttl)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE last_access < ?`, cutoff,
	)
	if err != nil {
		return nil, storeErr("list expired sessions", err)
	}
	var pruned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr("scan expired session", err)
		}
		pruned = append(pruned, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("list expired sessions", err)
	}
	if len(pruned) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_access < ?`, cutoff,
	); err != nil {
		return nil, storeErr("prune expired sessions", err)
	}
	return pruned, nil
}

func (s *LibSQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return storeErr("delete session", err)
	}
	return nil
}

func (s *LibSQLStore) getSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var intent, query, kindStr, payloadJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_access, turn_count, last_intent, last_query, pending_kind, pending_payload
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.LastAccess, &sess.TurnCount,
		&intent, &query, &kindStr, &payloadJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	sess.LastIntent = intent.String
	sess.LastQuery = query.String
	sess.PendingKind = schema.ParsePendingKind(kindStr.String)
	sess.PendingPayload = unmarshalPayload(payloadJSON)
	return sess, nil
}

func storeErr(op string, err error) error {
	return schema.NewError(schema.ErrCodeStore, op+" failed").WithCause(err)
}

func marshalPayload(payload map[string]any) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "marshal pending payload failed").WithCause(err)
	}
	return string(raw), nil
}

func unmarshalPayload(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(ns.String), &payload); err != nil {
		return nil
	}
	return payload
}
