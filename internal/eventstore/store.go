// Package eventstore journals a session's timeline (finalized blocks, attached
// analyses, dropped dispatches) into SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Entry kinds.
const (
	KindBlockFinalized   = "block_finalized"
	KindAnalysisAttached = "analysis_attached"
	KindAnalysisDropped  = "analysis_dropped"
)

// Entry is one recorded timeline fact.
type Entry struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	BlockID   string          `json:"blockId,omitempty"`
	Variant   string          `json:"variant,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store wraps a SQLite-backed session timeline. In ephemeral mode it holds
// no database and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   zerolog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log zerolog.Logger) (*Store, error) {
	log = logging.WithComponent(log, "eventstore")
	if cfg.RetentionMode == "" || cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn().Err(err).Msg("event store vacuum failed")
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn().Err(err).Msg("event store prune on start failed")
	}

	log.Info().Str("path", cfg.Path).Str("retention", cfg.RetentionMode).Msg("event store opened")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    block_id TEXT,
    variant TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether entries are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records an entry, creating the session row on first use.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if !s.Enabled() {
		return nil
	}
	if e.SessionID == "" {
		return errors.New("entry without session id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		e.SessionID, e.CreatedAt); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries(session_id, kind, block_id, variant, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Kind, e.BlockID, e.Variant, []byte(e.Payload), e.CreatedAt); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return tx.Commit()
}

// ListSession retrieves up to limit entries for a session in recording order.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, block_id, variant, payload, created_at
		 FROM entries WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var blockID, variant sql.NullString
		var payload []byte
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &blockID, &variant, &payload, &created); err != nil {
			return nil, err
		}
		e.BlockID = blockID.String
		e.Variant = variant.String
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteSession removes a session and, by cascade, its entries.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) BlockFinalized(ctx context.Context, sessionID string, b transcript.Block) {
	s.record(ctx, Entry{SessionID: sessionID, Kind: KindBlockFinalized, BlockID: b.ID}, b)
}

func (s *Store) AnalysisAttached(ctx context.Context, sessionID, blockID string, r analysis.Result) {
	s.record(ctx, Entry{SessionID: sessionID, Kind: KindAnalysisAttached, BlockID: blockID, Variant: string(r.Variant)}, r)
}

func (s *Store) AnalysisDropped(ctx context.Context, sessionID string, req analysis.Request) {
	s.record(ctx, Entry{SessionID: sessionID, Kind: KindAnalysisDropped, BlockID: req.BlockID, Variant: string(req.Variant)}, req.Wire())
}

// SessionClosed purges the session under "session" retention and stamps
// closed_at otherwise.
func (s *Store) SessionClosed(ctx context.Context, sessionID string) {
	if !s.Enabled() {
		return
	}
	var err error
	if s.cfg.RetentionMode == RetentionSession {
		err = s.DeleteSession(ctx, sessionID)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE sessions SET closed_at = ? WHERE session_id = ?`, s.clock().UTC(), sessionID)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to close session timeline")
	}
}

func (s *Store) record(ctx context.Context, e Entry, payload any) {
	if !s.Enabled() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", e.Kind).Msg("failed to encode timeline entry")
		return
	}
	e.Payload = data
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("kind", e.Kind).Str("blockId", e.BlockID).Msg("failed to record timeline entry")
	}
}
