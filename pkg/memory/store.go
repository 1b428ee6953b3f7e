package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "ema.memory"

type Config struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path   string
	Logger *zerolog.Logger
}

// Store is the sqlite-backed short-term memory store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if cfg.Path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db, logger: logger.With().Str("component", "memory").Logger()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if n, err := s.count(context.Background()); err == nil {
		observability.SetMemoryEntries(n)
	}
	s.logger.Info().Str("path", cfg.Path).Msg("Memory store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS short_term_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			actor_id INTEGER NOT NULL,
			os TEXT NOT NULL,
			statement TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			messages TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_stm_actor ON short_term_memories(actor_id);
		CREATE INDEX IF NOT EXISTS idx_stm_created ON short_term_memories(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores m under a fresh ID and returns the stored entry.
func (s *Store) Append(ctx context.Context, m ShortTermMemory) (ShortTermMemory, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.append", attribute.Int64("actor.id", m.ActorID))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	if !m.Kind.Valid() {
		return ShortTermMemory{}, fmt.Errorf("invalid memory kind %q", m.Kind)
	}
	messages, err := encodeMessages(m.Messages)
	if err != nil {
		return ShortTermMemory{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO short_term_memories (kind, actor_id, os, statement, created_at, messages) VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.Kind), m.ActorID, m.OS, m.Statement, m.CreatedAt, messages)
	if err != nil {
		return ShortTermMemory{}, fmt.Errorf("failed to append memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ShortTermMemory{}, fmt.Errorf("failed to read memory id: %w", err)
	}
	m.ID = id
	if m.Messages == nil {
		m.Messages = []int64{}
	}

	s.refreshCount(ctx)
	return m, nil
}

// List returns the memories matching filter in ID order.
func (s *Store) List(ctx context.Context, filter Filter) ([]ShortTermMemory, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.list")
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemoryQuery(time.Since(start)) }()

	var (
		where []string
		args  []interface{}
	)
	if filter.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filter.CreatedBefore)
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.CreatedAfter)
	}

	query := `SELECT id, kind, actor_id, os, statement, created_at, messages FROM short_term_memories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	out := []ShortTermMemory{}
	for rows.Next() {
		var (
			m        ShortTermMemory
			kind     string
			messages string
		)
		if err := rows.Scan(&m.ID, &kind, &m.ActorID, &m.OS, &m.Statement, &m.CreatedAt, &messages); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		m.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(messages), &m.Messages); err != nil {
			return nil, fmt.Errorf("memory %d: corrupt messages: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// All returns every stored memory.
func (s *Store) All(ctx context.Context) ([]ShortTermMemory, error) {
	return s.List(ctx, Filter{})
}

// Delete removes the memory with id and reports whether one existed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.delete", attribute.Int64("memory.id", id))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM short_term_memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	s.refreshCount(ctx)
	return n > 0, nil
}

// Reset replaces the whole store with entries, keeping their IDs. IDs of
// later appends continue after the largest restored ID.
func (s *Store) Reset(ctx context.Context, entries []ShortTermMemory) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.reset", attribute.Int("entries", len(entries)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM short_term_memories`); err != nil {
		return fmt.Errorf("failed to clear memories: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'short_term_memories'`); err != nil {
		return fmt.Errorf("failed to reset memory ids: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO short_term_memories (id, kind, actor_id, os, statement, created_at, messages) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range entries {
		messages, err := encodeMessages(m.Messages)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, m.ID, string(m.Kind), m.ActorID, m.OS, m.Statement, m.CreatedAt, messages); err != nil {
			return fmt.Errorf("failed to restore memory %d: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	s.refreshCount(ctx)
	s.logger.Info().Int("entries", len(entries)).Msg("Memory store reset")
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM short_term_memories`).Scan(&n)
	return n, err
}

func (s *Store) refreshCount(ctx context.Context) {
	if n, err := s.count(ctx); err == nil {
		observability.SetMemoryEntries(n)
	}
}

func encodeMessages(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode messages: %w", err)
	}
	return string(data), nil
}
