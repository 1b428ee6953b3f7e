package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/internal/tracing"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	tracerName = "ema.session"
	fileSuffix = ".jsonl"
)

var ErrNotFound = errors.New("session does not exist")

// Entry is one persisted message.
type Entry struct {
	SessionKey string      `json:"sessionKey"`
	Message    llm.Message `json:"message"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Info describes a session file.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	MessageCount int       `json:"messageCount"`
}

// Manager stores sessions under a directory.
type Manager struct {
	dir     string
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New opens dir, creating it if needed. An empty dir defaults to
// ~/.ema/sessions.
func New(dir string) (*Manager, error) {
	observability.EnsureRegistered()

	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".ema", "sessions")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Session manager initialized")
	return &Manager{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

// ValidateKey rejects keys that are empty or could escape the directory.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("session key cannot be empty")
	case strings.Contains(key, ".."):
		return fmt.Errorf("session key cannot contain '..'")
	case strings.ContainsAny(key, "/\\"):
		return fmt.Errorf("session key cannot contain path separators")
	case strings.Contains(key, "\x00"):
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key+fileSuffix)
}

func (m *Manager) lock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func validMessage(msg llm.Message) error {
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return fmt.Errorf("message content cannot be empty")
	}
	return nil
}

// Append writes msgs to the end of the session, creating it if needed.
func (m *Manager) Append(ctx context.Context, key string, msgs ...llm.Message) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.append",
		attribute.String("session.key", key),
		attribute.Int("messages", len(msgs)),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := ValidateKey(key); err != nil {
		return fail(err)
	}
	if len(msgs) == 0 {
		return nil
	}

	now := time.Now()
	var buf []byte
	for _, msg := range msgs {
		if err := validMessage(msg); err != nil {
			return fail(err)
		}
		data, err := json.Marshal(Entry{SessionKey: key, Message: msg, Timestamp: now})
		if err != nil {
			return fail(fmt.Errorf("failed to marshal message: %w", err))
		}
		buf = append(append(buf, data...), '\n')
	}

	l := m.lock(key)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(m.path(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fail(fmt.Errorf("failed to open session file: %w", err))
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		return fail(fmt.Errorf("failed to write message: %w", err))
	}
	if err := file.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync file: %w", err))
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_key", key).
		Int("messages", len(msgs)).
		Msg("Messages appended")
	return nil
}

// Load returns every valid entry of the session. A missing session is empty.
func (m *Manager) Load(ctx context.Context, key string) ([]Entry, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.load", attribute.String("session.key", key))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", key).Logger()

	if err := ValidateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(m.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	entries := []Entry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(text, &entry); err != nil {
			logger.Warn().Int("line", line).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if validMessage(entry.Message) != nil {
			logger.Warn().Int("line", line).Msg("Invalid entry, skipping")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return entries, nil
}

// History returns the last limit messages of the session, or all of them
// when limit <= 0.
func (m *Manager) History(ctx context.Context, key string, limit int) ([]llm.Message, error) {
	entries, err := m.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	msgs := make([]llm.Message, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs, nil
}

// Replace atomically rewrites the session with entries.
func (m *Manager) Replace(ctx context.Context, key string, entries []Entry) error {
	_, span := tracing.StartSpan(ctx, tracerName, "session.replace",
		attribute.String("session.key", key),
		attribute.Int("entries", len(entries)),
	)
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return err
	}

	l := m.lock(key)
	l.Lock()
	defer l.Unlock()

	path := m.path(key)
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, entry := range entries {
		entry.SessionKey = key
		data, err := json.Marshal(entry)
		if err == nil {
			_, err = w.Write(append(data, '\n'))
		}
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush entries: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Repair rewrites the session without its corrupt lines.
func (m *Manager) Repair(ctx context.Context, key string) error {
	entries, err := m.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := m.Replace(ctx, key, entries); err != nil {
		return err
	}
	log.Info().Str("session_key", key).Int("entries", len(entries)).Msg("Session repaired")
	return nil
}

func (m *Manager) Delete(ctx context.Context, key string) error {
	_, span := tracing.StartSpan(ctx, tracerName, "session.delete", attribute.String("session.key", key))
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return err
	}

	l := m.lock(key)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(m.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		span.RecordError(err)
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// List returns the keys of every stored session, sorted.
func (m *Manager) List() ([]string, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	keys := []string{}
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Info describes a stored session. It returns ErrNotFound for a missing one.
func (m *Manager) Info(ctx context.Context, key string) (Info, error) {
	if err := ValidateKey(key); err != nil {
		return Info{}, err
	}
	stat, err := os.Stat(m.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat session file: %w", err)
	}
	entries, err := m.Load(ctx, key)
	if err != nil {
		return Info{}, err
	}
	return Info{Key: key, Size: stat.Size(), LastModified: stat.ModTime(), MessageCount: len(entries)}, nil
}

// Dump returns every session's entries, keyed by session.
func (m *Manager) Dump(ctx context.Context) (map[string][]Entry, error) {
	keys, err := m.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Entry, len(keys))
	for _, key := range keys {
		entries, err := m.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = entries
	}
	return out, nil
}

// Restore deletes every session and writes sessions in its place.
func (m *Manager) Restore(ctx context.Context, sessions map[string][]Entry) error {
	keys, err := m.List()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.Delete(ctx, key); err != nil {
			return err
		}
	}
	for key, entries := range sessions {
		if err := m.Replace(ctx, key, entries); err != nil {
			return fmt.Errorf("session %s: %w", key, err)
		}
	}
	return nil
}
