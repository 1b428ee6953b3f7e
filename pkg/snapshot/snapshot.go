// Package snapshot saves and restores the persistent state of the server:
// every short-term memory and every session history.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/evermemory/ema/internal/tracing"
	"github.com/evermemory/ema/pkg/memory"
	"github.com/evermemory/ema/pkg/session"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultName = "default"
	version     = 1
)

var (
	ErrInvalidName = errors.New("snapshot: invalid name")
	ErrNotFound    = errors.New("snapshot: not found")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// File is the on-disk snapshot format.
type File struct {
	Version   int                        `json:"version"`
	Name      string                     `json:"name"`
	CreatedAt time.Time                  `json:"createdAt"`
	Memories  []memory.ShortTermMemory   `json:"memories"`
	Sessions  map[string][]session.Entry `json:"sessions"`
}

// Manager writes snapshots as <dir>/<name>.json.
type Manager struct {
	dir      string
	memory   *memory.Store
	sessions *session.Manager
}

func NewManager(dir string, store *memory.Store, sessions *session.Manager) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Manager{dir: dir, memory: store, sessions: sessions}, nil
}

// ValidateName rejects names that are empty or could escape the directory.
func ValidateName(name string) error {
	if name == ".." || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name+".json")
}

// Create writes a snapshot named name and returns the file it wrote.
func (m *Manager) Create(ctx context.Context, name string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ema.snapshot", "snapshot.create", attribute.String("snapshot.name", name))
	defer span.End()

	if err := ValidateName(name); err != nil {
		return "", err
	}

	memories, err := m.memory.All(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read memories: %w", err)
	}
	sessions, err := m.sessions.Dump(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read sessions: %w", err)
	}

	data, err := json.MarshalIndent(File{
		Version:   version,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Memories:  memories,
		Sessions:  sessions,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	path := m.path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	log.Info().Str("name", name).Int("memories", len(memories)).Int("sessions", len(sessions)).Msg("Snapshot created")
	return path, nil
}

// Restore replaces memories and sessions with the snapshot named name and
// returns a summary of what was restored.
func (m *Manager) Restore(ctx context.Context, name string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ema.snapshot", "snapshot.restore", attribute.String("snapshot.name", name))
	defer span.End()

	if err := ValidateName(name); err != nil {
		return "", err
	}

	data, err := os.ReadFile(m.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read snapshot: %w", err)
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return "", fmt.Errorf("failed to decode snapshot %s: %w", name, err)
	}
	if file.Version > version {
		return "", fmt.Errorf("snapshot %s has unsupported version %d", name, file.Version)
	}

	if err := m.memory.Reset(ctx, file.Memories); err != nil {
		return "", err
	}
	if err := m.sessions.Restore(ctx, file.Sessions); err != nil {
		return "", err
	}

	log.Info().Str("name", name).Int("memories", len(file.Memories)).Int("sessions", len(file.Sessions)).Msg("Snapshot restored")
	return fmt.Sprintf("%s (%d memories, %d sessions)", name, len(file.Memories), len(file.Sessions)), nil
}

// List returns the names of the stored snapshots.
func (m *Manager) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, p := range matches {
		base := filepath.Base(p)
		names = append(names, base[:len(base)-len(".json")])
	}
	return names, nil
}
