// Package hooks runs operator-supplied shell scripts on service events.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	EventServiceStart    = "service:start"
	EventServiceStop     = "service:stop"
	EventSnapshotCreate  = "snapshot:create"
	EventSnapshotRestore = "snapshot:restore"

	DefaultTimeout = 5 * time.Second
	envPrefix      = "EMA_HOOK_"
)

var knownEvents = map[string]bool{
	EventServiceStart:    true,
	EventServiceStop:     true,
	EventSnapshotCreate:  true,
	EventSnapshotRestore: true,
}

type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager maps events to the hooks registered for them. A nil Manager
// triggers nothing.
type Manager struct {
	logger  zerolog.Logger
	byEvent map[string][]Hook
}

func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[string][]Hook),
	}
	if !cfg.Enabled {
		return m, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		hook.Event = strings.TrimSpace(hook.Event)
		if !knownEvents[hook.Event] {
			return nil, fmt.Errorf("hook %q: unknown event %q", hook.ID, hook.Event)
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", hook.Event)
		}
		if hook.ID == "" {
			hook.ID = fmt.Sprintf("%s#%d", hook.Event, len(m.byEvent[hook.Event])+1)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = DefaultTimeout
		}
		m.byEvent[hook.Event] = append(m.byEvent[hook.Event], hook)
	}
	return m, nil
}

// Count returns how many hooks are registered for event.
func (m *Manager) Count(event string) int {
	if m == nil {
		return 0
	}
	return len(m.byEvent[event])
}

// Trigger runs every hook registered for event concurrently and joins
// their failures.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil {
		return nil
	}
	hooks := m.byEvent[event]
	if len(hooks) == 0 {
		return nil
	}

	env := environment(event, data)
	errs := make([]error, len(hooks))
	var g errgroup.Group
	for i, hook := range hooks {
		i, hook := i, hook
		g.Go(func() error {
			errs[i] = m.run(ctx, hook, env)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) run(ctx context.Context, hook Hook, env []string) error {
	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = env
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))

	logger := m.logger.With().Str("event", hook.Event).Str("hook_id", hook.ID).Dur("duration", time.Since(start)).Logger()
	if err != nil {
		logger.Warn().Err(err).Str("output", text).Msg("Hook failed")
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hook.ID, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", hook.ID, err)
	}
	logger.Debug().Str("output", text).Msg("Hook executed")
	return nil
}

// environment exposes the event as EMA_HOOK_EVENT and each data key as
// EMA_HOOK_<KEY>, upper-cased with non-alphanumerics replaced by '_'.
func environment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, envPrefix+"EVENT="+event)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, envPrefix+envKey(k)+"="+fmt.Sprint(data[k]))
	}
	return env
}

func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(key))
}
