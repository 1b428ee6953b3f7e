package daemon

import (
	"context"
	"strings"
	"time"

	"github.com/evermemory/ema/internal/config"
	"github.com/evermemory/ema/pkg/hooks"
	"github.com/evermemory/ema/pkg/server"
	"github.com/rs/zerolog"
)

func newHookManager(cfg config.HooksConfig, logger zerolog.Logger) (*hooks.Manager, error) {
	defs := make([]hooks.Hook, 0, len(cfg.Entries))
	for _, entry := range cfg.Entries {
		defs = append(defs, hooks.Hook{
			ID:      strings.TrimSpace(entry.ID),
			Event:   strings.TrimSpace(entry.Event),
			Script:  strings.TrimSpace(entry.Script),
			Timeout: time.Duration(entry.TimeoutMs) * time.Millisecond,
			Enabled: entry.Enabled,
		})
	}
	return hooks.NewManager(hooks.Config{
		Enabled: cfg.Enabled,
		Hooks:   defs,
		Logger:  logger,
	})
}

func (d *Daemon) triggerHook(ctx context.Context, event string, data map[string]interface{}) {
	if err := d.hooks.Trigger(ctx, event, data); err != nil {
		d.logger.Warn().Err(err).Str("event", event).Msg("Hook failed")
	}
}

// hookedSnapshots is the snapshot service the server sees. Restores reset
// the actor registry, and successful operations fire the snapshot hooks.
type hookedSnapshots struct {
	server.SnapshotService
	d *Daemon
}

func (h hookedSnapshots) Create(ctx context.Context, name string) (string, error) {
	fileName, err := h.SnapshotService.Create(ctx, name)
	if err == nil {
		h.d.triggerHook(ctx, hooks.EventSnapshotCreate, map[string]interface{}{"name": name, "file": fileName})
	}
	return fileName, err
}

// Restore closes every loaded actor and restores while no actor can be
// created, so actors are re-seeded from the restored sessions.
func (h hookedSnapshots) Restore(ctx context.Context, name string) (string, error) {
	var message string
	err := h.d.actors.ResetDuring(func() error {
		var err error
		message, err = h.SnapshotService.Restore(ctx, name)
		return err
	})
	if err == nil {
		h.d.triggerHook(ctx, hooks.EventSnapshotRestore, map[string]interface{}{"name": name, "message": message})
	}
	return message, err
}
