package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultPruneInterval = time.Hour

// Pruner periodically trims every session to its most recent maxEntries.
type Pruner struct {
	manager    *Manager
	maxEntries int
	interval   time.Duration
}

func NewPruner(manager *Manager, maxEntries int, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{manager: manager, maxEntries: maxEntries, interval: interval}
}

// Run prunes immediately and then on every interval until ctx ends.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Int("max_entries", p.maxEntries).Dur("interval", p.interval).Msg("Session pruning started")
	for {
		if n, err := p.PruneNow(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to prune sessions")
		} else if n > 0 {
			log.Info().Int("pruned", n).Msg("Pruned sessions")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PruneNow trims oversized sessions and returns how many were trimmed.
func (p *Pruner) PruneNow(ctx context.Context) (int, error) {
	if p.maxEntries <= 0 {
		return 0, nil
	}
	keys, err := p.manager.List()
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, key := range keys {
		entries, err := p.manager.Load(ctx, key)
		if err != nil {
			log.Warn().Str("session_key", key).Err(err).Msg("Failed to load session for pruning")
			continue
		}
		if len(entries) <= p.maxEntries {
			continue
		}
		if err := p.manager.Replace(ctx, key, entries[len(entries)-p.maxEntries:]); err != nil {
			log.Warn().Str("session_key", key).Err(err).Msg("Failed to prune session")
			continue
		}
		pruned++
	}
	return pruned, nil
}
