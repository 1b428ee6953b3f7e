// Package moderation screens text sent to actors.
package moderation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/evermemory/ema/internal/config"
)

// ErrBlocked marks content rejected by a Filter.
var ErrBlocked = errors.New("content blocked")

// Filter rejects text containing blocked keywords or matching blocked
// patterns. A nil or disabled Filter accepts everything.
type Filter struct {
	enabled  bool
	keywords []string
	patterns []*regexp.Regexp
}

func New(cfg config.ModerationConfig) (*Filter, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	keywords := make([]string, 0, len(cfg.BlockedKeywords))
	for _, kw := range cfg.BlockedKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}

	return &Filter{
		enabled:  cfg.Enabled,
		keywords: keywords,
		patterns: patterns,
	}, nil
}

// Check returns an error wrapping ErrBlocked when text is not allowed.
func (f *Filter) Check(text string) error {
	if f == nil || !f.enabled {
		return nil
	}

	normalized := strings.ToLower(text)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, kw) {
			return fmt.Errorf("%w: contains blocked keyword %q", ErrBlocked, kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(text) {
			return fmt.Errorf("%w: matches blocked pattern #%d", ErrBlocked, i+1)
		}
	}
	return nil
}
