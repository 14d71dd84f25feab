package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Document is a raw rule document fetched from a Source.
type Document struct {
	Data   []byte
	Format string
	Origin string
}

// Source fetches rule documents. Implementations live in rules/source.
type Source interface {
	Fetch(ctx context.Context) (Document, error)
}

// Publisher is a Source that also accepts imported documents, so every
// instance reading it sees an import on its next reload.
type Publisher interface {
	Source
	Publish(ctx context.Context, doc Document) error
}

// Provider hands out the rule set used for a decision.
type Provider interface {
	Current(ctx context.Context) (*RuleSet, error)
}

// Static always returns the same rule set.
type Static struct {
	Set *RuleSet
}

func (s Static) Current(context.Context) (*RuleSet, error) {
	if s.Set == nil {
		return nil, fmt.Errorf("no rule set loaded")
	}
	return s.Set, nil
}

// Loader parses documents from a Source and caches the result. A set older
// than MaxAge is refetched; zero refetches on every Current call. When a
// refetch fails the previous set stays in use.
type Loader struct {
	Source Source
	Logger *slog.Logger
	MaxAge time.Duration
	Now    func() time.Time

	mu       sync.RWMutex
	set      *RuleSet
	loadedAt time.Time
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *Loader) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// Current returns the cached set, refetching it when stale.
func (l *Loader) Current(ctx context.Context) (*RuleSet, error) {
	l.mu.RLock()
	set, loadedAt := l.set, l.loadedAt
	l.mu.RUnlock()
	if set != nil && l.MaxAge > 0 && l.now().Sub(loadedAt) < l.MaxAge {
		return set, nil
	}
	fresh, err := l.Reload(ctx)
	if err != nil {
		if set != nil {
			l.logger().Warn("rule reload failed, keeping previous set", "digest", set.Digest, "err", err)
			return set, nil
		}
		return nil, err
	}
	return fresh, nil
}

// Reload fetches and parses the document again. The cached set is replaced
// only when the new document is valid.
func (l *Loader) Reload(ctx context.Context) (*RuleSet, error) {
	doc, err := l.Source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch rules: %w", err)
	}
	l.mu.RLock()
	prev := l.set
	l.mu.RUnlock()
	if prev != nil && prev.Origin == doc.Origin {
		if raw, err := ToJSON(doc.Data, doc.Format); err == nil {
			if digest, err := Digest(raw); err == nil && digest == prev.Digest {
				l.store(prev)
				return prev, nil
			}
		}
	}
	set, err := Parse(doc.Data, doc.Format)
	if err != nil {
		return nil, err
	}
	set.Origin = doc.Origin
	for _, t := range set.MissingCatchAll() {
		l.logger().Warn("routing rules have no catch-all", "type", t, "rule_set", set.Name, "origin", doc.Origin)
	}
	l.store(set)
	l.logger().Info("rule set loaded", "name", set.Name, "version", set.Version, "digest", set.Digest, "origin", doc.Origin)
	return set, nil
}

func (l *Loader) store(set *RuleSet) {
	l.mu.Lock()
	l.set = set
	l.loadedAt = l.now()
	l.mu.Unlock()
}
