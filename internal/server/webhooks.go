package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"revline/internal/config"
	"revline/internal/domain"
	"revline/internal/engine"
)

const (
	webhookInterval = 2 * time.Second
	webhookTimeout  = 5 * time.Second
	webhookBatch    = 100
)

// hookTarget is one configured endpoint and its delivery position. cursor is
// only touched by the goroutine delivering to this target.
type hookTarget struct {
	url    string
	secret string
	filter eventFilter
	client *http.Client
	cursor int64
	primed bool
}

// webhookDispatcher forwards audit events to endpoints in id order. A failed
// delivery stops that target until the next tick, so no event is skipped.
type webhookDispatcher struct {
	engine   engine.Engine
	targets  []*hookTarget
	logger   *slog.Logger
	interval time.Duration
}

func newWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, logger *slog.Logger) *webhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &webhookDispatcher{engine: e, logger: logger.With("component", "webhooks"), interval: webhookInterval}
	for _, h := range hooks {
		if (h.Enabled != nil && !*h.Enabled) || strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		d.targets = append(d.targets, &hookTarget{
			url:    h.URL,
			secret: strings.TrimSpace(h.Secret),
			filter: newEventFilter(h.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	return d
}

// StartWebhookDispatcher delivers events in the background until ctx is done.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, hooks []config.WebhookConfig, logger *slog.Logger) {
	d := newWebhookDispatcher(e, hooks, logger)
	if len(d.targets) == 0 {
		return
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	var g errgroup.Group
	for _, t := range d.targets {
		g.Go(func() error {
			d.deliver(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *webhookDispatcher) deliver(ctx context.Context, t *hookTarget) {
	// A new target starts at the newest event; history is not replayed.
	if !t.primed {
		latest, err := d.engine.Repo.LatestEventID(ctx)
		if err != nil {
			d.logger.Warn("init webhook cursor", "url", t.url, "err", err)
			return
		}
		t.cursor, t.primed = latest, true
	}
	evts, err := d.engine.Repo.EventsAfter(ctx, webhookBatch, t.cursor)
	if err != nil {
		d.logger.Warn("fetch events", "err", err)
		return
	}
	for _, evt := range evts {
		if t.filter.match(evt.Type) {
			if err := t.post(ctx, evt); err != nil {
				d.logger.Warn("webhook delivery failed", "url", t.url, "event_id", evt.ID, "err", err)
				return
			}
		}
		t.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// signPayload is the X-Revline-Signature value for body.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (t *hookTarget) post(ctx context.Context, evt domain.Event) error {
	e := eventResponse(evt)
	body, err := json.Marshal(webhookEvent{
		ID:         e.ID,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		TS:         e.TS,
		Payload:    e.Payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Revline-Event", evt.Type)
	req.Header.Set("X-Revline-Delivery", strconv.FormatInt(evt.ID, 10))
	if t.secret != "" {
		req.Header.Set("X-Revline-Signature", signPayload(t.secret, body))
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// eventFilter matches exact event types or a "prefix.*" wildcard.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
