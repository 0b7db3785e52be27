package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/metrics"
	"caseline/internal/repo"
	"caseline/internal/store"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
)

// CursorStore keeps the last delivered timeline sequence per webhook URL.
type CursorStore interface {
	WebhookCursor(ctx context.Context, url string) (int64, error)
	SetWebhookCursor(ctx context.Context, url string, seq int64) error
}

// Dispatcher posts new timeline events to the configured webhooks. It wakes
// on every store change and also polls on an interval so that failed
// deliveries are retried.
type Dispatcher struct {
	store    *store.Store
	hooks    []config.WebhookConfig
	cursors  CursorStore
	client   *http.Client
	log      *zap.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	wake     chan struct{}

	mu   sync.Mutex
	seen map[string]int64
}

type DispatcherOption func(*Dispatcher)

func WithCursorStore(c CursorStore) DispatcherOption {
	return func(d *Dispatcher) { d.cursors = c }
}

func WithDispatchLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func WithDispatchMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithInterval(iv time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

func NewDispatcher(st *store.Store, hooks []config.WebhookConfig, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      zap.NewNop(),
		interval: defaultWebhookInterval,
		wake:     make(chan struct{}, 1),
		seen:     map[string]int64{},
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.hooks = append(d.hooks, hook)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Len is the number of active webhooks.
func (d *Dispatcher) Len() int { return len(d.hooks) }

// Run delivers events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.hooks) == 0 {
		<-ctx.Done()
		return nil
	}
	for _, hook := range d.hooks {
		d.cursorFor(ctx, hook)
	}
	unsubscribe := d.store.Subscribe(func(c store.Change) {
		if c.Kind != store.ChangeTimeline {
			return
		}
		select {
		case d.wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchAll delivers pending events to every webhook once.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.hooks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, hook)
	pending, err := d.store.TimelineSince(ctx, cursor)
	if err != nil {
		d.log.Warn("webhook: fetch events failed", zap.Error(err))
		return
	}
	for _, evt := range pending {
		if !events.Matches(hook.Events, evt) {
			d.metrics.WebhookDelivery("skipped")
			d.setCursor(ctx, hook.URL, evt.Seq)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.metrics.WebhookDelivery("error")
			d.log.Warn("webhook: delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("seq", evt.Seq),
				zap.Error(err))
			return
		}
		d.metrics.WebhookDelivery("ok")
		d.setCursor(ctx, hook.URL, evt.Seq)
	}
}

// cursorFor returns the delivery cursor for a hook. A hook seen for the first
// time starts after the newest event, so history is not replayed.
func (d *Dispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.seen[hook.URL]; ok {
		return cur
	}
	if d.cursors != nil {
		cur, err := d.cursors.WebhookCursor(ctx, hook.URL)
		if err == nil {
			d.seen[hook.URL] = cur
			return cur
		}
		if !errors.Is(err, repo.ErrNotFound) {
			d.log.Warn("webhook: load cursor failed", zap.String("url", hook.URL), zap.Error(err))
		}
	}
	cur, err := d.store.LastEventSeq(ctx)
	if err != nil {
		d.log.Warn("webhook: init cursor failed", zap.Error(err))
		cur = 0
	}
	d.seen[hook.URL] = cur
	return cur
}

func (d *Dispatcher) setCursor(ctx context.Context, url string, seq int64) {
	d.mu.Lock()
	d.seen[url] = seq
	d.mu.Unlock()
	if d.cursors == nil {
		return
	}
	if err := d.cursors.SetWebhookCursor(ctx, url, seq); err != nil {
		d.log.Warn("webhook: save cursor failed", zap.String("url", url), zap.Error(err))
	}
}

type webhookEvent struct {
	ID      string            `json:"id"`
	Seq     int64             `json:"seq"`
	Type    domain.EventType  `json:"type"`
	CaseID  string            `json:"case_id"`
	TS      string            `json:"ts"`
	Summary string            `json:"summary"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.TimelineEvent) error {
	data, err := json.Marshal(webhookEvent{
		ID:      evt.ID,
		Seq:     evt.Seq,
		Type:    evt.Type,
		CaseID:  evt.CaseID,
		TS:      evt.TS,
		Summary: evt.Summary,
		Meta:    evt.Meta,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseline-Event", string(evt.Type))
	req.Header.Set("X-Caseline-Delivery", evt.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Caseline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
