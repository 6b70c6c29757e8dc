package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"conductor/internal/auditlog"
	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/log"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher polls every project log and posts new entries to the
// configured targets. Cursors live in memory and start at each log's
// current tail, so only entries appended after startup are delivered.
// A failed delivery stops that hook's cursor; the entry is retried on
// the next tick.
type webhookDispatcher struct {
	stores   *auditlog.Manager
	webhooks []config.WebhookConfig
	logger   log.Logger
	client   *http.Client
	interval time.Duration

	mu      sync.Mutex
	cursors map[string]int64
}

func startWebhookDispatcher(stores *auditlog.Manager, hooks []config.WebhookConfig, logger log.Logger) {
	if stores == nil || len(hooks) == 0 {
		return
	}
	go newWebhookDispatcher(stores, hooks, logger).run()
}

func newWebhookDispatcher(stores *auditlog.Manager, hooks []config.WebhookConfig, logger log.Logger) *webhookDispatcher {
	if logger == nil {
		logger = log.Silent()
	}
	return &webhookDispatcher{
		stores:   stores,
		webhooks: hooks,
		logger:   logger,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		cursors:  make(map[string]int64),
	}
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(context.Background())
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	ids, err := d.stores.List(ctx)
	if err != nil {
		d.logger.Errorf("webhook: list projects: %v", err)
		return
	}
	for _, projectID := range ids {
		store, err := d.stores.Store(projectID)
		if err != nil {
			d.logger.Errorf("webhook: open store %s: %v", projectID, err)
			continue
		}
		for i, hook := range d.webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatchHook(ctx, i, hook, projectID, store)
		}
	}
}

func (d *webhookDispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig, projectID string, store *auditlog.Store) {
	cursor, err := d.cursorFor(ctx, idx, projectID, store)
	if err != nil {
		d.logger.Errorf("webhook: init cursor for %s: %v", projectID, err)
		return
	}
	entries, err := store.Query(ctx, auditlog.QueryOptions{
		AfterID: cursor,
		Limit:   defaultWebhookBatch,
		SortAsc: true,
	})
	if err != nil {
		d.logger.Errorf("webhook: fetch entries for %s: %v", projectID, err)
		return
	}
	filter := newActionFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.Action) {
			d.setCursor(idx, projectID, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			d.logger.Warnf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, projectID, entry.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int, projectID string, store *auditlog.Store) (int64, error) {
	key := cursorKey(idx, projectID)
	d.mu.Lock()
	if cur, ok := d.cursors[key]; ok {
		d.mu.Unlock()
		return cur, nil
	}
	d.mu.Unlock()
	cur, err := store.LatestID(ctx)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.cursors[key] = cur
	d.mu.Unlock()
	return cur, nil
}

func (d *webhookDispatcher) setCursor(idx int, projectID string, value int64) {
	d.mu.Lock()
	d.cursors[cursorKey(idx, projectID)] = value
	d.mu.Unlock()
}

func cursorKey(idx int, projectID string) string {
	return fmt.Sprintf("%d:%s", idx, projectID)
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Conductor-Event", entry.Action)
	req.Header.Set("X-Conductor-Delivery", fmt.Sprintf("%s:%d", entry.ProjectID, entry.ID))
	req.Header.Set("X-Conductor-Project", entry.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Conductor-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	if len(actions) == 0 {
		return actionFilter{all: true}
	}
	set := make(map[string]struct{}, len(actions))
	for _, action := range actions {
		key := strings.TrimSpace(action)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
