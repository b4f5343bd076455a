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
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards tenant events to the webhooks of each tenant
// policy. Delivery starts from the newest event at the time a hook is first
// seen and stops at the first failure so a batch is retried in order.
type WebhookDispatcher struct {
	Engine   engine.Engine
	Interval time.Duration
	Client   *http.Client

	mu      sync.Mutex
	cursors map[string]int64
}

func NewWebhookDispatcher(e engine.Engine) *WebhookDispatcher {
	return &WebhookDispatcher{
		Engine:   e,
		Interval: defaultWebhookInterval,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[string]int64),
	}
}

func (d *WebhookDispatcher) log() *logging.Logger {
	if d.Engine.Log != nil {
		return d.Engine.Log.Named("webhooks")
	}
	return logging.Nop()
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch of pending events for every enabled hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	tenants, err := d.Engine.Repo.ListTenants(ctx)
	if err != nil {
		d.log().Warn(ctx, "list tenants failed", zap.Error(err))
		return
	}
	for _, t := range tenants {
		cfg, err := d.Engine.TenantConfig(ctx, t.ID)
		if err != nil {
			d.log().Warn(ctx, "load tenant config failed", zap.String("tenant_id", t.ID), zap.Error(err))
			continue
		}
		for _, hook := range cfg.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatchWebhook(ctx, t.ID, hook)
		}
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, tenantID string, hook config.WebhookConfig) {
	key := tenantID + "|" + hook.URL
	cursor, ok := d.cursorFor(ctx, key, tenantID)
	if !ok {
		return
	}
	batch, err := d.Engine.Repo.EventsAfter(ctx, tenantID, cursor, defaultWebhookBatch)
	if err != nil {
		d.log().Warn(ctx, "fetch events failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range batch {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, tenantID, hook, evt); err != nil {
			d.log().Warn(ctx, "webhook delivery failed",
				zap.String("tenant_id", tenantID),
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err),
			)
			return
		}
		d.setCursor(key, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, key, tenantID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[string]int64)
	}
	if cur, ok := d.cursors[key]; ok {
		return cur, true
	}
	cur, err := d.Engine.Repo.LatestEventID(ctx, tenantID)
	if err != nil {
		d.log().Warn(ctx, "init webhook cursor failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return 0, false
	}
	d.cursors[key] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	EventResponse
	TenantID string `json:"tenant_id"`
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// X-Planline-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, tenantID string, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(webhookEvent{EventResponse: eventResponse(evt), TenantID: tenantID})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Planline-Event", evt.Type)
	req.Header.Set("X-Planline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Planline-Tenant", tenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Planline-Signature", Sign(hook.Secret, data))
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
