// Package notify delivers engine events (new alerts, approval requests,
// email relays) to registered notification channels.
//
// The built-in driver posts JSON to a webhook URL with optional
// HMAC-SHA256 signing. Additional drivers (Slack, Teams, SMTP) plug in via
// RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/internal/config"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventAlertCreated    EventType = "alert.created"
	EventAlertActioned   EventType = "alert.actioned"
	EventEmailRequested  EventType = "email.requested"
	EventApprovalPending EventType = "action.pending_approval"
	EventActionExecuted  EventType = "action.executed"
	EventExecutionFailed EventType = "execution.failed"
)

// Event is the notification payload posted to channels.
type Event struct {
	Type        EventType              `json:"type"`
	AgentID     string                 `json:"agentId,omitempty"`
	ExecutionID string                 `json:"executionId,omitempty"`
	UserID      string                 `json:"userId,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NewEvent creates an Event with the given type and fields.
func NewEvent(eventType EventType, agentID, executionID, userID string, payload map[string]interface{}) Event {
	return Event{
		Type:        eventType,
		AgentID:     agentID,
		ExecutionID: executionID,
		UserID:      userID,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// ── Channels ────────────────────────────────────────────────

type ChannelKind string

const ChannelWebhook ChannelKind = "webhook"

// Channel is one delivery target.
type Channel struct {
	Name   string                 `json:"name"`
	Kind   ChannelKind            `json:"kind"`
	URL    string                 `json:"url"`
	Secret string                 `json:"-"`
	Events []string               `json:"events,omitempty"` // empty = all
	Active bool                   `json:"active"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// Driver sends an event through one kind of channel.
type Driver interface {
	Kind() ChannelKind
	Send(ctx context.Context, channel *Channel, event Event) error
}

// Result reports the outcome of one channel delivery.
type Result struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ── Service ──────────────────────────────────────────────────

const (
	queueSize    = 256
	queueWorkers = 4
)

// job is one queued delivery. done, when set, receives the results.
type job struct {
	ctx   context.Context
	event Event
	done  func([]Result)
}

// Service dispatches events to registered channels.
type Service struct {
	client *http.Client

	drvMu   sync.RWMutex
	drivers map[ChannelKind]Driver

	chMu     sync.RWMutex
	channels []Channel

	qMu     sync.RWMutex
	queue   chan job
	closed  bool
	workers sync.WaitGroup
}

// NewService creates a notification service with the built-in webhook
// driver. A webhook channel is registered when cfg carries a URL.
func NewService(cfg config.NotifyConfig) *Service {
	svc := &Service{
		client:  &http.Client{Timeout: 15 * time.Second},
		drivers: make(map[ChannelKind]Driver),
		queue:   make(chan job, queueSize),
	}
	for i := 0; i < queueWorkers; i++ {
		svc.workers.Add(1)
		go svc.work()
	}
	svc.RegisterDriver(NewWebhookDriver(svc.client, 2*time.Second))
	if cfg.WebhookURL != "" {
		svc.AddChannel(Channel{
			Name:   "default",
			Kind:   ChannelWebhook,
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Active: true,
		})
	}
	return svc
}

// RegisterDriver adds or replaces a channel driver for the given kind.
func (s *Service) RegisterDriver(driver Driver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", string(driver.Kind())).Msg("Registered notification channel driver")
}

// GetDriver returns the driver for a given channel kind, or nil.
func (s *Service) GetDriver(kind ChannelKind) Driver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// AddChannel registers a delivery target.
func (s *Service) AddChannel(ch Channel) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	s.channels = append(s.channels, ch)
	log.Info().Str("channel", ch.Name).Str("kind", string(ch.Kind)).Msg("Notification channel added")
}

// Channels returns a copy of the registered channels.
func (s *Service) Channels() []Channel {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	return append([]Channel(nil), s.channels...)
}

// ── Dispatch ─────────────────────────────────────────────────

// DispatchToChannel sends an event through one channel.
func (s *Service) DispatchToChannel(ctx context.Context, channel *Channel, event Event) Result {
	result := Result{
		Channel:   fmt.Sprintf("%s/%s", channel.Kind, channel.Name),
		Timestamp: time.Now().UTC(),
	}

	if !channel.Active {
		result.Error = fmt.Sprintf("channel %s is inactive", channel.Name)
		return result
	}
	if !channelSubscribes(channel, event.Type) {
		result.Error = fmt.Sprintf("channel %s does not subscribe to %s events", channel.Name, event.Type)
		return result
	}

	driver := s.GetDriver(channel.Kind)
	if driver == nil {
		result.Error = fmt.Sprintf("no driver registered for channel kind %s", channel.Kind)
		log.Warn().Str("kind", string(channel.Kind)).Str("channel", channel.Name).Msg("No channel driver")
		return result
	}

	if err := driver.Send(ctx, channel, event); err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).Str("channel", channel.Name).Str("event", string(event.Type)).Msg("Channel notification failed")
		return result
	}

	result.Success = true
	log.Info().Str("channel", channel.Name).Str("event", string(event.Type)).Str("execution_id", event.ExecutionID).Msg("Channel notification dispatched")
	return result
}

// Dispatch sends the event to every subscribed channel concurrently and
// waits for all deliveries.
func (s *Service) Dispatch(ctx context.Context, event Event) []Result {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []Result
	)
	for _, ch := range s.Channels() {
		if !ch.Active || !channelSubscribes(&ch, event.Type) {
			continue
		}
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.DispatchToChannel(ctx, &ch, event)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Subscribers counts the active channels that receive eventType.
func (s *Service) Subscribers(eventType EventType) int {
	n := 0
	for _, ch := range s.Channels() {
		if ch.Active && channelSubscribes(&ch, eventType) {
			n++
		}
	}
	return n
}

// ── Queue ───────────────────────────────────────────────────

// Publish queues the event for background delivery and returns at once.
// Delivery runs on a context detached from ctx's cancellation. done, when
// non-nil, is called with the delivery results; a dropped event (full or
// closed queue) reports nil results.
func (s *Service) Publish(ctx context.Context, event Event, done func([]Result)) {
	s.qMu.RLock()
	defer s.qMu.RUnlock()
	if !s.closed {
		select {
		case s.queue <- job{ctx: context.WithoutCancel(ctx), event: event, done: done}:
			return
		default:
		}
	}
	log.Warn().Str("event", string(event.Type)).Str("execution_id", event.ExecutionID).Msg("Notification queue full or closed, event dropped")
	if done != nil {
		go done(nil)
	}
}

func (s *Service) work() {
	defer s.workers.Done()
	for j := range s.queue {
		results := s.Dispatch(j.ctx, j.event)
		if j.done != nil {
			j.done(results)
		}
	}
}

// Close stops accepting events and waits for queued deliveries until ctx
// is done.
func (s *Service) Close(ctx context.Context) error {
	s.qMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.qMu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func channelSubscribes(ch *Channel, eventType EventType) bool {
	if len(ch.Events) == 0 {
		return true // empty means "all events"
	}
	for _, e := range ch.Events {
		if e == string(eventType) || e == "*" {
			return true
		}
	}
	return false
}

// applyAuth adds authentication headers from a channel config.
func applyAuth(req *http.Request, authConfig map[string]interface{}) {
	if authConfig == nil {
		return
	}
	authType, _ := authConfig["type"].(string)
	switch authType {
	case "bearer":
		if token, ok := authConfig["token"].(string); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "api_key":
		header, _ := authConfig["header"].(string)
		key, _ := authConfig["key"].(string)
		if header != "" && key != "" {
			req.Header.Set(header, key)
		}
	}
}

// ── Webhook Driver ───────────────────────────────────────────

// WebhookDriver posts events as JSON with optional HMAC-SHA256 signing.
type WebhookDriver struct {
	client  *http.Client
	backoff time.Duration
}

// NewWebhookDriver creates a webhook driver. backoff is the base delay
// between attempts; the n-th retry waits n*backoff.
func NewWebhookDriver(client *http.Client, backoff time.Duration) *WebhookDriver {
	return &WebhookDriver{client: client, backoff: backoff}
}

func (d *WebhookDriver) Kind() ChannelKind { return ChannelWebhook }

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send posts the event with up to 3 attempts.
func (d *WebhookDriver) Send(ctx context.Context, channel *Channel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * d.backoff):
			}
		}

		// The body reader is consumed by each attempt, so rebuild the request.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "CRMAgents-Webhook/1.0")
		req.Header.Set("X-CRMAgents-Event", string(event.Type))
		if channel.Secret != "" {
			req.Header.Set("X-CRMAgents-Signature", Sign(channel.Secret, body))
		}
		applyAuth(req, channel.Config)

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, channel.URL)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
