// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package notification fans an alert event out to a user's configured
// channels (spec.md section 4.8). It keeps the teacher's dispatcher shape
// (internal/notification/dispatcher.go): a goroutine per channel joined by a
// WaitGroup, per-channel rate limiting, and injectable senders for testing.
// Channel matching is URL-scheme driven rather than the teacher's
// type-switch, since channels here are bare {name, url} pairs on the user
// record.
package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
)

// Notification is one alert-event delivery attempt.
type Notification struct {
	Title     string
	Message   string
	Severity  model.Severity
	Timestamp time.Time
}

// Handler claims URLs of a particular scheme and delivers to them.
type Handler interface {
	// Matches reports whether this handler should be used for url.
	Matches(url string) bool
	// Send delivers title/message to url. Called once per matching channel.
	Send(url, title, message string) error
}

// rateLimitWindow bounds how often the same title may be resent to the same
// channel, mirroring the teacher's 60s per-channel dedup window.
const rateLimitWindow = 60 * time.Second

// Dispatcher selects channels for a recipient and delivers to each via the
// first matching registered Handler.
type Dispatcher struct {
	logger   *logging.Logger
	handlers []Handler

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher builds a Dispatcher with the default handler set: a generic
// HTTP(S) webhook handler and a SIP/TTS voice-call handler.
func NewDispatcher(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default().WithComponent("notification")
	}
	return &Dispatcher{
		logger:   logger,
		handlers: []Handler{NewWebhookHandler(), NewVoiceCallHandler()},
		lastSent: make(map[string]time.Time),
	}
}

// RegisterHandler adds an additional handler, checked after the built-ins.
func (d *Dispatcher) RegisterHandler(h Handler) {
	d.handlers = append(d.handlers, h)
}

// SelectChannels applies spec.md section 4.8's channel-selection precedence:
// an explicit per-alert-row selection wins; otherwise a device config_key
// looked up in alertChannelKeys is a strict filter (present-but-empty means
// no channels); otherwise every channel on the user fires.
func SelectChannels(user model.User, selectedChannels []string, configKey string, alertChannelKeys map[string][]string) []model.NotificationChannel {
	if len(selectedChannels) > 0 {
		return filterChannels(user.Channels, selectedChannels)
	}
	if configKey != "" {
		if names, ok := alertChannelKeys[configKey]; ok {
			return filterChannels(user.Channels, names)
		}
	}
	return user.Channels
}

func filterChannels(channels []model.NotificationChannel, names []string) []model.NotificationChannel {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []model.NotificationChannel
	for _, ch := range channels {
		if want[ch.Name] {
			out = append(out, ch)
		}
	}
	return out
}

// Send delivers n to every channel in channels, one goroutine each, and
// blocks until all attempts complete. A channel whose URL matches no
// registered handler, or whose send fails, is logged and does not affect
// the other channels (spec.md section 7: notification errors are warnings).
func (d *Dispatcher) Send(channels []model.NotificationChannel, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	var wg sync.WaitGroup
	for _, ch := range channels {
		if d.isRateLimited(ch.Name, n.Title) {
			d.logger.Debug("notification rate limited", "channel", ch.Name, "title", n.Title)
			continue
		}

		handler := d.handlerFor(ch.URL)
		if handler == nil {
			d.logger.Warn("no handler for notification channel", "channel", ch.Name, "url", ch.URL)
			continue
		}

		wg.Add(1)
		go func(channel model.NotificationChannel, h Handler) {
			defer wg.Done()
			if err := h.Send(channel.URL, n.Title, n.Message); err != nil {
				d.logger.Warn("failed to send notification", "channel", channel.Name, "error", err)
			}
		}(ch, handler)
	}
	wg.Wait()
}

func (d *Dispatcher) handlerFor(url string) Handler {
	for _, h := range d.handlers {
		if h.Matches(url) {
			return h
		}
	}
	return nil
}

func (d *Dispatcher) isRateLimited(channelName, title string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := channelName + ":" + title
	now := time.Now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < rateLimitWindow {
		return true
	}
	d.lastSent[key] = now
	if len(d.lastSent) > 1000 {
		d.lastSent = map[string]time.Time{key: now}
	}
	return false
}

func formatBody(title, message string) string {
	return fmt.Sprintf("%s\n%s", title, message)
}

func hasScheme(url, scheme string) bool {
	return strings.HasPrefix(strings.ToLower(url), scheme)
}
