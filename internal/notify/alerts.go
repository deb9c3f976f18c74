package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/comchat-platform/internal/health"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

const (
	defaultAlertBuffer   = 64
	defaultAlertInterval = 15 * time.Minute
)

// Alerter emails operators when a backend goes down and when it recovers.
// Listen is safe to register with health.Monitor.Subscribe: it never blocks,
// dropping transitions when the buffer is full.
type Alerter struct {
	email       EmailSender
	recipients  []string
	logger      *logging.Logger
	minInterval time.Duration
	now         func() time.Time

	events chan health.Transition

	mu       sync.Mutex
	lastSent map[string]time.Time
	down     map[string]bool
}

// AlerterOption customises an Alerter.
type AlerterOption func(*Alerter)

// WithMinInterval limits how often one backend can trigger a down alert.
func WithMinInterval(d time.Duration) AlerterOption {
	return func(a *Alerter) {
		if d >= 0 {
			a.minInterval = d
		}
	}
}

// WithAlertClock overrides time.Now, for tests.
func WithAlertClock(now func() time.Time) AlerterOption {
	return func(a *Alerter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithBuffer sets the transition queue depth.
func WithBuffer(n int) AlerterOption {
	return func(a *Alerter) {
		if n > 0 {
			a.events = make(chan health.Transition, n)
		}
	}
}

// NewAlerter returns nil when there is no sender or no recipient.
func NewAlerter(email EmailSender, recipients []string, logger *logging.Logger, opts ...AlerterOption) *Alerter {
	var to []string
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			to = append(to, r)
		}
	}
	if email == nil || len(to) == 0 {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	a := &Alerter{
		email:       email,
		recipients:  to,
		logger:      logger,
		minInterval: defaultAlertInterval,
		now:         time.Now,
		events:      make(chan health.Transition, defaultAlertBuffer),
		lastSent:    make(map[string]time.Time),
		down:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Listen queues a transition for delivery.
func (a *Alerter) Listen(t health.Transition) {
	if a == nil || !alertable(t) {
		return
	}
	select {
	case a.events <- t:
	default:
		a.logger.Warn("alert queue full, dropping transition", "backend", t.Backend, "to", t.To.String())
	}
}

// Run drains queued transitions until ctx is cancelled.
func (a *Alerter) Run(ctx context.Context) {
	if a == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-a.events:
			if err := a.Notify(ctx, t); err != nil {
				a.logger.Error("backend alert failed", "backend", t.Backend, "error", err)
			}
		}
	}
}

// Notify sends the alert for t synchronously. Down alerts for the same
// backend are rate limited; a recovery is only announced after a down alert
// went out.
func (a *Alerter) Notify(ctx context.Context, t health.Transition) error {
	if !alertable(t) {
		return nil
	}
	at := t.At
	if at.IsZero() {
		at = a.now()
	}

	a.mu.Lock()
	switch t.To {
	case health.StateDown:
		if last, ok := a.lastSent[t.Backend]; ok && a.minInterval > 0 && at.Sub(last) < a.minInterval {
			a.mu.Unlock()
			a.logger.Debug("suppressing repeated down alert", "backend", t.Backend)
			return nil
		}
		a.lastSent[t.Backend] = at
		a.down[t.Backend] = true
	case health.StateHealthy:
		if !a.down[t.Backend] {
			a.mu.Unlock()
			return nil
		}
		delete(a.down, t.Backend)
	}
	a.mu.Unlock()

	msg := alertMessage(t, at)
	msg.To = a.recipients
	if err := a.email.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: %s alert for %s not delivered: %w", t.To, t.Backend, err)
	}
	a.logger.Info("backend alert sent", "backend", t.Backend, "state", t.To.String(), "recipients", len(a.recipients))
	return nil
}

func alertable(t health.Transition) bool {
	if t.Backend == "" {
		return false
	}
	return t.To == health.StateDown || (t.To == health.StateHealthy && t.From == health.StateDown)
}

func alertMessage(t health.Transition, at time.Time) Email {
	var subject, headline string
	if t.To == health.StateDown {
		subject = fmt.Sprintf("[ComChat] backend %s is DOWN", t.Backend)
		headline = fmt.Sprintf("Backend %q moved from %s to down.", t.Backend, t.From)
	} else {
		subject = fmt.Sprintf("[ComChat] backend %s recovered", t.Backend)
		headline = fmt.Sprintf("Backend %q is healthy again.", t.Backend)
	}

	lines := []string{headline, ""}
	if t.Reason != "" {
		lines = append(lines, "Reason: "+t.Reason)
	}
	lines = append(lines, "At: "+at.UTC().Format(time.RFC3339))
	if t.To == health.StateDown {
		lines = append(lines, "", "Traffic is being routed to the remaining backends in the tenant policy.")
	}

	var h strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		fmt.Fprintf(&h, "<p>%s</p>\n", html.EscapeString(l))
	}
	return Email{Subject: subject, Text: strings.Join(lines, "\n") + "\n", HTML: h.String()}
}
