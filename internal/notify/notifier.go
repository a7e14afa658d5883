// Package notify delivers operator alerts to chat channels. Alerts are sent
// to every registered Sender (Telegram, Discord) and can be filtered by event
// type so operators receive only what they care about. Critical events are
// never filtered.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityOf returns the severity of an alert event type.
func SeverityOf(event string) Severity {
	switch event {
	case domain.AlertLegFailed, domain.AlertMalformedChain, domain.AlertPoisonEvent,
		domain.AlertFeeFailed, domain.AlertCredentialsGone:
		return SeverityCritical
	case domain.AlertFilledOnCancel:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Message is one alert as handed to a Sender.
type Message struct {
	Event    string
	Severity Severity
	Title    string
	Body     string
}

// Sender is implemented by each delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Name returns a short identifier such as "telegram".
	Name() string
}

// Options configures a Notifier.
type Options struct {
	// Events restricts non-critical alerts to these types. Empty allows all.
	Events []string
	// Quiet suppresses an identical event/title pair seen within this
	// window. Replayed feed events re-trigger the same alert; zero disables.
	Quiet time.Duration
	// Audit, when set, receives every alert that passes the filter.
	Audit domain.AuditStore
}

// Notifier implements domain.Alerter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	quiet   time.Duration
	audit   domain.AuditStore
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

var _ domain.Alerter = (*Notifier)(nil)

// NewNotifier creates a Notifier that will deliver to the given senders.
func NewNotifier(senders []Sender, opts Options, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(opts.Events))
	for _, e := range opts.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		quiet:   opts.Quiet,
		audit:   opts.Audit,
		logger:  logger.With(slog.String("component", "notifier")),
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// Notify sends an alert to all senders unless it is filtered or was sent
// recently.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	sev := SeverityOf(event)
	if sev != SeverityCritical && len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.suppressed(event, title) {
		metrics.AlertsSent.WithLabelValues("all", "suppressed").Inc()
		return nil
	}

	if n.audit != nil {
		detail := map[string]any{"severity": string(sev), "title": title, "message": message}
		if err := n.audit.Log(ctx, "alert."+event, detail); err != nil {
			n.logger.WarnContext(ctx, "audit write failed", slog.String("error", err.Error()))
		}
	}

	return n.dispatch(ctx, Message{Event: event, Severity: sev, Title: title, Body: message})
}

func (n *Notifier) suppressed(event, title string) bool {
	if n.quiet <= 0 {
		return false
	}
	key := event + "\x00" + title
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.seen[key]; ok && now.Sub(last) < n.quiet {
		return true
	}
	n.seen[key] = now
	for k, t := range n.seen {
		if now.Sub(t) >= n.quiet {
			delete(n.seen, k)
		}
	}
	return false
}

// dispatch delivers to every sender. A single sender failure does not stop
// delivery to the rest; failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			metrics.AlertsSent.WithLabelValues(s.Name(), "error").Inc()
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", msg.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.AlertsSent.WithLabelValues(s.Name(), "sent").Inc()
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// LogSender writes alerts to the structured log. It is the sender of last
// resort when no chat channel is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "alerts"))}
}

// Send implements Sender.
func (l *LogSender) Send(ctx context.Context, msg Message) error {
	level := slog.LevelInfo
	switch msg.Severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityWarning:
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, msg.Title,
		slog.String("event", msg.Event),
		slog.String("message", msg.Body),
	)
	return nil
}

// Name implements Sender.
func (l *LogSender) Name() string { return "log" }
