package notify

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/dataset"
	"github.com/viva-health/screening/pkg/observability/metrics"
	"github.com/viva-health/screening/pkg/screening"
)

const (
	outcomeSent   = "sent"
	outcomeFailed = "failed"
)

// BreakerSender stops calling a failing relay until it has had time to recover.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker[interface{}]
}

// NewBreakerSender opens after maxFailures consecutive send errors and
// probes the relay again after timeout.
func NewBreakerSender(next Sender, maxFailures uint32, timeout time.Duration) *BreakerSender {
	if maxFailures == 0 {
		maxFailures = 3
	}
	settings := gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("SMTP circuit breaker state changed")
		},
	}
	return &BreakerSender{next: next, cb: gobreaker.NewCircuitBreaker[interface{}](settings)}
}

func (b *BreakerSender) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, msg)
	})
	return err
}

func (b *BreakerSender) State() string {
	return b.cb.State().String()
}

// Summary counts the outcome of a notification run.
type Summary struct {
	Sent   int
	Failed int
}

type Notifier struct {
	sender Sender
	opts   MessageOptions
	now    func() time.Time
}

type Option func(*Notifier)

func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

func NewNotifier(sender Sender, opts MessageOptions, options ...Option) *Notifier {
	n := &Notifier{sender: sender, opts: opts.withDefaults(), now: time.Now}
	for _, opt := range options {
		opt(n)
	}
	return n
}

// Notify emails one flagged patient.
func (n *Notifier) Notify(ctx context.Context, s models.ScreenedPatient) error {
	msg := BuildMessage(s, n.now(), n.opts)
	if err := n.sender.Send(ctx, msg); err != nil {
		metrics.ObserveEmail(outcomeFailed)
		return fmt.Errorf("send to %s: %w", s.Record.NHSNumber, err)
	}
	metrics.ObserveEmail(outcomeSent)
	logger.Log.WithFields(map[string]interface{}{
		"nhs_number": s.Record.NHSNumber,
		"status":     s.Status,
	}).Info("Patient notified")
	return nil
}

// Run emails every patient in order. A failed send is logged and the run
// moves on to the next patient.
func (n *Notifier) Run(ctx context.Context, flagged []models.ScreenedPatient) (Summary, error) {
	var summary Summary
	if len(flagged) == 0 {
		logger.Log.Info("Empty report. No emails to send today.")
		return summary, nil
	}
	for _, s := range flagged {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := n.Notify(ctx, s); err != nil {
			summary.Failed++
			logger.Log.WithError(err).WithField("nhs_number", s.Record.NHSNumber).Error("Failed to notify patient")
			continue
		}
		summary.Sent++
	}
	logger.Log.WithFields(map[string]interface{}{
		"sent":   summary.Sent,
		"failed": summary.Failed,
	}).Info("Notification run complete")
	return summary, nil
}

// RunReport notifies every patient of a flagged report CSV.
func (n *Notifier) RunReport(ctx context.Context, path string) (Summary, error) {
	flagged, err := dataset.ReadFile(path, dataset.ReadReport)
	if err != nil {
		return Summary{}, fmt.Errorf("read flagged report: %w", err)
	}
	return n.Run(ctx, flagged)
}

// HandleEvent notifies the patient carried by a flagged-patient event.
// Other event types are ignored.
func (n *Notifier) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != screening.EventFlagged {
		return nil
	}
	s, err := screening.FromEventData(event.Data)
	if err != nil {
		return fmt.Errorf("event %s: %w", event.ID, err)
	}
	return n.Notify(ctx, s)
}
