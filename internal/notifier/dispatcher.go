package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pauljones0/zdm-digest-bot/internal/digest"
	"github.com/pauljones0/zdm-digest-bot/internal/metrics"
)

// Outcome is the result of offering a digest to one channel.
type Outcome int

const (
	OutcomeNotConfigured Outcome = iota
	OutcomeSent
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	default:
		return "not_configured"
	}
}

// Channel delivers a rendered digest. A channel with incomplete credentials
// returns OutcomeNotConfigured and a nil error.
type Channel interface {
	Name() string
	Send(ctx context.Context, d *digest.Digest) (Outcome, error)
}

// ErrNoChannelConfigured is returned when every channel reported
// OutcomeNotConfigured.
var ErrNoChannelConfigured = errors.New("no notification channel configured")

// TransportError wraps a hard failure from a configured channel.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Report lists which channels accepted a digest and which were skipped.
type Report struct {
	Sent    []string
	Skipped []string
}

// Dispatcher offers each digest to every channel in priority order.
type Dispatcher struct {
	channels []Channel
}

func NewDispatcher(channels ...Channel) *Dispatcher {
	return &Dispatcher{channels: channels}
}

// Dispatch sends d through every configured channel. The first hard failure
// stops the fan-out and is returned as a *TransportError; a digest that no
// channel could take yields ErrNoChannelConfigured. Once any channel has
// sent, cancellation of ctx ends the fan-out without an error so the caller
// still records the batch as delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, dg *digest.Digest) (Report, error) {
	var report Report
	for _, ch := range d.channels {
		if err := ctx.Err(); err != nil {
			if len(report.Sent) > 0 {
				slog.Warn("Context done, skipping remaining channels", "sent", report.Sent, "error", err)
				return report, nil
			}
			return report, err
		}

		outcome, err := ch.Send(ctx, dg)
		if err != nil && outcome != OutcomeFailed {
			outcome = OutcomeFailed
		}
		metrics.DigestsSent.WithLabelValues(ch.Name(), outcome.String()).Inc()

		switch outcome {
		case OutcomeSent:
			slog.Info("Digest sent", "channel", ch.Name(), "deals", len(dg.DealIDs))
			report.Sent = append(report.Sent, ch.Name())
		case OutcomeNotConfigured:
			slog.Debug("Channel not configured, skipping", "channel", ch.Name())
			report.Skipped = append(report.Skipped, ch.Name())
		default:
			if err == nil {
				err = errors.New("send failed")
			}
			if ctx.Err() != nil && len(report.Sent) > 0 {
				slog.Warn("Channel interrupted after digest was sent elsewhere", "channel", ch.Name(), "sent", report.Sent, "error", err)
				return report, nil
			}
			slog.Error("Digest send failed", "channel", ch.Name(), "error", err)
			return report, &TransportError{Channel: ch.Name(), Err: err}
		}
	}

	if len(report.Sent) == 0 {
		return report, ErrNoChannelConfigured
	}
	return report, nil
}
