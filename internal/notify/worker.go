package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/flashsale/reservation/internal/broker"
	"github.com/flashsale/reservation/internal/errs"
)

// Worker dispatches each of the four email payload types to a rendered
// message, sent over SMTP.
type Worker struct {
	mailer *Mailer
	log    *slog.Logger
}

// NewWorker builds a Worker.
func NewWorker(mailer *Mailer, log *slog.Logger) *Worker {
	return &Worker{mailer: mailer, log: log}
}

// Handle implements broker.Handler. A payload that fails to decode or
// validate, or an envelope with no recipient, returns an
// errs.KindValidation error, which the consumer routes straight to the
// DLQ rather than retrying.
func (w *Worker) Handle(ctx context.Context, env broker.Envelope, raw []byte) error {
	if env.To == "" {
		return errs.Validation("notify.Handle", "envelope has no recipient")
	}

	dataBytes, err := json.Marshal(env.Data)
	if err != nil {
		return errs.Validation("notify.Handle", "envelope data is not re-marshalable JSON")
	}

	kind := Kind(env.Type)
	var body []byte

	switch kind {
	case KindVerification:
		var p VerificationPayload
		if err := json.Unmarshal(dataBytes, &p); err != nil {
			return errs.Validation("notify.Handle", "malformed verification payload")
		}
		if err := p.validate(); err != nil {
			return err
		}
		body, err = render(kind, p)
	case KindPasswordReset:
		var p PasswordResetPayload
		if err := json.Unmarshal(dataBytes, &p); err != nil {
			return errs.Validation("notify.Handle", "malformed password_reset payload")
		}
		if err := p.validate(); err != nil {
			return err
		}
		body, err = render(kind, p)
	case KindPasswordChanged:
		var p PasswordChangedPayload
		if err := json.Unmarshal(dataBytes, &p); err != nil {
			return errs.Validation("notify.Handle", "malformed password_changed payload")
		}
		if err := p.validate(); err != nil {
			return err
		}
		body, err = render(kind, p)
	case KindAccountApproval:
		var p AccountApprovalPayload
		if err := json.Unmarshal(dataBytes, &p); err != nil {
			return errs.Validation("notify.Handle", "malformed account_approval payload")
		}
		if err := p.validate(); err != nil {
			return err
		}
		body, err = render(kind, p)
	default:
		return errs.Validation("notify.Handle", fmt.Sprintf("unknown email kind %q", env.Type))
	}
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}

	if err := w.mailer.Send(env.To, body); err != nil {
		// SMTP delivery failures are transient (relay hiccup, DNS blip);
		// let the consumer retry rather than dead-lettering.
		w.log.Warn("smtp send failed, will retry", slog.String("kind", string(kind)), slog.Any("error", err))
		return fmt.Errorf("send notification: %w", err)
	}

	w.log.Info("notification sent", slog.String("kind", string(kind)), slog.String("to", env.To))
	return nil
}
