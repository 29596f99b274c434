package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashsale/reservation/internal/broker"
	"github.com/flashsale/reservation/internal/errs"
	"github.com/flashsale/reservation/internal/logger"
	"github.com/flashsale/reservation/internal/notify"
)

func newTestWorker() *notify.Worker {
	return notify.NewWorker(notify.NewMailer("localhost", "2525", "", "", "noreply@example.com"), logger.NewSlog("notify-test"))
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	w := newTestWorker()

	// A verification event with no token must dead-letter, not retry.
	env := broker.Envelope{
		Type: "email.verification",
		To:   "x@y",
		Data: map[string]any{"user_name": "x"},
	}

	err := w.Handle(context.Background(), env, nil)
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestHandleRejectsMissingRecipient(t *testing.T) {
	w := newTestWorker()

	env := broker.Envelope{
		Type: "email.password_changed",
		Data: map[string]any{"user_name": "x", "changed_at": time.Now()},
	}
	err := w.Handle(context.Background(), env, nil)
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestHandleRejectsUnknownKind(t *testing.T) {
	w := newTestWorker()

	env := broker.Envelope{Type: "email.unknown_kind", To: "x@y", Data: map[string]string{}}
	err := w.Handle(context.Background(), env, nil)
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestHandleAcceptsAllFourPayloadShapes(t *testing.T) {
	w := newTestWorker()
	expires := time.Now().Add(time.Hour)

	cases := []broker.Envelope{
		{Type: "email.verification", To: "x@y", Data: map[string]any{
			"user_name": "Ada", "verification_token": "tok", "expires_at": expires}},
		{Type: "email.password_reset", To: "x@y", Data: map[string]any{
			"user_name": "Ada", "reset_token": "tok", "expires_at": expires, "reset_url": "https://example.com/r"}},
		{Type: "email.password_changed", To: "x@y", Data: map[string]any{
			"user_name": "Ada", "changed_at": time.Now()}},
		{Type: "email.account_approval", To: "x@y", Data: map[string]any{
			"user_name": "Ada", "approved_at": time.Now(), "login_url": "https://example.com/l"}},
	}
	for _, env := range cases {
		err := w.Handle(context.Background(), env, nil)
		// The payload decodes and validates; only the SMTP dial can fail
		// here, and that error is retriable, not a validation reject.
		if err != nil {
			require.False(t, errs.Is(err, errs.KindValidation), env.Type)
		}
	}
}
