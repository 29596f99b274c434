// Package notify implements the Notification Workers: template rendering
// and SMTP dispatch for the four email payload types.
package notify

import (
	"time"

	"github.com/flashsale/reservation/internal/errs"
)

// Kind identifies which of the four email payloads an envelope carries.
// Values match the broker routing keys.
type Kind string

const (
	KindVerification    Kind = "email.verification"
	KindPasswordReset   Kind = "email.password_reset"
	KindPasswordChanged Kind = "email.password_changed"
	KindAccountApproval Kind = "email.account_approval"
)

// VerificationPayload is sent after signup.
type VerificationPayload struct {
	UserName          string    `json:"user_name"`
	VerificationToken string    `json:"verification_token"`
	ExpiresAt         time.Time `json:"expires_at"`
	VerificationURL   string    `json:"verification_url,omitempty"`
}

func (p VerificationPayload) validate() error {
	if p.UserName == "" || p.VerificationToken == "" || p.ExpiresAt.IsZero() {
		return errs.Validation("notify.VerificationPayload", "user_name, verification_token and expires_at are required")
	}
	return nil
}

// PasswordResetPayload is sent when a reset is requested.
type PasswordResetPayload struct {
	UserName   string    `json:"user_name"`
	ResetToken string    `json:"reset_token"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResetURL   string    `json:"reset_url,omitempty"`
}

func (p PasswordResetPayload) validate() error {
	if p.UserName == "" || p.ResetToken == "" || p.ExpiresAt.IsZero() {
		return errs.Validation("notify.PasswordResetPayload", "user_name, reset_token and expires_at are required")
	}
	return nil
}

// PasswordChangedPayload confirms a completed password change.
type PasswordChangedPayload struct {
	UserName  string    `json:"user_name"`
	ChangedAt time.Time `json:"changed_at"`
}

func (p PasswordChangedPayload) validate() error {
	if p.UserName == "" || p.ChangedAt.IsZero() {
		return errs.Validation("notify.PasswordChangedPayload", "user_name and changed_at are required")
	}
	return nil
}

// AccountApprovalPayload notifies a user their account was approved.
type AccountApprovalPayload struct {
	UserName   string    `json:"user_name"`
	LoginURL   string    `json:"login_url,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

func (p AccountApprovalPayload) validate() error {
	if p.UserName == "" || p.ApprovedAt.IsZero() {
		return errs.Validation("notify.AccountApprovalPayload", "user_name and approved_at are required")
	}
	return nil
}
