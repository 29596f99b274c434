package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

var templates = map[Kind]*template.Template{
	KindVerification: template.Must(template.New("verification").Parse(
		"Subject: Verify your email\r\n\r\nHi {{.UserName}},\r\n\r\n" +
			"Use this code to verify your account: {{.VerificationToken}}\r\n" +
			"{{if .VerificationURL}}Or open: {{.VerificationURL}}\r\n{{end}}" +
			"The code expires at {{.ExpiresAt.Format \"2006-01-02 15:04 MST\"}}.\r\n")),
	KindPasswordReset: template.Must(template.New("password_reset").Parse(
		"Subject: Reset your password\r\n\r\nHi {{.UserName}},\r\n\r\n" +
			"Use this code to reset your password: {{.ResetToken}}\r\n" +
			"{{if .ResetURL}}Or open: {{.ResetURL}}\r\n{{end}}" +
			"The code expires at {{.ExpiresAt.Format \"2006-01-02 15:04 MST\"}}.\r\n")),
	KindPasswordChanged: template.Must(template.New("password_changed").Parse(
		"Subject: Your password was changed\r\n\r\nHi {{.UserName}},\r\n\r\n" +
			"Your password was changed at {{.ChangedAt.Format \"2006-01-02 15:04 MST\"}}. " +
			"If this wasn't you, contact support immediately.\r\n")),
	KindAccountApproval: template.Must(template.New("account_approval").Parse(
		"Subject: Your account was approved\r\n\r\nHi {{.UserName}},\r\n\r\n" +
			"Your account was approved at {{.ApprovedAt.Format \"2006-01-02 15:04 MST\"}}." +
			"{{if .LoginURL}} Log in here: {{.LoginURL}}{{end}}\r\n")),
}

func render(kind Kind, data any) ([]byte, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return nil, fmt.Errorf("notify: no template for kind %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", kind, err)
	}
	return buf.Bytes(), nil
}
