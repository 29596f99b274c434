package notify

import (
	"fmt"
	"net/smtp"
)

// Mailer sends rendered messages over SMTP.
type Mailer struct {
	addr string
	auth smtp.Auth
	from string
}

// NewMailer builds a Mailer for host:port, authenticating with user/pass
// unless either is empty (useful against a local dev SMTP relay).
func NewMailer(host, port, user, pass, from string) *Mailer {
	addr := host + ":" + port
	var auth smtp.Auth
	if user != "" && pass != "" {
		auth = smtp.PlainAuth("", user, pass, host)
	}
	return &Mailer{addr: addr, auth: auth, from: from}
}

// Send delivers body (a full RFC 5322 message, Subject header included) to to.
func (m *Mailer) Send(to string, body []byte) error {
	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, body); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}
