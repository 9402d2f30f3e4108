// Package monitor holds the Auto-Cutoff Watcher's alert delivery
// boundary. Everything else the teacher's monitor package did
// (Binance symbol/volatility rules, a metrics snapshot struct) has no
// analogue in an FX margin engine and was dropped, see DESIGN.md.
package monitor

import (
	"fmt"
	"net/smtp"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// SMTPConfig names the mailbox the watcher sends margin alerts from.
// Mirrors original_source's EmailNotifier (EMAIL_HOST/PORT/USER/PASS/FROM),
// here with one fixed alert recipient since domain.UserConfig carries no
// per-user email address.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	User     string
	Password string
	To       string
}

// SMTPAlertSink sends a plain-text email per Send call through a
// PLAIN-auth SMTP submission, the same STARTTLS-capable port 587
// pattern the notifier it's grounded on falls back to when not using
// implicit TLS on 465.
type SMTPAlertSink struct {
	cfg SMTPConfig
}

func NewSMTPAlertSink(cfg SMTPConfig) *SMTPAlertSink {
	return &SMTPAlertSink{cfg: cfg}
}

func (s *SMTPAlertSink) Send(message string) error {
	if s.cfg.Host == "" || s.cfg.To == "" {
		return fmt.Errorf("monitor: SMTP alert sink not configured (EMAIL_SMTP_HOST/EMAIL_ALERT_TO)")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	body := fmt.Sprintf("Subject: fxengine margin alert\r\n\r\n%s\r\n", message)

	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}
	return smtp.SendMail(addr, auth, s.cfg.From, []string{s.cfg.To}, []byte(body))
}
