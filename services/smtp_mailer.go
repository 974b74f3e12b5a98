package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"khisima/logger"
	"khisima/protocol"
)

// SMTPMailer 通过 SMTP 网关发信；服务端支持时升级 STARTTLS
type SMTPMailer struct {
	addr string
	host string
	auth smtp.Auth
	log  *logger.Logger
}

func NewSMTPMailer(addr, username, password string, log *logger.Logger) (*SMTPMailer, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	m := &SMTPMailer{addr: addr, host: host, log: log.With("component", "SMTPMailer")}
	if username != "" {
		m.auth = smtp.PlainAuth("", username, password, host)
	}
	return m, nil
}

func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	if !protocol.ValidEmail(mail.From) || !protocol.ValidEmail(mail.To) {
		return ErrInvalidEmail
	}
	if mail.ReplyTo != "" && !protocol.ValidEmail(mail.ReplyTo) {
		mail.ReplyTo = ""
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if m.auth != nil {
		if err := c.Auth(m.auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(mail.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(mail.To); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(composeMessage(mail, time.Now())); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if err := c.Quit(); err != nil {
		m.log.Warn("smtp quit failed", "error", err)
	}
	m.log.Info("mail sent", "to", mail.To, "subject", mail.Subject)
	return nil
}

// composeMessage 纯文本 UTF-8 邮件，换行统一为 CRLF
func composeMessage(mail Mail, now time.Time) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", mail.From)
	header("To", mail.To)
	if mail.ReplyTo != "" {
		header("Reply-To", mail.ReplyTo)
	}
	header("Subject", mime.QEncoding.Encode("utf-8", stripNewlines(mail.Subject)))
	header("Date", now.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(mail.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
