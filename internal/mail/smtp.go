package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"sitereport/internal/config"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTP delivers through a relay, upgrading with STARTTLS when offered and
// authenticating with PLAIN when credentials are set.
type SMTP struct {
	host     string
	port     int
	username string
	password string
	tls      *tls.Config
}

// NewSMTP creates a transport for the configured relay.
func NewSMTP(cfg config.MailConfig) *SMTP {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	return &SMTP{
		host:     cfg.Host,
		port:     port,
		username: cfg.Username,
		password: cfg.Password,
		tls:      &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}
}

// Send implements Transport.
func (s *SMTP) Send(ctx context.Context, from string, to []string, raw []byte) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSMTPTimeout)
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return err
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(s.tls); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return c.Quit()
}
