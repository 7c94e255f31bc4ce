// Package mail delivers report exports, payment receipts and welcome
// messages over SMTP.
package mail

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	netmail "net/mail"
	"net/textproto"
	"strings"
	"time"

	"sitereport/internal/config"
	"sitereport/internal/logging"
	"sitereport/internal/types"
)

// ErrInvalidRecipient means an address failed to parse.
var ErrInvalidRecipient = errors.New("invalid recipient address")

// Attachment is a file carried in a multipart/mixed message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a plain-text email with optional attachments.
type Message struct {
	To          []string
	ReplyTo     string
	Subject     string
	Text        string
	Attachments []Attachment
}

// Transport hands a composed message to a mail server.
type Transport interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
}

// Mailer composes and sends application email. With no SMTP host
// configured every send is logged and skipped.
type Mailer struct {
	cfg       config.MailConfig
	appName   string
	publicURL string
	transport Transport
	now       func() time.Time
}

// New creates a mailer from configuration.
func New(cfg *config.Config) *Mailer {
	m := &Mailer{
		cfg:       cfg.Mail,
		appName:   cfg.Render.CompanyName,
		publicURL: strings.TrimRight(cfg.Server.PublicURL, "/"),
		now:       time.Now,
	}
	if cfg.Mail.Enabled() {
		m.transport = NewSMTP(cfg.Mail)
	}
	return m
}

// WithTransport replaces the delivery transport.
func (m *Mailer) WithTransport(t Transport) *Mailer {
	m.transport = t
	return m
}

// Enabled reports whether messages are actually delivered.
func (m *Mailer) Enabled() bool {
	return m.transport != nil
}

// Send composes msg and delivers it.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidRecipient)
	}
	to := make([]string, 0, len(msg.To))
	for _, addr := range msg.To {
		parsed, err := netmail.ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidRecipient, addr)
		}
		to = append(to, parsed.Address)
	}
	msg.To = to

	if !m.Enabled() {
		logging.MailWarn("SMTP not configured, skipping %q to %s", msg.Subject, strings.Join(to, ", "))
		return nil
	}

	raw, err := Compose(m.cfg.From, msg, m.now())
	if err != nil {
		return err
	}
	timer := logging.StartTimer(logging.CategoryMail, "Send")
	defer timer.Stop()
	if err := m.transport.Send(ctx, m.envelopeFrom(), to, raw); err != nil {
		return fmt.Errorf("send %q: %w", msg.Subject, err)
	}
	logging.Mail("Sent %q to %s (%d bytes)", msg.Subject, strings.Join(to, ", "), len(raw))
	return nil
}

func (m *Mailer) envelopeFrom() string {
	if a, err := netmail.ParseAddress(m.cfg.From); err == nil {
		return a.Address
	}
	return m.cfg.From
}

// SendReport mails an exported report to recipients.
func (m *Mailer) SendReport(ctx context.Context, sender *types.User, to []string, title, note string, file Attachment) error {
	var body strings.Builder
	fmt.Fprintf(&body, "Hello,\n\n%s has shared the site inspection report %q with you.\n", senderName(sender), title)
	if note = strings.TrimSpace(note); note != "" {
		fmt.Fprintf(&body, "\nMessage:\n%s\n", note)
	}
	fmt.Fprintf(&body, "\nThe report is attached as %s.\n\n%s\n", file.Filename, m.appName)

	msg := Message{
		To:          to,
		Subject:     "Site inspection report: " + title,
		Text:        body.String(),
		Attachments: []Attachment{file},
	}
	if sender != nil {
		msg.ReplyTo = sender.Email
	}
	return m.Send(ctx, msg)
}

// SendReceipt confirms a settled payment.
func (m *Mailer) SendReceipt(ctx context.Context, u *types.User, p *types.Payment) error {
	var body strings.Builder
	fmt.Fprintf(&body, "Hello %s,\n\nThank you for your payment.\n\n", senderName(u))
	fmt.Fprintf(&body, "Order:    %s\n", p.OrderID)
	fmt.Fprintf(&body, "Payment:  %s\n", p.PaymentID)
	fmt.Fprintf(&body, "Amount:   %s\n", FormatAmount(p.Amount, p.Currency))
	fmt.Fprintf(&body, "Date:     %s\n", p.UpdatedAt.Format("02 Jan 2006 15:04 MST"))
	if u.PaidUntil != nil {
		fmt.Fprintf(&body, "Valid to: %s\n", u.PaidUntil.Format("02 Jan 2006"))
	}
	fmt.Fprintf(&body, "\nReport exports are now unlocked on your account.\n\n%s\n", m.appName)
	return m.Send(ctx, Message{To: []string{u.Email}, Subject: "Payment receipt " + p.OrderID, Text: body.String()})
}

// SendWelcome greets a newly registered user.
func (m *Mailer) SendWelcome(ctx context.Context, u *types.User) error {
	var body strings.Builder
	fmt.Fprintf(&body, "Hello %s,\n\nYour %s account is ready.", senderName(u), m.appName)
	if m.publicURL != "" {
		fmt.Fprintf(&body, " Sign in at %s to start your first inspection report.", m.publicURL)
	}
	body.WriteString("\n")
	return m.Send(ctx, Message{To: []string{u.Email}, Subject: "Welcome to " + m.appName, Text: body.String()})
}

func senderName(u *types.User) string {
	if u == nil {
		return "A colleague"
	}
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	return u.Email
}

// FormatAmount renders an amount in the currency's smallest unit.
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%s %d.%02d", sign, strings.ToUpper(currency), minor/100, minor%100)
}

// Compose renders an RFC 5322 message: text/plain alone, or
// multipart/mixed when there are attachments.
func Compose(from string, msg Message, date time.Time) ([]byte, error) {
	var buf bytes.Buffer
	hdr := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	hdr("From", from)
	hdr("To", strings.Join(msg.To, ", "))
	if msg.ReplyTo != "" {
		hdr("Reply-To", msg.ReplyTo)
	}
	hdr("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	hdr("Date", date.Format(time.RFC1123Z))
	hdr("Message-ID", "<"+randomID()+"@sitereport>")
	hdr("MIME-Version", "1.0")

	if len(msg.Attachments) == 0 {
		hdr("Content-Type", "text/plain; charset=utf-8")
		hdr("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQP(&buf, msg.Text); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	hdr("Content-Type", `multipart/mixed; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeQP(part, msg.Text); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		ctype, params, err := mime.ParseMediaType(a.ContentType)
		if err != nil {
			ctype, params = "application/octet-stream", map[string]string{}
		}
		params["name"] = a.Filename
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ctype, params)},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, a.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeQP(w io.Writer, text string) error {
	qp := quotedprintable.NewWriter(w)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if _, err := qp.Write([]byte(strings.ReplaceAll(text, "\n", "\r\n"))); err != nil {
		return err
	}
	return qp.Close()
}

// writeBase64 wraps encoded data at 76 columns.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := min(76, len(enc))
		if _, err := w.Write([]byte(enc[:n] + "\r\n")); err != nil {
			return err
		}
		enc = enc[n:]
	}
	return nil
}

func randomID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
