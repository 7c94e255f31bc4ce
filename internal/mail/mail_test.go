package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	netmail "net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitereport/internal/config"
	"sitereport/internal/types"
)

type captured struct {
	from string
	to   []string
	raw  []byte
}

type recordingTransport struct {
	sent []captured
	err  error
}

func (r *recordingTransport) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, captured{from, to, raw})
	return nil
}

var fixedNow = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

func testMailer(t *testing.T) (*Mailer, *recordingTransport) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mail.From = "Site Reports <reports@example.com>"
	cfg.Render.CompanyName = "Acme Inspections"
	rt := &recordingTransport{}
	m := New(cfg).WithTransport(rt)
	m.now = func() time.Time { return fixedNow }
	return m, rt
}

func parse(t *testing.T, raw []byte) *netmail.Message {
	t.Helper()
	msg, err := netmail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	return msg
}

func decodeQP(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(quotedprintable.NewReader(r))
	require.NoError(t, err)
	return string(b)
}

func TestDisabledMailerSkips(t *testing.T) {
	m := New(config.DefaultConfig())
	assert.False(t, m.Enabled())
	assert.NoError(t, m.SendWelcome(context.Background(), &types.User{Email: "a@example.com"}))

	err := m.Send(context.Background(), Message{To: []string{"not an address"}})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
	err = m.Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestSendReportAttachment(t *testing.T) {
	m, rt := testMailer(t)
	pdf := bytes.Repeat([]byte("%PDF-1.7 binary\x00\xff"), 40)
	sender := &types.User{Email: "inspector@example.com", Name: "Asha Rao"}

	err := m.SendReport(context.Background(), sender, []string{"Client <client@example.com>"}, "Warehouse roof", "See section 3.",
		Attachment{Filename: "SR-12-20250304.pdf", ContentType: "application/pdf", Data: pdf})
	require.NoError(t, err)
	require.Len(t, rt.sent, 1)
	assert.Equal(t, "reports@example.com", rt.sent[0].from)
	assert.Equal(t, []string{"client@example.com"}, rt.sent[0].to)

	msg := parse(t, rt.sent[0].raw)
	assert.Equal(t, "inspector@example.com", msg.Header.Get("Reply-To"))
	assert.Equal(t, "Site inspection report: Warehouse roof", msg.Header.Get("Subject"))
	date, err := msg.Header.Date()
	require.NoError(t, err)
	assert.True(t, fixedNow.Equal(date))

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(msg.Body, params["boundary"])
	text, err := mr.NextRawPart()
	require.NoError(t, err)
	body := decodeQP(t, text)
	assert.Contains(t, body, `Asha Rao has shared the site inspection report "Warehouse roof"`)
	assert.Contains(t, body, "See section 3.")

	att, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "SR-12-20250304.pdf", att.FileName())
	assert.True(t, strings.HasPrefix(att.Header.Get("Content-Type"), "application/pdf"))
	encoded, err := io.ReadAll(att)
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(encoded)), "\r\n") {
		assert.LessOrEqual(t, len(line), 76)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	require.NoError(t, err)
	assert.Equal(t, pdf, decoded)

	_, err = mr.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAttachmentWithParams(t *testing.T) {
	raw, err := Compose("a@example.com", Message{
		To:          []string{"b@example.com"},
		Subject:     "Résumé",
		Attachments: []Attachment{{Filename: "r.html", ContentType: "text/html; charset=utf-8", Data: []byte("<p>x</p>")}},
	}, fixedNow)
	require.NoError(t, err)
	msg := parse(t, raw)

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Résumé", subject)

	_, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	mr := multipart.NewReader(msg.Body, params["boundary"])
	_, err = mr.NextPart()
	require.NoError(t, err)
	att, err := mr.NextPart()
	require.NoError(t, err)
	ctype, cparams, err := mime.ParseMediaType(att.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "text/html", ctype)
	assert.Equal(t, "utf-8", cparams["charset"])
	assert.Equal(t, "r.html", cparams["name"])
}

func TestSendReceipt(t *testing.T) {
	m, rt := testMailer(t)
	until := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	u := &types.User{Email: "payer@example.com", PaidUntil: &until}
	p := &types.Payment{OrderID: "order_1", PaymentID: "pay_1", Amount: 49900, Currency: "inr", UpdatedAt: fixedNow}

	require.NoError(t, m.SendReceipt(context.Background(), u, p))
	msg := parse(t, rt.sent[0].raw)
	assert.Equal(t, "Payment receipt order_1", msg.Header.Get("Subject"))
	assert.True(t, strings.HasPrefix(msg.Header.Get("Content-Type"), "text/plain"))
	body := decodeQP(t, msg.Body)
	assert.Contains(t, body, "INR 499.00")
	assert.Contains(t, body, "Valid to: 03 Feb 2026")
	assert.Contains(t, body, "Hello payer@example.com")
}

func TestSendWelcome(t *testing.T) {
	m, rt := testMailer(t)
	require.NoError(t, m.SendWelcome(context.Background(), &types.User{Email: "new@example.com", Name: "Dev"}))
	msg := parse(t, rt.sent[0].raw)
	assert.Equal(t, "Welcome to Acme Inspections", msg.Header.Get("Subject"))
	assert.Contains(t, decodeQP(t, msg.Body), "Sign in at http://localhost:8080")
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "INR 499.00", FormatAmount(49900, "inr"))
	assert.Equal(t, "USD 0.05", FormatAmount(5, "USD"))
	assert.Equal(t, "-EUR 1.50", FormatAmount(-150, "EUR"))
}

type smtpSession struct {
	from string
	rcpt []string
	data string
}

// fakeSMTP accepts one plaintext session without STARTTLS or AUTH.
func fakeSMTP(t *testing.T) (string, <-chan smtpSession) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan smtpSession, 1)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		var s smtpSession
		tp.PrintfLine("220 fake ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				tp.PrintfLine("250 fake")
			case strings.HasPrefix(cmd, "MAIL FROM:"):
				s.from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
				tp.PrintfLine("250 OK")
			case strings.HasPrefix(cmd, "RCPT TO:"):
				s.rcpt = append(s.rcpt, strings.Trim(line[len("RCPT TO:"):], "<> "))
				tp.PrintfLine("250 OK")
			case cmd == "DATA":
				tp.PrintfLine("354 end with .")
				b, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				s.data = string(b)
				tp.PrintfLine("250 queued")
			case cmd == "QUIT":
				tp.PrintfLine("221 bye")
				done <- s
				return
			default:
				tp.PrintfLine("502 unsupported")
			}
		}
	}()
	return ln.Addr().String(), done
}

func TestSMTPTransport(t *testing.T) {
	addr, done := fakeSMTP(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Mail.Host = host
	cfg.Mail.Port = p
	cfg.Mail.From = "reports@example.com"
	m := New(cfg)
	require.True(t, m.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.SendWelcome(ctx, &types.User{Email: "new@example.com"}))

	select {
	case s := <-done:
		assert.Equal(t, "reports@example.com", s.from)
		assert.Equal(t, []string{"new@example.com"}, s.rcpt)
		assert.Contains(t, s.data, "Subject: Welcome to")
	case <-ctx.Done():
		t.Fatal("smtp session did not finish")
	}
}
