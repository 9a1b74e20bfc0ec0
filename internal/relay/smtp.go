package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/google/uuid"

	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/render"
)

// SMTPSender delivers mail through an authenticated SMTP relay. Each Send
// dials a fresh connection: relays commonly drop idle submissions, and a
// connection-per-attempt keeps failure blast radius to one recipient.
type SMTPSender struct {
	timeout time.Duration
}

// NewSMTPSender creates an SMTP sender with the given per-attempt timeout.
// A non-positive timeout falls back to DefaultAttemptTimeout.
func NewSMTPSender(timeout time.Duration) *SMTPSender {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &SMTPSender{timeout: timeout}
}

// Send performs one delivery attempt. The connection is closed on every exit
// path and the credential never leaves this call.
func (s *SMTPSender) Send(ctx context.Context, sender domain.SenderIdentity, recipient domain.Recipient, msg render.RenderedMessage) domain.Outcome {
	if !recipient.Valid() {
		return domain.Failed(fmt.Sprintf("malformed address %q", recipient.Email))
	}
	if sender.Host == "" {
		return domain.Failed("relay host not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", sender.Host, sender.Port)
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classify("connect to "+addr, err)
	}
	// Applies to the whole SMTP conversation, not just the dial.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, sender.Host)
	if err != nil {
		conn.Close()
		return classify("SMTP handshake", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: sender.Host}); err != nil {
			return classify("STARTTLS", err)
		}
	}

	if sender.Credential != "" {
		if err := client.Auth(&plainAuth{user: sender.Address, pass: sender.Credential}); err != nil {
			return classify("authentication", err)
		}
	}

	if err := client.Mail(sender.Address); err != nil {
		return classify("MAIL FROM", err)
	}
	if err := client.Rcpt(recipient.Email); err != nil {
		return classify("recipient rejected", err)
	}

	w, err := client.Data()
	if err != nil {
		return classify("DATA", err)
	}
	if _, err := w.Write(buildMessage(sender.Address, recipient.Email, msg)); err != nil {
		return classify("write message", err)
	}
	if err := w.Close(); err != nil {
		return classify("message rejected", err)
	}

	// Best effort; the relay has already accepted the message.
	_ = client.Quit()

	return domain.DeliveredOutcome
}

// classify turns a transport error into a coarse, human-readable failure.
// The engine does not distinguish retryable from fatal at this layer.
func classify(stage string, err error) domain.Outcome {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Failed(fmt.Sprintf("timeout during %s", stage))
	case errors.As(err, &netErr) && netErr.Timeout():
		return domain.Failed(fmt.Sprintf("timeout during %s", stage))
	default:
		return domain.Failed(fmt.Sprintf("%s: %v", stage, err))
	}
}

func buildMessage(from, to string, msg render.RenderedMessage) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Message-ID: <%s@campaigner>\r\n", uuid.New().String())
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.HTMLBody)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// plainAuth implements smtp.Auth without the TLS requirement that stdlib's
// PlainAuth enforces. Relays on private networks often accept AUTH on the
// submission port without TLS; the STARTTLS upgrade above is still attempted
// whenever the server offers it.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}
