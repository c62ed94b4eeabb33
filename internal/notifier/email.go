package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/pauljones0/zdm-digest-bot/internal/digest"
)

const implicitTLSPort = "465"

// Email sends the digest over SMTP. Port 465 uses implicit TLS; any other
// port goes through smtp.SendMail, which upgrades with STARTTLS when offered.
type Email struct {
	host     string
	port     string
	username string
	password string
	to       string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	dialTLS  func(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error)
}

func NewEmail(host, port, username, password, to string) *Email {
	if to == "" {
		to = username
	}
	return &Email{
		host:     host,
		port:     port,
		username: username,
		password: password,
		to:       to,
		sendMail: smtp.SendMail,
		dialTLS: func(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
			d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 15 * time.Second}, Config: cfg}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, d *digest.Digest) (Outcome, error) {
	if e.host == "" || e.port == "" || e.username == "" || e.password == "" {
		return OutcomeNotConfigured, nil
	}

	msg, err := buildMessage(e.username, e.to, d)
	if err != nil {
		return OutcomeFailed, err
	}

	addr := net.JoinHostPort(e.host, e.port)
	auth := smtp.PlainAuth("", e.username, e.password, e.host)

	if e.port == implicitTLSPort {
		err = e.sendImplicitTLS(ctx, addr, auth, msg)
	} else {
		err = e.sendMail(addr, auth, e.username, []string{e.to}, msg)
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to send email: %w", err)
	}
	return OutcomeSent, nil
}

func (e *Email) sendImplicitTLS(ctx context.Context, addr string, auth smtp.Auth, msg []byte) error {
	conn, err := e.dialTLS(ctx, addr, &tls.Config{ServerName: e.host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Mail(e.username); err != nil {
		return err
	}
	if err := c.Rcpt(e.to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// buildMessage renders a multipart/alternative message with the plain text
// part first and the HTML part last.
func buildMessage(from, to string, d *digest.Digest) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	date := d.CreatedAt
	if date.IsZero() {
		date = time.Now()
	}

	var head bytes.Buffer
	fmt.Fprintf(&head, "From: %s\r\n", (&mail.Address{Address: from}).String())
	fmt.Fprintf(&head, "To: %s\r\n", (&mail.Address{Address: to}).String())
	fmt.Fprintf(&head, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", d.Subject))
	fmt.Fprintf(&head, "Date: %s\r\n", date.Format(time.RFC1123Z))
	head.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&head, "Content-Type: multipart/alternative; boundary=%q\r\n", mw.Boundary())
	head.WriteString("\r\n")

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=UTF-8", d.PlainBody},
		{"text/html; charset=UTF-8", d.HTMLBody},
	} {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		qw := quotedprintable.NewWriter(pw)
		if _, err := qw.Write([]byte(part.body)); err != nil {
			return nil, err
		}
		if err := qw.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return append(head.Bytes(), buf.Bytes()...), nil
}
