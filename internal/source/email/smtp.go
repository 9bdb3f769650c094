package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/source"
)

const smtpDialTimeout = 30 * time.Second

// sendReply composes and sends a reply via SMTP. It returns the Message-ID
// the reply was sent with.
func sendReply(ctx context.Context, cfg SMTPConfig, reply model.Reply) (string, error) {
	from := cfg.Username
	messageID := newMessageID(from)

	var buf bytes.Buffer
	if err := composeReply(&buf, from, messageID, reply, time.Now()); err != nil {
		return "", fmt.Errorf("composing reply: %w", err)
	}

	addr := cfg.Host + ":" + cfg.Port

	var err error
	if cfg.TLS {
		err = sendSMTPWithTLS(ctx, addr, cfg, from, reply.To, buf.Bytes())
	} else {
		err = sendSMTPWithStartTLS(ctx, addr, cfg, from, reply.To, buf.Bytes())
	}
	if err != nil {
		return "", err
	}

	return messageID, nil
}

// newMessageID returns a unique Message-ID in the sender's domain.
func newMessageID(from string) string {
	domain := "mailagent.local"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

// composeReply writes an RFC 5322 text/plain reply to w.
func composeReply(
	w io.Writer, from, messageID string, reply model.Reply, date time.Time,
) error {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: reply.To}})
	h.SetSubject(reply.Subject)
	h.SetMessageID(messageID)
	if reply.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{reply.InReplyTo})
		h.SetMsgIDList("References", []string{reply.InReplyTo})
	}
	// RFC 3834, so other agents do not answer our replies
	h.Set("Auto-Submitted", "auto-replied")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	body, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(body, reply.Body); err != nil {
		body.Close()
		return err
	}
	return body.Close()
}

// sendSMTPWithTLS sends an email over an implicit TLS connection.
func sendSMTPWithTLS(
	ctx context.Context, addr string, cfg SMTPConfig,
	from, to string, body []byte,
) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: smtpDialTimeout},
		Config:    &tls.Config{ServerName: cfg.Host},
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &source.ConnectionError{Server: addr, Op: "TLS dial", Err: err}
	}
	setDeadline(ctx, conn)

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return &source.ConnectionError{Server: addr, Op: "smtp greeting", Err: err}
	}
	defer client.Close()

	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	if err := client.Auth(auth); err != nil {
		return &source.AuthError{Server: addr, Message: err.Error()}
	}

	return sendMailViaSMTPClient(client, from, to, body)
}

// sendSMTPWithStartTLS sends an email using STARTTLS.
func sendSMTPWithStartTLS(
	ctx context.Context, addr string, cfg SMTPConfig,
	from, to string, body []byte,
) error {
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &source.ConnectionError{Server: addr, Op: "dial", Err: err}
	}
	setDeadline(ctx, conn)

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return &source.ConnectionError{Server: addr, Op: "smtp greeting", Err: err}
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: cfg.Host}
	if err := client.StartTLS(tlsConfig); err != nil {
		return &source.ConnectionError{Server: addr, Op: "STARTTLS", Err: err}
	}

	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	if err := client.Auth(auth); err != nil {
		return &source.AuthError{Server: addr, Message: err.Error()}
	}

	return sendMailViaSMTPClient(client, from, to, body)
}

func setDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
}

// sendMailViaSMTPClient sends a message using an already-authenticated
// SMTP client.
func sendMailViaSMTPClient(
	client *smtp.Client, from, to string, body []byte,
) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}

	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}

	if _, err := writer.Write(body); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}
