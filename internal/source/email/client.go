package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailagent/internal/source"
)

// IMAPClient wraps go-imap v2 for reading and housekeeping the inbox.
type IMAPClient struct {
	cfg IMAPConfig
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(cfg IMAPConfig) *IMAPClient {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAPClient{cfg: cfg}
}

func (c *IMAPClient) addr() string {
	return c.cfg.Host + ":" + c.cfg.Port
}

// Connect establishes a connection to the IMAP server, authenticates and
// selects the configured mailbox. The returned release func logs out; the
// connection is also torn down if ctx is canceled first.
func (c *IMAPClient) Connect(
	ctx context.Context,
) (*imapclient.Client, func(), error) {
	addr := c.addr()

	var client *imapclient.Client
	var err error

	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, nil, &source.ConnectionError{
			Server: addr, Op: "dial", Err: err,
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	release := func() {
		stop()
		_ = client.Logout().Wait()
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		release()
		return nil, nil, &source.AuthError{
			Server: addr,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v",
				c.cfg.Username, err,
			),
		}
	}

	if _, err := client.Select(c.cfg.Mailbox, nil).Wait(); err != nil {
		release()
		return nil, nil, &source.ConnectionError{
			Server: addr, Op: "select " + c.cfg.Mailbox, Err: err,
		}
	}

	return client, release, nil
}

// FetchUnseen searches the mailbox for messages without the \Seen flag and
// returns up to limit of them (oldest first) with their parsed bodies.
// Bodies are fetched with PEEK so the server does not set \Seen.
func (c *IMAPClient) FetchUnseen(
	ctx context.Context, limit int,
) ([]*ParsedMessage, error) {
	client, release, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen, imap.FlagDeleted},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &source.ConnectionError{
			Server: c.addr(), Op: "search unseen", Err: err,
		}
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	var messages []*ParsedMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		parsed := &ParsedMessage{
			Envelope: envelopeFromBuffer(buf),
		}

		if raw := buf.FindBodySection(bodySection); raw != nil {
			parseMIMEBody(raw, parsed)
		}

		messages = append(messages, parsed)
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, &source.ConnectionError{
			Server: c.addr(), Op: "fetch", Err: err,
		}
	}

	return messages, nil
}

// SetFlags connects to IMAP and modifies flags on a message.
// If add is true, the flags are added; otherwise they are removed.
func (c *IMAPClient) SetFlags(
	ctx context.Context,
	uid uint32,
	flags []imap.Flag,
	add bool,
) error {
	client, release, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}

	storeCmd := client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return &source.ConnectionError{
			Server: c.addr(), Op: "store flags", Err: err,
		}
	}
	return nil
}

// Delete marks the message \Deleted and expunges it. With UIDPLUS only
// the given UID is expunged.
func (c *IMAPClient) Delete(ctx context.Context, uid uint32) error {
	client, release, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	uidSet := imap.UIDSetNum(imap.UID(uid))

	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return &source.ConnectionError{
			Server: c.addr(), Op: "flag deleted", Err: err,
		}
	}

	var expungeErr error
	if client.Caps().Has(imap.CapUIDPlus) {
		expungeErr = client.UIDExpunge(uidSet).Close()
	} else {
		expungeErr = client.Expunge().Close()
	}
	if expungeErr != nil {
		return &source.ConnectionError{
			Server: c.addr(), Op: "expunge", Err: expungeErr,
		}
	}

	return nil
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			env.FromName = from.Name
			env.FromAddr = from.Addr()
		}

		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
	}

	for _, flag := range buf.Flags {
		env.Flags = append(env.Flags, string(flag))
	}

	return env
}

// parseMIMEBody parses a raw RFC 5322 message using go-message and fills
// in the text/plain body, text/html body, attachment metadata and the
// auto-submitted marker of msg. Envelope fields missing from the IMAP
// envelope are taken from the parsed header.
func parseMIMEBody(raw []byte, msg *ParsedMessage) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text
		msg.TextBody = string(raw)
		return
	}
	defer mr.Close()

	msg.AutoSubmitted = isAutoSubmitted(mr.Header)

	if msg.Envelope.FromAddr == "" {
		if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
			msg.Envelope.FromAddr = from[0].Address
			msg.Envelope.FromName = from[0].Name
		}
	}
	if msg.Envelope.Subject == "" {
		msg.Envelope.Subject, _ = mr.Header.Subject()
	}
	if msg.Envelope.MessageID == "" {
		msg.Envelope.MessageID, _ = mr.Header.MessageID()
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				if msg.TextBody == "" {
					msg.TextBody = string(body)
				}
			case strings.HasPrefix(contentType, "text/html"):
				if msg.HTMLBody == "" {
					msg.HTMLBody = string(body)
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			// Count bytes without keeping the content
			size, readErr := io.Copy(io.Discard, part.Body)
			if readErr != nil {
				continue
			}

			msg.Attachments = append(msg.Attachments, Attachment{
				Filename: filename,
				Size:     size,
				MIMEType: contentType,
			})
		}
	}
}

// isAutoSubmitted reports whether the header marks the message as
// machine-generated (RFC 3834 Auto-Submitted, bulk precedence, mailing lists).
func isAutoSubmitted(h mail.Header) bool {
	if v := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted"))); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(h.Get("Precedence"))) {
	case "bulk", "list", "junk":
		return true
	}
	return h.Get("List-Id") != "" || h.Get("List-Unsubscribe") != ""
}
