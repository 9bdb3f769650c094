package email

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/source"
)

// Adapter implements source.Mailbox over IMAP and source.Transport over SMTP.
type Adapter struct {
	imapClient *IMAPClient
	smtpConfig SMTPConfig
	logger     *zap.Logger

	// setSeen flags a UID \Seen. It backs MarkSeen and the rejection of
	// malformed messages at ingestion.
	setSeen func(ctx context.Context, uid uint32) error
}

var (
	_ source.Mailbox   = (*Adapter)(nil)
	_ source.Transport = (*Adapter)(nil)
)

// NewAdapter creates a new email adapter.
func NewAdapter(imapCfg IMAPConfig, smtpCfg SMTPConfig, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := NewIMAPClient(imapCfg)
	return &Adapter{
		imapClient: client,
		smtpConfig: smtpCfg,
		logger:     logger.Named("email"),
		setSeen: func(ctx context.Context, uid uint32) error {
			return client.SetFlags(ctx, uid, []imap.Flag{imap.FlagSeen}, true)
		},
	}
}

// NewAdapterFromConfig builds an adapter from the mail section of the
// agent configuration.
func NewAdapterFromConfig(cfg model.MailConfig, logger *zap.Logger) *Adapter {
	return NewAdapter(
		IMAPConfig{
			Host:     cfg.IMAPHost,
			Port:     cfg.IMAPPort,
			Username: cfg.Username,
			Password: cfg.Password,
			TLS:      cfg.IMAPTLS,
			Mailbox:  cfg.Mailbox,
		},
		SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.Username,
			Password: cfg.Password,
			TLS:      cfg.SMTPTLS,
		},
		logger,
	)
}

// ValidateConnection verifies IMAP credentials by connecting,
// authenticating, and selecting the mailbox. Returns the username on success.
func (a *Adapter) ValidateConnection(ctx context.Context) (string, error) {
	_, release, err := a.imapClient.Connect(ctx)
	if err != nil {
		return "", fmt.Errorf("validating email connection: %w", err)
	}
	release()

	return a.imapClient.cfg.Username, nil
}

// FetchUnread retrieves up to maxCount unseen messages. Messages that cannot
// be turned into a well-formed model.Message are marked seen, so they do not
// fill every later batch, and dropped.
func (a *Adapter) FetchUnread(
	ctx context.Context,
	maxCount int,
) ([]*model.Message, error) {
	parsed, err := a.imapClient.FetchUnseen(ctx, maxCount)
	if err != nil {
		return nil, fmt.Errorf("fetching unread email: %w", err)
	}

	return a.ingest(ctx, parsed), nil
}

// ingest converts fetched messages and rejects the malformed ones.
func (a *Adapter) ingest(ctx context.Context, parsed []*ParsedMessage) []*model.Message {
	messages := make([]*model.Message, 0, len(parsed))
	for _, p := range parsed {
		msg, err := toMessage(p)
		if err == nil {
			messages = append(messages, msg)
			continue
		}

		uid := p.Envelope.UID
		a.logger.Warn("dropping malformed message",
			zap.Uint32("uid", uid),
			zap.Error(&source.ConnectionError{
				Server: a.imapClient.addr(), Op: "parse message", Err: err,
			}),
		)
		if uid == 0 {
			continue
		}
		if err := a.setSeen(ctx, uid); err != nil {
			a.logger.Warn("marking malformed message seen",
				zap.Uint32("uid", uid), zap.Error(err))
		}
	}

	return messages
}

// MarkSeen sets the \Seen flag on the message.
func (a *Adapter) MarkSeen(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	return a.setSeen(ctx, uid)
}

// DeleteByID removes the message from the mailbox.
func (a *Adapter) DeleteByID(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	return a.imapClient.Delete(ctx, uid)
}

// SendReply delivers reply over SMTP and returns its Message-ID.
func (a *Adapter) SendReply(ctx context.Context, reply model.Reply) (string, error) {
	id, err := sendReply(ctx, a.smtpConfig, reply)
	if err != nil {
		return "", fmt.Errorf("sending reply to %s: %w", reply.To, err)
	}
	return id, nil
}

// toMessage converts a parsed IMAP message to a model.Message.
func toMessage(p *ParsedMessage) (*model.Message, error) {
	// Prefer plain text body; fall back to stripped HTML
	body := p.TextBody
	if strings.TrimSpace(body) == "" && p.HTMLBody != "" {
		body = stripHTML(p.HTMLBody)
	}

	attachments := make([]model.Attachment, 0, len(p.Attachments))
	for _, att := range p.Attachments {
		attachments = append(attachments, model.Attachment{
			Filename: att.Filename,
			MIMEType: att.MIMEType,
			Size:     att.Size,
		})
	}

	var id string
	if p.Envelope.UID != 0 {
		id = strconv.FormatUint(uint64(p.Envelope.UID), 10)
	}

	return model.NewMessage(model.Message{
		ID:            id,
		MessageID:     p.Envelope.MessageID,
		Sender:        strings.ToLower(p.Envelope.FromAddr),
		SenderName:    p.Envelope.FromName,
		Subject:       p.Envelope.Subject,
		Body:          body,
		ReceivedAt:    p.Envelope.Date,
		Attachments:   attachments,
		AutoSubmitted: p.AutoSubmitted,
	})
}

// parseUID converts a string message ID to a uint32 UID.
func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid email UID %q: %w", id, err)
	}
	return uint32(uid), nil
}

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags from a string and decodes common
// entities, providing a basic plain-text rendering.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}
