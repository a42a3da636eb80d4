package session

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fbchat/relay/commands"
	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/messaging"
)

// DefaultPrefix marks a chat message as a command
const DefaultPrefix = "/"

// DefaultPollInterval is how often Watch reads the inbound message file
const DefaultPollInterval = 100 * time.Millisecond

// InboundMessage is a chat message as written by the chat listener
type InboundMessage struct {
	MessageID string `json:"messageID"`
	UserID    string `json:"userID"`
	Body      string `json:"body"`
	ReplyToID string `json:"replyToID"`
	Type      string `json:"type"`
}

// ChatType maps the listener's chat type onto the closed set; anything
// that is not a thread is a user chat
func (m InboundMessage) ChatType() contracts.ChatType {
	if m.Type == string(contracts.ChatThread) {
		return contracts.ChatThread
	}
	return contracts.ChatUser
}

// ReceivedPublisher publishes inbound chat messages
type ReceivedPublisher interface {
	PublishMessageReceived(ctx context.Context, msg contracts.MessageReceived, options ...contracts.EnvelopeOption) error
}

var _ ReceivedPublisher = (*messaging.EventPublisher)(nil)

// CommandSubmitter runs commands in the background
type CommandSubmitter interface {
	Submit(ctx context.Context, req commands.Request) <-chan commands.Result
}

var _ CommandSubmitter = (*commands.Pool)(nil)

// Intake turns inbound chat messages into message.received events and
// command executions
type Intake struct {
	publisher ReceivedPublisher
	submitter CommandSubmitter
	selfID    string
	prefix    string
	logger    *slog.Logger
}

// IntakeOption configures the Intake
type IntakeOption func(*Intake)

// WithSelfID skips commands in messages sent by the bot itself
func WithSelfID(id string) IntakeOption {
	return func(i *Intake) {
		i.selfID = id
	}
}

// WithPrefix sets the command prefix
func WithPrefix(prefix string) IntakeOption {
	return func(i *Intake) {
		i.prefix = prefix
	}
}

// WithIntakeLogger sets the logger
func WithIntakeLogger(logger *slog.Logger) IntakeOption {
	return func(i *Intake) {
		i.logger = logger
	}
}

// NewIntake creates an intake. Either collaborator may be nil to disable
// publishing or command execution.
func NewIntake(publisher ReceivedPublisher, submitter CommandSubmitter, options ...IntakeOption) *Intake {
	i := &Intake{
		publisher: publisher,
		submitter: submitter,
		prefix:    DefaultPrefix,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(i)
	}

	return i
}

// HandleInbound publishes msg and submits the command it carries. A failed
// publish is returned but does not stop the command; the returned channel
// is nil when no command was submitted.
func (i *Intake) HandleInbound(ctx context.Context, msg InboundMessage) (<-chan commands.Result, error) {
	i.logger.Debug("inbound message",
		"messageId", msg.MessageID,
		"userId", msg.UserID,
		"replyToId", msg.ReplyToID,
		"type", msg.Type)

	var publishErr error
	if i.publisher != nil {
		publishErr = i.publisher.PublishMessageReceived(ctx, contracts.MessageReceived{
			MessageID:   msg.MessageID,
			UserID:      msg.UserID,
			SenderID:    msg.UserID,
			Body:        msg.Body,
			ReplyToID:   msg.ReplyToID,
			Type:        msg.ChatType(),
			Attachments: []contracts.Attachment{},
		})
		if publishErr != nil {
			i.logger.Error("failed to publish received message",
				"messageId", msg.MessageID,
				"error", publishErr)
		}
	}

	if i.submitter == nil || msg.UserID == "" || msg.UserID == i.selfID {
		return nil, publishErr
	}

	name := strings.TrimSpace(i.commandText(msg.Body))
	if name == "" {
		return nil, publishErr
	}

	results := i.submitter.Submit(ctx, commands.Request{
		Name:      name,
		MessageID: msg.MessageID,
		UserID:    msg.UserID,
		ReplyToID: msg.ReplyToID,
		ChatType:  msg.ChatType(),
	})
	return results, publishErr
}

// commandText strips the prefix; messages without it are still tried as
// commands
func (i *Intake) commandText(body string) string {
	if i.prefix != "" {
		if rest, ok := strings.CutPrefix(body, i.prefix); ok {
			return rest
		}
	}
	return body
}

// Watch polls the file the chat listener overwrites with its latest message
// and handles every message id it has not seen. It returns when ctx is done.
func (i *Intake) Watch(ctx context.Context, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	i.logger.Info("watching inbound messages", "path", path, "interval", interval)

	var last string
	for {
		msg, err := readInbound(path)
		switch {
		case err == nil && msg.MessageID != "" && msg.MessageID != last:
			last = msg.MessageID
			i.HandleInbound(ctx, msg)
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			// the listener may be halfway through rewriting the file
			i.logger.Debug("skipping unreadable inbound file", "path", path, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func readInbound(path string) (InboundMessage, error) {
	var msg InboundMessage
	b, err := os.ReadFile(path)
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(b, &msg)
	return msg, err
}
