package commands

import (
	"context"

	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/messaging"
)

// MessageSendPublisher publishes outbound chat messages
type MessageSendPublisher interface {
	PublishMessageSend(ctx context.Context, msg contracts.MessageSend, options ...contracts.EnvelopeOption) error
}

var _ MessageSendPublisher = (*messaging.EventPublisher)(nil)

// PublishingSink turns replies into message.send events addressed to the
// chat the command came from
type PublishingSink struct {
	publisher MessageSendPublisher
}

var _ ReplySink = (*PublishingSink)(nil)

// NewPublishingSink creates a sink publishing through publisher
func NewPublishingSink(publisher MessageSendPublisher) *PublishingSink {
	return &PublishingSink{publisher: publisher}
}

// SendReply implements ReplySink. The inbound message id becomes the
// correlation id.
func (s *PublishingSink) SendReply(ctx context.Context, req Request, reply Reply) error {
	chatType := req.ChatType
	if chatType != contracts.ChatThread {
		chatType = contracts.ChatUser
	}

	msg := contracts.MessageSend{
		RecipientID:    req.ReplyToID,
		RecipientType:  chatType,
		Body:           reply.Body,
		AttachmentID:   reply.AttachmentID,
		AttachmentType: reply.AttachmentType,
	}

	var options []contracts.EnvelopeOption
	if req.MessageID != "" {
		options = append(options, contracts.WithCorrelationID(req.MessageID))
	}
	return s.publisher.PublishMessageSend(ctx, msg, options...)
}
