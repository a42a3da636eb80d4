package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueInfo is what a passive declare reports about a queue
type QueueInfo struct {
	Name      string `json:"name"`
	Exists    bool   `json:"exists"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// QueueInspector reads queue depth and consumer counts over AMQP, without
// the management API. A missing queue makes the broker close the channel,
// so give the inspector its own connection manager.
type QueueInspector struct {
	channels ChannelProvider
}

// NewQueueInspector creates an inspector on channels
func NewQueueInspector(channels ChannelProvider) *QueueInspector {
	return &QueueInspector{channels: channels}
}

// InspectQueue reports one queue. A queue that does not exist is not an
// error; Exists is false.
func (qi *QueueInspector) InspectQueue(ctx context.Context, name string) (QueueInfo, error) {
	ch, err := qi.channels.Channel(ctx)
	if err != nil {
		return QueueInfo{}, err
	}

	queue, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return QueueInfo{Name: name}, nil
		}
		return QueueInfo{}, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}

	return QueueInfo{
		Name:      queue.Name,
		Exists:    true,
		Messages:  queue.Messages,
		Consumers: queue.Consumers,
	}, nil
}

// InspectQueues reports every named queue in order
func (qi *QueueInspector) InspectQueues(ctx context.Context, names ...string) ([]QueueInfo, error) {
	infos := make([]QueueInfo, 0, len(names))
	for _, name := range names {
		info, err := qi.InspectQueue(ctx, name)
		if err != nil {
			return infos, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
