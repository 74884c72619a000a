package service

import (
	"context"
	"encoding/json"
	"fmt"

	"beacon/internal/mgt/models"
	"beacon/internal/platform/kafka/producer"
	dErrors "beacon/pkg/domain-errors"
)

// Publisher hands a notification to every process serving the site.
type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
}

// LocalPublisher dispatches in process. It is used when no broker is
// configured and only one process serves all sites.
type LocalPublisher struct {
	dispatcher *Dispatcher
}

func NewLocalPublisher(d *Dispatcher) *LocalPublisher {
	return &LocalPublisher{dispatcher: d}
}

func (p *LocalPublisher) Publish(ctx context.Context, n models.Notification) error {
	return p.dispatcher.Dispatch(ctx, n)
}

// MessageProducer is the subset of the kafka producer used for publishing.
type MessageProducer interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// KafkaPublisher writes notifications to the management topic keyed by site
// id, so notifications for one site keep their order.
type KafkaPublisher struct {
	producer MessageProducer
	topic    string
}

func NewKafkaPublisher(p MessageProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

const HeaderKind = "kind"

func (p *KafkaPublisher) Publish(ctx context.Context, n models.Notification) error {
	n.Normalize()
	if err := n.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := &producer.Message{
		Topic:   p.topic,
		Key:     []byte(n.SiteID.String()),
		Value:   value,
		Headers: map[string]string{HeaderKind: string(n.Kind)},
	}
	if err := p.producer.Produce(ctx, msg); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "publish notification")
	}
	return nil
}

var (
	_ Publisher = (*LocalPublisher)(nil)
	_ Publisher = (*KafkaPublisher)(nil)
)
