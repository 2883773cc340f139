// Package pubsub implements the work queue on Google Cloud Pub/Sub. Pub/Sub
// has no per-message delay, so delayed messages carry a not_before attribute
// and are nacked until it passes; the subscription's retry policy spaces out
// redelivery.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

const (
	notBeforeAttr   = "not_before"
	messageTypeAttr = "message_type"
)

// Config names the work topic, dead-letter topic, and subscription.
type Config struct {
	ProjectID    string
	WorkTopic    string
	DLQTopic     string
	Subscription string
	// MaxOutstanding bounds concurrently handled messages.
	MaxOutstanding int
}

func (c Config) topicName(id string) string {
	return fmt.Sprintf("projects/%s/topics/%s", c.ProjectID, id)
}

func (c Config) subscriptionName() string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", c.ProjectID, c.Subscription)
}

// Validate checks required names.
func (c Config) Validate() error {
	switch {
	case c.ProjectID == "":
		return fmt.Errorf("pubsub project id is required")
	case c.WorkTopic == "":
		return fmt.Errorf("pubsub work topic is required")
	case c.DLQTopic == "":
		return fmt.Errorf("pubsub dlq topic is required")
	case c.Subscription == "":
		return fmt.Errorf("pubsub subscription is required")
	}
	return nil
}

// Queue is a pet.Transport over Pub/Sub.
type Queue struct {
	client     *pubsub.Client
	cfg        Config
	work       *pubsub.Publisher
	dead       *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger
	now        func() time.Time
}

// New builds publishers for both topics and a subscriber for the work subscription.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	subscriber := client.Subscriber(cfg.subscriptionName())
	if cfg.MaxOutstanding > 0 {
		subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return &Queue{
		client:     client,
		cfg:        cfg,
		work:       client.Publisher(cfg.topicName(cfg.WorkTopic)),
		dead:       client.Publisher(cfg.topicName(cfg.DLQTopic)),
		subscriber: subscriber,
		logger:     logger.Named("pubsub_queue"),
		now:        time.Now,
	}, nil
}

// EnsureTopology creates the topics and subscription when they are missing.
func EnsureTopology(ctx context.Context, client *pubsub.Client, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, id := range []string{cfg.WorkTopic, cfg.DLQTopic} {
		name := cfg.topicName(id)
		_, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
		if status.Code(err) == codes.NotFound {
			_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
		}
		if err != nil {
			return fmt.Errorf("ensure topic %s: %w", id, err)
		}
	}
	name := cfg.subscriptionName()
	_, err := client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: name})
	if status.Code(err) == codes.NotFound {
		_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
			Name:  name,
			Topic: cfg.topicName(cfg.WorkTopic),
			RetryPolicy: &pubsubpb.RetryPolicy{
				MinimumBackoff: durationpb.New(10 * time.Second),
				MaximumBackoff: durationpb.New(10 * time.Minute),
			},
		})
	}
	if err != nil {
		return fmt.Errorf("ensure subscription %s: %w", cfg.Subscription, err)
	}
	return nil
}

// Publish sends msg to the work topic, stamping not_before when delayed.
func (q *Queue) Publish(ctx context.Context, msg pet.WorkMessage, delay time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal work message: %w", err)
	}
	attrs := map[string]string{messageTypeAttr: string(msg.Type)}
	if delay > 0 {
		attrs[notBeforeAttr] = q.now().Add(delay).UTC().Format(time.RFC3339Nano)
	}
	return q.publish(ctx, q.work, data, attrs)
}

// PublishDeadLetter sends dl to the dead-letter topic.
func (q *Queue) PublishDeadLetter(ctx context.Context, dl pet.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.publish(ctx, q.dead, data, map[string]string{messageTypeAttr: string(dl.Message.Type)})
}

func (q *Queue) publish(ctx context.Context, publisher *pubsub.Publisher, data []byte, attrs map[string]string) error {
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: attrs})
	result := publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive streams messages to handler one delivery at a time until ctx is done.
func (q *Queue) Receive(ctx context.Context, handler pet.BatchHandler) error {
	err := q.subscriber.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &attributeCarrier{attrs: m.Attributes})
		if raw, ok := m.Attributes[notBeforeAttr]; ok {
			notBefore, err := time.Parse(time.RFC3339Nano, raw)
			if err == nil && q.now().Before(notBefore) {
				m.Nack()
				return
			}
		}
		var msg pet.WorkMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			q.logger.Error("dropping undecodable work message", zap.String("pubsub_id", m.ID), zap.Error(err))
			m.Ack()
			return
		}
		if msg.ID == "" {
			msg.ID = m.ID
		}
		handler(ctx, []pet.Delivery{&delivery{m: m, msg: msg}})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive work messages: %w", err)
	}
	return nil
}

// Close flushes publishers and closes the client.
func (q *Queue) Close() error {
	q.work.Stop()
	q.dead.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

type delivery struct {
	m   *pubsub.Message
	msg pet.WorkMessage
}

func (d *delivery) Message() pet.WorkMessage { return d.msg }

func (d *delivery) Ack(context.Context) error {
	d.m.Ack()
	return nil
}

func (d *delivery) Nack(context.Context) error {
	d.m.Nack()
	return nil
}
