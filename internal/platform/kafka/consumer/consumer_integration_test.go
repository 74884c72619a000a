//go:build integration

package consumer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"beacon/internal/platform/kafka/consumer"
	"beacon/internal/platform/kafka/producer"
	"beacon/pkg/testutil/containers"
)

type ConsumerIntegrationSuite struct {
	suite.Suite
	kafka    *containers.KafkaContainer
	producer *producer.Producer
}

func TestConsumerIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ConsumerIntegrationSuite))
}

func (s *ConsumerIntegrationSuite) SetupSuite() {
	s.kafka = containers.GetManager().GetKafka(s.T())
	prod, err := producer.New(producer.Config{
		Brokers:         []string{s.kafka.Brokers},
		DeliveryTimeout: 10 * time.Second,
	}, nil)
	s.Require().NoError(err)
	s.producer = prod
}

func (s *ConsumerIntegrationSuite) TearDownSuite() {
	if s.producer != nil {
		_ = s.producer.Close()
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []*consumer.Message
	fail     func(*consumer.Message) error
}

func (h *recordingHandler) Handle(_ context.Context, msg *consumer.Message) error {
	if h.fail != nil {
		if err := h.fail(msg); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return nil
}

func (h *recordingHandler) Messages() []*consumer.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*consumer.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// run starts a consumer and returns a function that stops it and waits.
func (s *ConsumerIntegrationSuite) run(groupID, topic string, h consumer.Handler) func() {
	cons, err := consumer.New(consumer.Config{
		Brokers: []string{s.kafka.Brokers},
		GroupID: groupID,
		Topics:  []string{topic},
	}, h, nil)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cons.Start(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			s.NoError(err)
		case <-time.After(10 * time.Second):
			s.Fail("consumer did not stop")
		}
	}
}

func (s *ConsumerIntegrationSuite) produce(ctx context.Context, topic, key string, headers map[string]string) {
	s.Require().NoError(s.producer.Produce(ctx, &producer.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   []byte(`{}`),
		Headers: headers,
	}))
}

func (s *ConsumerIntegrationSuite) TestDeliversInOrderWithHeaders() {
	ctx := context.Background()
	topic := "test-consumer-order"
	s.Require().NoError(s.kafka.CreateTopic(ctx, topic, 1, 1))
	s.produce(ctx, topic, "a", map[string]string{"kind": "user_updated"})
	s.produce(ctx, topic, "b", nil)
	s.produce(ctx, topic, "c", nil)

	h := &recordingHandler{}
	stop := s.run("test-consumer-order-group", topic, h)
	s.Eventually(func() bool { return len(h.Messages()) >= 3 }, 15*time.Second, 100*time.Millisecond)
	stop()

	committed, err := s.kafka.CommittedOffset(ctx, "test-consumer-order-group", topic, 0)
	s.Require().NoError(err)
	s.Equal(int64(3), committed)

	msgs := h.Messages()
	s.Equal("a", string(msgs[0].Key))
	s.Equal("b", string(msgs[1].Key))
	s.Equal("c", string(msgs[2].Key))
	s.Equal("user_updated", msgs[0].Headers["kind"])
}

func (s *ConsumerIntegrationSuite) TestFailedRecordIsRedelivered() {
	ctx := context.Background()
	topic := "test-consumer-redeliver"
	s.Require().NoError(s.kafka.CreateTopic(ctx, topic, 1, 1))
	s.produce(ctx, topic, "only", nil)

	groupID := "test-consumer-redeliver-" + time.Now().Format("20060102150405")
	var attempts atomic.Int32
	failing := &recordingHandler{fail: func(*consumer.Message) error {
		attempts.Add(1)
		return errors.New("dispatch failed")
	}}
	stop := s.run(groupID, topic, failing)
	s.Eventually(func() bool { return attempts.Load() >= 1 }, 15*time.Second, 100*time.Millisecond)
	stop()

	ok := &recordingHandler{}
	stop = s.run(groupID, topic, ok)
	s.Eventually(func() bool { return len(ok.Messages()) >= 1 }, 15*time.Second, 100*time.Millisecond)
	stop()
	s.Equal("only", string(ok.Messages()[0].Key))
}

func (s *ConsumerIntegrationSuite) TestProducerCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.NoError(s.producer.Check(ctx))
}
