package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/mgt/models"
	"beacon/internal/mgt/service"
	"beacon/internal/platform/kafka/producer"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
)

type capturingProducer struct {
	messages []*producer.Message
	err      error
}

func (c *capturingProducer) Produce(_ context.Context, msg *producer.Message) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msg)
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	ctx := context.Background()
	siteID := id.SiteID(uuid.New())

	t.Run("keys by site and tags the kind", func(t *testing.T) {
		p := &capturingProducer{}
		pub := service.NewKafkaPublisher(p, "beacon.mgt")
		require.NoError(t, pub.Publish(ctx, models.Notification{Kind: models.KindHostnameChanged, SiteID: siteID, ServiceID: 4}))

		require.Len(t, p.messages, 1)
		msg := p.messages[0]
		assert.Equal(t, "beacon.mgt", msg.Topic)
		assert.Equal(t, siteID.String(), string(msg.Key))
		assert.Equal(t, "hostname_changed", msg.Headers[service.HeaderKind])

		var decoded models.Notification
		require.NoError(t, json.Unmarshal(msg.Value, &decoded))
		assert.Equal(t, id.ServiceID(4), decoded.ServiceID)
	})

	t.Run("invalid notifications are not produced", func(t *testing.T) {
		p := &capturingProducer{}
		pub := service.NewKafkaPublisher(p, "beacon.mgt")
		err := pub.Publish(ctx, models.Notification{Kind: models.KindHostnameChanged, SiteID: siteID})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		assert.Empty(t, p.messages)
	})

	t.Run("broker failure is unavailable", func(t *testing.T) {
		p := &capturingProducer{err: errors.New("no brokers")}
		pub := service.NewKafkaPublisher(p, "beacon.mgt")
		err := pub.Publish(ctx, models.Notification{Kind: models.KindSiteDeleted, SiteID: siteID})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
	})
}
