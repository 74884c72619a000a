package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"beacon/internal/mgt/models"
	"beacon/internal/platform/kafka/consumer"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
)

type stubDispatcher struct {
	got []models.Notification
	err error
}

func (s *stubDispatcher) Dispatch(_ context.Context, n models.Notification) error {
	s.got = append(s.got, n)
	return s.err
}

// HandlerSuite covers the commit decision for each kind of record: malformed
// and invalid records are committed, dispatch failures are redelivered.
type HandlerSuite struct {
	suite.Suite
	dispatcher *stubDispatcher
	handler    *Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.dispatcher = &stubDispatcher{}
	s.handler = NewHandler(s.dispatcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *HandlerSuite) message(n models.Notification) *consumer.Message {
	value, err := json.Marshal(n)
	s.Require().NoError(err)
	return &consumer.Message{Key: []byte(n.SiteID.String()), Value: value}
}

func (s *HandlerSuite) TestDispatchesDecodedNotification() {
	n := models.Notification{Kind: models.KindUserDeleted, SiteID: id.SiteID(uuid.New()), UserID: 12}
	s.Require().NoError(s.handler.Handle(context.Background(), s.message(n)))
	s.Require().Len(s.dispatcher.got, 1)
	s.Equal(n, s.dispatcher.got[0])
}

func (s *HandlerSuite) TestMalformedPayloadIsCommitted() {
	err := s.handler.Handle(context.Background(), &consumer.Message{Value: []byte("{not json")})
	s.NoError(err)
	s.Empty(s.dispatcher.got)
}

func (s *HandlerSuite) TestInvalidNotificationIsCommitted() {
	s.dispatcher.err = dErrors.New(dErrors.CodeValidation, "unknown notification kind")
	err := s.handler.Handle(context.Background(), s.message(models.Notification{Kind: "bogus"}))
	s.NoError(err)
}

func (s *HandlerSuite) TestDispatchFailureIsRedelivered() {
	s.dispatcher.err = errors.New("tracker closed")
	n := models.Notification{Kind: models.KindRolesUpdated, SiteID: id.SiteID(uuid.New())}
	s.Error(s.handler.Handle(context.Background(), s.message(n)))
}
