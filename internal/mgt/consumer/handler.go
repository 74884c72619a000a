// Package consumer applies management notifications read from Kafka.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"beacon/internal/mgt/models"
	"beacon/internal/platform/kafka/consumer"
	dErrors "beacon/pkg/domain-errors"
)

// Dispatcher applies one notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, n models.Notification) error
}

// Handler implements consumer.Handler for the management topic.
type Handler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewHandler(d Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: d, logger: logger}
}

// Handle decodes and dispatches a record. Malformed or invalid notifications
// are logged and committed; they would fail the same way on redelivery.
func (h *Handler) Handle(ctx context.Context, msg *consumer.Message) error {
	var n models.Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		h.logger.ErrorContext(ctx, "failed to unmarshal notification",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	if err := h.dispatcher.Dispatch(ctx, n); err != nil {
		if dErrors.HasCode(err, dErrors.CodeValidation) {
			h.logger.WarnContext(ctx, "dropping invalid notification",
				"offset", msg.Offset,
				"kind", n.Kind,
				"error", err,
			)
			return nil
		}
		return fmt.Errorf("dispatch notification: %w", err)
	}
	return nil
}

var _ consumer.Handler = (*Handler)(nil)
