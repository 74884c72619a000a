package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"beacon/internal/platform/metrics"
	"beacon/internal/site/models"
)

var (
	ErrClosed      = errors.New("channel closed")
	ErrSlowChannel = errors.New("channel send queue full")
)

// Conn is one websocket channel. It implements models.Installer: every method
// only enqueues, so it is safe to call with the site mutex held. A single
// writer goroutine drains the queue.
type Conn struct {
	ws      *websocket.Conn
	channel uuid.UUID
	role    Role
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeTimeout  time.Duration
	shutdownDelay time.Duration

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	shuttingDown bool
	closeStatus  websocket.StatusCode
	closeReason  string
}

func newConn(ctx context.Context, wsConn *websocket.Conn, channel uuid.UUID, role Role, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{
		ws:            wsConn,
		channel:       channel,
		role:          role,
		logger:        logger,
		metrics:       m,
		writeTimeout:  cfg.WriteTimeout,
		shutdownDelay: cfg.ShutdownDelay,
		out:           make(chan []byte, cfg.SendQueue),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		closeStatus:   websocket.StatusNormalClosure,
	}
}

func (c *Conn) ChannelID() uuid.UUID { return c.channel }

func (c *Conn) Send(msg models.Message) error {
	c.mu.Lock()
	stopping := c.shuttingDown
	c.mu.Unlock()
	if stopping {
		return ErrClosed
	}
	return c.enqueue(msg)
}

func (c *Conn) enqueue(msg models.Message) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		c.metrics.IncrementSent(moduleName(msg.Module))
		return nil
	default:
		c.logger.Warn("dropping slow channel", "channel_id", c.channel.String())
		c.closeWith(websocket.StatusPolicyViolation, "send queue full")
		return ErrSlowChannel
	}
}

// Shutdown sends the shutdown notice and closes once the writer had a chance
// to flush it.
func (c *Conn) Shutdown(code models.ErrorCode) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	c.mu.Unlock()

	_ = c.enqueue(models.Message{Module: ModuleControl, Tag: TagShutdown, Body: ShutdownNotice{Code: code}})
	time.AfterFunc(c.shutdownDelay, func() {
		c.closeWith(websocket.StatusNormalClosure, code.String())
	})
}

func (c *Conn) Close() {
	c.closeWith(websocket.StatusNormalClosure, "closed")
}

func (c *Conn) closeWith(status websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.ctx.Err() == nil {
		c.closeStatus = status
		c.closeReason = reason
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Conn) SetParked(reason models.ParkReason) {
	_ = c.Send(models.Message{Module: ModuleControl, Tag: TagParked, Body: ParkedNotice{Reason: reason}})
}

func (c *Conn) SetOnline() {
	_ = c.Send(models.Message{Module: ModuleControl, Tag: TagOnline})
}

// Done is closed once the writer has stopped and the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// writeLoop runs until the channel is closed, then closes the socket with the
// recorded status.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.mu.Lock()
			status, reason := c.closeStatus, c.closeReason
			c.mu.Unlock()
			_ = c.ws.Close(status, reason)
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("channel write failed", "channel_id", c.channel.String(), "error", err)
				}
				c.closeWith(websocket.StatusGoingAway, "write failed")
			}
		}
	}
}

var _ models.Installer = (*Conn)(nil)
