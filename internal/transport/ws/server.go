// Package ws carries the endpoint protocol over websockets. A channel opens
// with a JWT handshake token and a CBOR hello frame, is installed into its
// site, and then exchanges (module, tag) framed messages until either side
// closes it.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"beacon/internal/platform/metrics"
	"beacon/internal/platform/privacy"
	"beacon/internal/site/models"
	sitesvc "beacon/internal/site/service"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
	"beacon/pkg/platform/httputil"
)

// SiteAcquirer returns the resident site for a tenant, loading it if needed.
type SiteAcquirer interface {
	Acquire(ctx context.Context, siteID id.SiteID) (*sitesvc.Site, error)
}

type Config struct {
	HelloTimeout   time.Duration
	WriteTimeout   time.Duration
	ShutdownDelay  time.Duration
	SendQueue      int
	ReadLimit      int64
	OriginPatterns []string
}

func DefaultConfig() Config {
	return Config{
		HelloTimeout:  10 * time.Second,
		WriteTimeout:  5 * time.Second,
		ShutdownDelay: time.Second,
		SendQueue:     256,
		ReadLimit:     1 << 20,
	}
}

type Server struct {
	sites   SiteAcquirer
	auth    *Authenticator
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Server)

func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func NewServer(sites SiteAcquirer, auth *Authenticator, opts ...Option) *Server {
	s := &Server{
		sites:  sites,
		auth:   auth,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(r chi.Router) {
	r.Get("/ws", s.ServeHTTP)
}

// ServeHTTP runs one channel for its whole life.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, err := s.auth.Verify(bearerToken(r))
	if err != nil {
		s.metrics.IncrementHandshakeFailures("token")
		s.logger.WarnContext(ctx, "handshake rejected", "error", err)
		httputil.WriteError(w, err)
		return
	}
	site, err := s.sites.Acquire(ctx, ident.SiteID)
	if err != nil {
		s.metrics.IncrementHandshakeFailures("site")
		s.logger.WarnContext(ctx, "site unavailable", "site_id", ident.SiteID.String(), "error", err)
		httputil.WriteError(w, err)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.metrics.IncrementHandshakeFailures("upgrade")
		return
	}
	wsConn.SetReadLimit(s.cfg.ReadLimit)

	hello, err := s.readHello(ctx, wsConn, ident)
	if err != nil {
		s.metrics.IncrementHandshakeFailures("hello")
		s.logger.WarnContext(ctx, "invalid hello", "site_id", ident.SiteID.String(), "role", ident.Role, "error", err)
		_ = wsConn.Close(websocket.StatusPolicyViolation, "invalid hello")
		return
	}

	logger := s.logger.With("site_id", ident.SiteID.String(), "role", string(ident.Role), "channel_id", hello.Channel.String())
	ua := useragent.New(r.UserAgent())
	agent, version := ua.Browser()
	logger.InfoContext(ctx, "channel opened",
		privacy.RemoteAttr(r.RemoteAddr),
		"agent", agent,
		"agent_version", version,
		"os", ua.OS(),
	)

	conn := newConn(ctx, wsConn, hello.Channel, ident.Role, s.cfg, logger, s.metrics)
	go conn.writeLoop()
	s.metrics.ChannelOpened(string(ident.Role))
	defer s.metrics.ChannelClosed(string(ident.Role))

	sess := install(site, ident, hello, conn)
	s.readLoop(sess, logger)

	conn.Close()
	site.Uninstall(sess.endpoint())
	<-conn.Done()
	logger.InfoContext(ctx, "channel closed")
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// readHello reads the first frame and binds it to the verified identity.
func (s *Server) readHello(ctx context.Context, wsConn *websocket.Conn, ident Identity) (Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HelloTimeout)
	defer cancel()
	typ, data, err := wsConn.Read(ctx)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if typ != websocket.MessageBinary {
		return Hello{}, errors.New("hello must be a binary frame")
	}
	f, err := decodeFrame(data)
	if err != nil {
		return Hello{}, err
	}
	if f.Module != ModuleControl || f.Tag != TagHello {
		return Hello{}, fmt.Errorf("expected hello, got %d/%d", f.Module, f.Tag)
	}
	var hello Hello
	if err := decodeBody(f.Body, &hello); err != nil {
		return Hello{}, err
	}
	if hello.Channel == uuid.Nil {
		hello.Channel = uuid.New()
	}

	switch ident.Role {
	case RoleService:
		if hello.Service == nil || hello.Client != nil {
			return Hello{}, errors.New("service token requires a service hello")
		}
		hello.Service.ServiceID = ident.ServiceID
	default:
		if hello.Client == nil || hello.Service != nil {
			return Hello{}, errors.New("client token requires a client hello")
		}
		hello.Client.UserID = ident.UserID
		hello.Client.ClientID = ident.ClientID
	}
	return hello, nil
}

// readLoop dispatches inbound frames until the channel ends.
func (s *Server) readLoop(sess *session, logger *slog.Logger) {
	conn := sess.conn
	routes := clientRoutes
	if sess.service != nil {
		routes = serviceRoutes
	}
	for {
		typ, data, err := conn.ws.Read(conn.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			conn.closeWith(websocket.StatusUnsupportedData, "binary frames only")
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			conn.closeWith(websocket.StatusInvalidFramePayloadData, "malformed frame")
			return
		}
		s.metrics.IncrementReceived(moduleName(f.Module))

		handle, ok := routes[route{f.Module, f.Tag}]
		if !ok {
			logger.Warn("unexpected message", "module", f.Module, "tag", f.Tag)
			conn.closeWith(websocket.StatusPolicyViolation, "unexpected message")
			return
		}
		if err := handle(conn.ctx, sess, f); err != nil {
			if errors.Is(err, errMalformed) {
				logger.Warn("malformed message", "module", f.Module, "tag", f.Tag, "error", err)
				conn.closeWith(websocket.StatusInvalidFramePayloadData, "malformed message")
				return
			}
			if dErrors.HasCode(err, dErrors.CodeRestart) {
				logger.Info("channel restarting", "error", err)
				conn.Shutdown(models.CodeRestart)
				continue
			}
			logger.Warn("message rejected", "module", f.Module, "tag", f.Tag, "error", err)
		}
	}
}
