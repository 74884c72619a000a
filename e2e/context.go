package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	mgthandler "beacon/internal/mgt/handler"
	mgtservice "beacon/internal/mgt/service"
	"beacon/internal/platform/health"
	"beacon/internal/platform/metrics"
	"beacon/internal/platform/middleware"
	"beacon/internal/registry/memory"
	"beacon/internal/site/models"
	sitesvc "beacon/internal/site/service"
	"beacon/internal/transport/ws"
	id "beacon/pkg/domain"
	tu "beacon/pkg/testutil"
)

const (
	adminToken = "e2e-admin-token"
	signingKey = "e2e-signing-key"
	audience   = "beacon"
	stepWait   = 5 * time.Second
)

// TestContext holds one in-process stack and the state shared between steps.
type TestContext struct {
	BaseURL          string
	HTTPClient       *http.Client
	LastResponse     *http.Response
	LastResponseBody []byte

	ctx       context.Context
	cancel    context.CancelFunc
	server    *httptest.Server
	registry  *memory.Registry
	tracker   *sitesvc.Tracker
	auth      *ws.Authenticator
	siteID    id.SiteID
	endpoints map[string]*endpoint
}

type endpoint struct {
	conn *websocket.Conn
	// inbox buffers messages read while waiting for a different one.
	inbox []models.Message
}

// NewTestContext creates an empty context; Start boots the stack.
func NewTestContext() *TestContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &TestContext{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		ctx:        ctx,
		cancel:     cancel,
		endpoints:  make(map[string]*endpoint),
	}
}

// Start seeds a multi-service site and serves the websocket, admin and
// health routes on a loopback listener.
func (tc *TestContext) Start(seed memory.Site) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	tc.registry = memory.New()
	tc.registry.PutSite(seed)
	tc.siteID = seed.Info.ID

	tc.tracker = sitesvc.NewTracker(tc.registry, sitesvc.WithLogger(logger))
	tc.auth = ws.NewAuthenticator(signingKey, audience)
	dispatcher := mgtservice.NewDispatcher(tc.tracker, mgtservice.WithLogger(logger), mgtservice.WithMetrics(m))

	wsCfg := ws.DefaultConfig()
	wsCfg.ShutdownDelay = 50 * time.Millisecond
	wsServer := ws.NewServer(tc.tracker, tc.auth, ws.WithConfig(wsCfg), ws.WithLogger(logger), ws.WithMetrics(m))
	admin := mgthandler.New(tc.tracker, mgtservice.NewLocalPublisher(dispatcher), logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	health.New("e2e", tc.tracker).Register(r)
	wsServer.Register(r)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdminToken(adminToken, logger))
		r.Use(middleware.ContentTypeJSON)
		admin.Register(r)
	})
	tc.server = httptest.NewServer(r)
	tc.BaseURL = tc.server.URL
}

// Stop closes every channel and the stack.
func (tc *TestContext) Stop() {
	for _, ep := range tc.endpoints {
		_ = ep.conn.Close(websocket.StatusNormalClosure, "")
	}
	if tc.server != nil {
		tc.server.Close()
	}
	if tc.tracker != nil {
		tc.tracker.Terminate()
	}
	tc.cancel()
}

func defaultSeed() memory.Site {
	return tu.NewSiteBuilder().
		WithUser(1, "alice").
		WithService(10, "alpha.local").
		WithService(11, "beta.local").
		WithEvents(tu.QueueingEvent(5, "alarm", 10, time.Minute)).
		AllowGuests(true).
		Build()
}

// Connect opens a channel under name and sends its hello.
func (tc *TestContext) Connect(name string, ident ws.Identity, hello ws.Hello) error {
	ident.SiteID = tc.siteID
	token, err := tc.auth.Issue(ident, time.Now(), time.Minute)
	if err != nil {
		return err
	}
	url := "ws" + strings.TrimPrefix(tc.BaseURL, "http") + "/ws"
	conn, _, err := websocket.Dial(tc.ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	tc.endpoints[name] = &endpoint{conn: conn}
	return tc.Send(name, models.Message{Module: ws.ModuleControl, Tag: ws.TagHello, Body: hello})
}

// Send writes one frame on a named channel.
func (tc *TestContext) Send(name string, msg models.Message) error {
	ep, ok := tc.endpoints[name]
	if !ok {
		return fmt.Errorf("no channel named %q", name)
	}
	data, err := ws.Encode(msg)
	if err != nil {
		return err
	}
	return ep.conn.Write(tc.ctx, websocket.MessageBinary, data)
}

// Await reads until a message with module and tag arrives on name.
func (tc *TestContext) Await(name string, module models.Module, tag models.Tag) (models.Message, error) {
	ep, ok := tc.endpoints[name]
	if !ok {
		return models.Message{}, fmt.Errorf("no channel named %q", name)
	}
	for i, msg := range ep.inbox {
		if msg.Module == module && msg.Tag == tag {
			ep.inbox = append(ep.inbox[:i], ep.inbox[i+1:]...)
			return msg, nil
		}
	}
	ctx, cancel := context.WithTimeout(tc.ctx, stepWait)
	defer cancel()
	for {
		_, data, err := ep.conn.Read(ctx)
		if err != nil {
			return models.Message{}, fmt.Errorf("%s waiting for %d/%d: %w", name, module, tag, err)
		}
		msg, err := ws.Decode(data)
		if err != nil {
			return models.Message{}, err
		}
		if msg.Module == module && msg.Tag == tag {
			return msg, nil
		}
		ep.inbox = append(ep.inbox, msg)
	}
}

// Do issues an HTTP request and stores the response.
func (tc *TestContext) Do(method, path string, body any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(tc.ctx, method, tc.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	tc.LastResponse = resp
	tc.LastResponseBody, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return nil
}

// GetResponseField extracts a top-level field from the JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var data map[string]any
	if err := json.Unmarshal(tc.LastResponseBody, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	value, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("field %s not found in response", field)
	}
	return value, nil
}
