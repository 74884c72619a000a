package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/cucumber/godog"
	"github.com/google/uuid"

	"beacon/internal/site/models"
	"beacon/internal/transport/ws"
	id "beacon/pkg/domain"
)

// RegisterSteps registers all step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Background steps
	ctx.Step(`^the beacon stack is running$`, tc.stackIsRunning)

	// Channel steps
	ctx.Step(`^service (\d+) (?:connects|is connected) as "([^"]*)"$`, tc.serviceConnects)
	ctx.Step(`^client "([^"]*)" of user (\d+) (?:connects|is connected) subscribed to event (\d+)$`, tc.clientConnectsSubscribed)
	ctx.Step(`^guest "([^"]*)" (?:connects|is connected)$`, tc.guestConnects)
	ctx.Step(`^"([^"]*)" raises event (\d+) with args "([^"]*)"$`, tc.raisesEvent)
	ctx.Step(`^"([^"]*)" tries to raise event (\d+)$`, tc.triesToRaise)
	ctx.Step(`^service (\d+) is removed from the registry$`, tc.serviceRemoved)

	// Admin steps
	ctx.Step(`^I GET "([^"]*)" as admin$`, tc.getAsAdmin)
	ctx.Step(`^I GET "([^"]*)" without the admin token$`, tc.getWithoutAdminToken)
	ctx.Step(`^an admin publishes a "([^"]*)" notification$`, tc.publishNotification)
	ctx.Step(`^an admin publishes a "([^"]*)" notification for service (\d+)$`, tc.publishServiceNotification)

	// Assertion steps
	ctx.Step(`^"([^"]*)" should receive event (\d+) with args "([^"]*)" from service (\d+)$`, tc.shouldReceiveEvent)
	ctx.Step(`^"([^"]*)" should be shut down$`, tc.shouldBeShutDown)
	ctx.Step(`^"([^"]*)" should be disconnected for a policy violation$`, tc.shouldBeDisconnected)
	ctx.Step(`^the response status should be (\d+)$`, tc.responseStatusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should equal "([^"]*)"$`, tc.responseFieldShouldEqual)
}

func (tc *TestContext) stackIsRunning(context.Context) error {
	tc.Start(defaultSeed())
	return nil
}

func (tc *TestContext) serviceConnects(_ context.Context, service int, hostname string) error {
	err := tc.Connect(hostname,
		ws.Identity{Role: ws.RoleService, ServiceID: id.ServiceID(service)},
		ws.Hello{Service: &models.ServiceHello{Hostname: hostname, Version: "1.0"}})
	if err != nil {
		return err
	}
	_, err = tc.Await(hostname, ws.ModuleControl, ws.TagOnline)
	return err
}

func (tc *TestContext) clientConnectsSubscribed(_ context.Context, name string, user, event int) error {
	err := tc.Connect(name,
		ws.Identity{Role: ws.RoleClient, UserID: id.UserID(user), ClientID: id.ClientID(100 + len(tc.endpoints))},
		ws.Hello{Channel: uuid.New(), Client: &models.ClientHello{
			Subscriptions: []models.Subscribe{{Event: id.EventID(event)}},
		}})
	if err != nil {
		return err
	}
	_, err = tc.Await(name, ws.ModuleControl, ws.TagOnline)
	return err
}

func (tc *TestContext) guestConnects(_ context.Context, name string) error {
	if err := tc.Connect(name, ws.Identity{Role: ws.RoleGuest}, ws.Hello{Client: &models.ClientHello{}}); err != nil {
		return err
	}
	_, err := tc.Await(name, ws.ModuleControl, ws.TagOnline)
	return err
}

func (tc *TestContext) raisesEvent(_ context.Context, name string, event int, args string) error {
	err := tc.Send(name, models.Message{Module: models.ModuleEvents, Tag: models.TagRaiseQEvent,
		Body: models.RaiseEvent{Event: id.EventID(event), Args: []byte(args)}})
	if err != nil {
		return err
	}
	msg, err := tc.Await(name, models.ModuleEvents, models.TagRaiseAccepted)
	if err != nil {
		return err
	}
	if accepted := msg.Body.(models.RaiseAccepted); accepted.Event != id.EventID(event) {
		return fmt.Errorf("accepted event %d, raised %d", accepted.Event, event)
	}
	return nil
}

func (tc *TestContext) triesToRaise(_ context.Context, name string, event int) error {
	return tc.Send(name, models.Message{Module: models.ModuleEvents, Tag: models.TagRaiseQEvent,
		Body: models.RaiseEvent{Event: id.EventID(event)}})
}

func (tc *TestContext) serviceRemoved(_ context.Context, service int) error {
	return tc.registry.DeleteService(tc.siteID, id.ServiceID(service))
}

func (tc *TestContext) getAsAdmin(_ context.Context, path string) error {
	return tc.Do("GET", path, nil, map[string]string{"X-Admin-Token": adminToken})
}

func (tc *TestContext) getWithoutAdminToken(_ context.Context, path string) error {
	return tc.Do("GET", path, nil, nil)
}

func (tc *TestContext) publishNotification(_ context.Context, kind string) error {
	return tc.Do("POST", "/admin/sites/"+tc.siteID.String()+"/notifications",
		map[string]any{"kind": kind},
		map[string]string{"X-Admin-Token": adminToken})
}

func (tc *TestContext) publishServiceNotification(_ context.Context, kind string, service int) error {
	return tc.Do("POST", "/admin/sites/"+tc.siteID.String()+"/notifications",
		map[string]any{"kind": kind, "service_id": service},
		map[string]string{"X-Admin-Token": adminToken})
}

func (tc *TestContext) shouldReceiveEvent(_ context.Context, name string, event int, args string, service int) error {
	msg, err := tc.Await(name, models.ModuleEvents, models.TagDeliver)
	if err != nil {
		return err
	}
	d := msg.Body.(models.Delivery)
	switch {
	case d.Event != id.EventID(event):
		return fmt.Errorf("delivered event %d, want %d", d.Event, event)
	case d.Service != id.ServiceID(service):
		return fmt.Errorf("delivered from service %d, want %d", d.Service, service)
	case !bytes.Equal(d.Args, []byte(args)):
		return fmt.Errorf("delivered args %q, want %q", d.Args, args)
	}
	return nil
}

func (tc *TestContext) shouldBeShutDown(_ context.Context, name string) error {
	_, err := tc.Await(name, ws.ModuleControl, ws.TagShutdown)
	return err
}

func (tc *TestContext) shouldBeDisconnected(_ context.Context, name string) error {
	ep, ok := tc.endpoints[name]
	if !ok {
		return fmt.Errorf("no channel named %q", name)
	}
	ctx, cancel := context.WithTimeout(tc.ctx, stepWait)
	defer cancel()
	for {
		if _, _, err := ep.conn.Read(ctx); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
				return fmt.Errorf("channel ended with %v, want policy violation", err)
			}
			return nil
		}
	}
}

func (tc *TestContext) responseStatusShouldBe(_ context.Context, expectedStatus int) error {
	if tc.LastResponse.StatusCode != expectedStatus {
		return fmt.Errorf("expected status %d but got %d", expectedStatus, tc.LastResponse.StatusCode)
	}
	return nil
}

func (tc *TestContext) responseFieldShouldEqual(_ context.Context, field, expectedValue string) error {
	var data map[string]any
	if err := json.Unmarshal(tc.LastResponseBody, &data); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	actualValue, ok := data[field]
	if !ok {
		return fmt.Errorf("field %s not found in response", field)
	}
	if strings.TrimSpace(fmt.Sprint(actualValue)) != expectedValue {
		return fmt.Errorf("field %s: expected %s but got %v", field, expectedValue, actualValue)
	}
	return nil
}
