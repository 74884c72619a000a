package ws

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"beacon/internal/site/models"
)

// Every websocket message is one binary frame holding a CBOR array
// [module, tag, body]. Module zero carries channel control.
const ModuleControl models.Module = 0

const (
	TagHello models.Tag = iota + 1
	TagShutdown
	TagParked
	TagOnline
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ws: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("ws: CBOR decoder initialization failed: " + err.Error())
	}
}

type frame struct {
	_      struct{} `cbor:",toarray"`
	Module models.Module
	Tag    models.Tag
	Body   cbor.RawMessage
}

// Hello is the first frame an endpoint sends after the upgrade. Exactly one
// of Service and Client is set, matching the role in the handshake token.
type Hello struct {
	Channel uuid.UUID            `cbor:"1,keyasint"`
	Service *models.ServiceHello `cbor:"2,keyasint,omitempty"`
	Client  *models.ClientHello  `cbor:"3,keyasint,omitempty"`
}

type ShutdownNotice struct {
	Code models.ErrorCode
}

type ParkedNotice struct {
	Reason models.ParkReason
}

// Encode renders msg as a frame.
func Encode(msg models.Message) ([]byte, error) {
	body, err := encMode.Marshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	data, err := encMode.Marshal(frame{Module: msg.Module, Tag: msg.Tag, Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func decodeBody(raw cbor.RawMessage, v any) error {
	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// Decode parses a frame and its body into a typed message. It is the inverse
// of Encode for the bodies endpoints receive.
func Decode(data []byte) (models.Message, error) {
	f, err := decodeFrame(data)
	if err != nil {
		return models.Message{}, err
	}
	body, err := newBody(f.Module, f.Tag)
	if err != nil {
		return models.Message{}, err
	}
	if body == nil {
		return models.Message{Module: f.Module, Tag: f.Tag}, nil
	}
	if err := decodeBody(f.Body, body); err != nil {
		return models.Message{}, err
	}
	return models.Message{Module: f.Module, Tag: f.Tag, Body: reflect.ValueOf(body).Elem().Interface()}, nil
}

func newBody(module models.Module, tag models.Tag) (any, error) {
	type key struct {
		m models.Module
		t models.Tag
	}
	switch (key{module, tag}) {
	case key{ModuleControl, TagHello}:
		return &Hello{}, nil
	case key{ModuleControl, TagShutdown}:
		return &ShutdownNotice{}, nil
	case key{ModuleControl, TagParked}:
		return &ParkedNotice{}, nil
	case key{ModuleControl, TagOnline}:
		return nil, nil
	case key{models.ModuleMembership, models.TagUserIncluded}, key{models.ModuleMembership, models.TagUserUpdated}:
		return &models.UserEntry{}, nil
	case key{models.ModuleMembership, models.TagUserRemoved}:
		return &models.UserRemoved{}, nil
	case key{models.ModuleMembership, models.TagRoleList}:
		return &models.RoleList{}, nil
	case key{models.ModuleMembership, models.TagGuestStatus}:
		return &models.GuestStatus{}, nil
	case key{models.ModuleMembership, models.TagMembershipHash}:
		return &models.MembershipHash{}, nil
	case key{models.ModuleMembership, models.TagClientReclassified}:
		return &models.ClientReclassified{}, nil
	case key{models.ModuleTopology, models.TagServiceList}:
		return &models.ServiceList{}, nil
	case key{models.ModuleTopology, models.TagServiceIncluded}, key{models.ModuleTopology, models.TagServiceUpdated}:
		return &models.ServiceEntry{}, nil
	case key{models.ModuleTopology, models.TagServiceRemoved},
		key{models.ModuleTopology, models.TagServiceOnline},
		key{models.ModuleTopology, models.TagServiceOffline}:
		return &models.ServiceRef{}, nil
	case key{models.ModuleTopology, models.TagHostnameCorrection}:
		return &models.HostnameCorrection{}, nil
	case key{models.ModuleEvents, models.TagRaiseREvent},
		key{models.ModuleEvents, models.TagRaiseQEvent},
		key{models.ModuleEvents, models.TagRaisePEvent}:
		return &models.RaiseEvent{}, nil
	case key{models.ModuleEvents, models.TagSubscribe}:
		return &models.Subscribe{}, nil
	case key{models.ModuleEvents, models.TagAck}:
		return &models.Ack{}, nil
	case key{models.ModuleEvents, models.TagUnsubscribe}:
		return &models.Unsubscribe{}, nil
	case key{models.ModuleEvents, models.TagDeliver}:
		return &models.Delivery{}, nil
	case key{models.ModuleEvents, models.TagSubscriptionDenied}:
		return &models.SubscriptionDenied{}, nil
	case key{models.ModuleEvents, models.TagRaiseAccepted}:
		return &models.RaiseAccepted{}, nil
	case key{models.ModuleSync, models.TagKeepAlive}:
		return &models.KeepAlive{}, nil
	}
	return nil, fmt.Errorf("unknown message %d/%d", module, tag)
}

func moduleName(m models.Module) string {
	switch m {
	case ModuleControl:
		return "control"
	case models.ModuleMembership:
		return "membership"
	case models.ModuleTopology:
		return "topology"
	case models.ModuleEvents:
		return "events"
	case models.ModuleSync:
		return "sync"
	default:
		return "unknown"
	}
}
