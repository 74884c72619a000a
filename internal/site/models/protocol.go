package models

//go:generate mockgen -source=protocol.go -destination=mocks/installer_mock.go -package=mocks Installer

import (
	"github.com/google/uuid"

	id "beacon/pkg/domain"
)

// Module identifies the protocol module a message belongs to.
type Module uint8

const (
	ModuleMembership Module = iota + 1
	ModuleTopology
	ModuleEvents
	ModuleSync
)

// Tag identifies a message within its module.
type Tag uint8

// Membership tags (site -> service, and the guest reclassification to clients).
const (
	TagUserIncluded Tag = iota + 1
	TagUserUpdated
	TagUserRemoved
	TagRoleList
	TagGuestStatus
	TagMembershipHash
	TagClientReclassified
)

// Topology tags (site -> client, plus the hostname correction to a service).
const (
	TagServiceList Tag = iota + 1
	TagServiceIncluded
	TagServiceRemoved
	TagServiceUpdated
	TagServiceOnline
	TagServiceOffline
	TagHostnameCorrection
)

// Event tags. Raise* and Subscribe/Ack/Unsubscribe are inbound.
const (
	TagRaiseREvent Tag = iota + 1
	TagRaiseQEvent
	TagRaisePEvent
	TagSubscribe
	TagAck
	TagUnsubscribe
	TagDeliver
	TagSubscriptionDenied
	TagRaiseAccepted
)

// Sync tags.
const (
	TagKeepAlive Tag = iota + 1
)

// Message is one protocol message. Body is one of the typed bodies below.
type Message struct {
	Module Module
	Tag    Tag
	Body   any
}

// ErrorCode is sent with Shutdown to tell an endpoint why it is being dropped.
type ErrorCode uint16

const (
	CodeRestart ErrorCode = iota + 1
	CodeDuplicateKey
	CodeDataIntegrity
	CodeClientNotRegistered
	CodeSiteDeleted
	CodeSiteDisabled
	CodeServiceNotRegistered
	CodeServiceDisabled
	CodeStructureRequired
	CodeStructureMismatch
	CodeGuestNotAllowed
	CodeUnsupported
	CodeServerShutdown
)

func (c ErrorCode) String() string {
	switch c {
	case CodeRestart:
		return "restart"
	case CodeDuplicateKey:
		return "duplicate_key"
	case CodeDataIntegrity:
		return "data_integrity"
	case CodeClientNotRegistered:
		return "client_not_registered"
	case CodeSiteDeleted:
		return "site_deleted"
	case CodeSiteDisabled:
		return "site_disabled"
	case CodeServiceNotRegistered:
		return "service_not_registered"
	case CodeServiceDisabled:
		return "service_disabled"
	case CodeStructureRequired:
		return "structure_required"
	case CodeStructureMismatch:
		return "structure_mismatch"
	case CodeGuestNotAllowed:
		return "guest_not_allowed"
	case CodeUnsupported:
		return "unsupported"
	case CodeServerShutdown:
		return "server_shutdown"
	default:
		return "unknown"
	}
}

// ParkReason tells a parked endpoint why it is admitted but inactive.
type ParkReason uint16

const (
	ParkPendingAuthorization ParkReason = iota + 1
	ParkSiteBlank
	ParkStructurePending
	ParkSiteDisabled
	ParkServiceDisabled
)

// Installer is the per-endpoint channel handle the site drives. Implementations
// must be safe for concurrent use; the site calls them while holding its mutex,
// so they must not block on network I/O.
type Installer interface {
	// ChannelID is the protocol-level channel identity claimed at handshake.
	ChannelID() uuid.UUID
	Send(msg Message) error
	// Shutdown notifies the endpoint with code and closes after a short delay.
	Shutdown(code ErrorCode)
	// Close drops the channel immediately.
	Close()
	SetParked(reason ParkReason)
	SetOnline()
}

// ServiceHello is what a service presents when it connects.
type ServiceHello struct {
	ServiceID      id.ServiceID
	Hostname       string
	Version        string
	StructureHash  uint64
	Structure      *Structure
	MembershipHash uint64
	KnownMembers   map[id.UserID]uint64
}

// ClientHello is what a client presents when it connects. Guests leave the
// identity fields zero.
type ClientHello struct {
	UserID        id.UserID
	ClientID      id.ClientID
	TopologyHash  uint64
	Subscriptions []Subscribe
}

// Wire bodies.

type UserEntry struct {
	ID    id.UserID
	Name  string
	Roles []id.RoleID
	Hash  uint64
}

type UserRemoved struct {
	ID id.UserID
}

type RoleList struct {
	Roles []MRole
}

type GuestStatus struct {
	GuestAllowed     bool
	StatelessAllowed bool
}

type MembershipHash struct {
	Hash uint64
}

type ClientReclassified struct {
	Guest bool
}

type ServiceEntry struct {
	ID       id.ServiceID
	Hostname string
	Version  string
	Enabled  bool
	Online   bool
}

type ServiceList struct {
	Services []ServiceEntry
	Hash     uint64
}

type ServiceRef struct {
	ID id.ServiceID
}

type HostnameCorrection struct {
	Hostname string
}

type RaiseEvent struct {
	Event     id.EventID
	Addressee id.ClientID
	Args      []byte
	Null      bool
}

type RaiseAccepted struct {
	Event    id.EventID
	Instance id.InstanceID
}

type Subscribe struct {
	Event     id.EventID
	Delivered id.InstanceID
}

type Ack struct {
	Event    id.EventID
	Instance id.InstanceID
}

type Unsubscribe struct {
	Event id.EventID
}

type Delivery struct {
	Event       id.EventID
	Kind        EventKind
	Instance    id.InstanceID
	Service     id.ServiceID
	CreatedAt   int64
	Args        []byte
	ArgsDropped bool
	Null        bool
}

type SubscriptionDenied struct {
	Event id.EventID
}

type KeepAlive struct {
	PeriodSeconds uint32
}

// DeliveryOf builds the wire body for an instance.
func DeliveryOf(kind EventKind, inst Instance) Delivery {
	return Delivery{
		Event:       inst.Event,
		Kind:        kind,
		Instance:    inst.ID,
		Service:     inst.Service,
		CreatedAt:   inst.CreatedAt.UnixMilli(),
		Args:        inst.Args,
		ArgsDropped: inst.ArgsDropped,
		Null:        inst.Null,
	}
}
