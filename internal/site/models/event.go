package models

import (
	"time"

	id "beacon/pkg/domain"
)

// EventKind is the distribution policy of an event definition.
type EventKind uint8

const (
	// Replacing keeps at most one live instance per originating service.
	Replacing EventKind = iota + 1
	// Queueing keeps a bounded FIFO per originating service.
	Queueing
	// Private keeps a bounded FIFO per originating service, each instance
	// addressed to a single client.
	Private
)

func (k EventKind) String() string {
	switch k {
	case Replacing:
		return "replacing"
	case Queueing:
		return "queueing"
	case Private:
		return "private"
	default:
		return "unknown"
	}
}

const (
	// PrivateQueueSize caps private backlogs per originating service.
	PrivateQueueSize = 1000
	// MaxInlineArgs is the largest argument payload kept in memory. Larger
	// payloads stay durable in the registry only.
	MaxInlineArgs = 1024
)

// EventDef is an immutable event definition loaded with the site structure.
type EventDef struct {
	ID              id.EventID
	Name            string
	Kind            EventKind
	QueueSize       int
	Lifetime        time.Duration
	Roles           []id.RoleID
	GuestAccess     bool
	StatelessAccess bool
}

// Capacity is the per-service backlog bound for the definition.
func (d EventDef) Capacity() int {
	switch d.Kind {
	case Replacing:
		return 1
	case Private:
		return PrivateQueueSize
	default:
		if d.QueueSize < 1 {
			return 1
		}
		return d.QueueSize
	}
}

// Expires reports whether the definition has a finite lifetime.
func (d EventDef) Expires() bool {
	return d.Lifetime > 0 && d.Kind != Replacing
}

// Instance is one raised event. ID is assigned by the registry and is strictly
// increasing per event definition.
type Instance struct {
	Event       id.EventID
	ID          id.InstanceID
	Service     id.ServiceID
	Addressee   id.ClientID
	CreatedAt   time.Time
	Args        []byte
	ArgsDropped bool
	Null        bool
}

// Trimmed returns a copy suitable for the in-memory backlog: oversized
// arguments are dropped and flagged.
func (i Instance) Trimmed() Instance {
	if len(i.Args) > MaxInlineArgs {
		i.Args = nil
		i.ArgsDropped = true
	}
	return i
}

// Subscription is a per-client, per-event delivery cursor. Delivered is the
// watermark; Pending correlates the one in-flight delivery with its ack.
type Subscription struct {
	Event      id.EventID
	Kind       EventKind
	Delivered  id.InstanceID
	Pending    id.InstanceID
	Authorized bool
}

// Idle reports whether the subscription can take a new delivery.
func (s *Subscription) Idle() bool {
	return s.Authorized && s.Pending == 0
}
