// Package models holds the value objects shared by the site runtime and its
// collaborators: snapshots, membership entries, event definitions and the
// protocol surface an endpoint channel must provide.
package models

import (
	"time"

	id "beacon/pkg/domain"
)

// Kind selects the site topology. It is fixed for the lifetime of a Site.
type Kind uint8

const (
	KindSingleService Kind = iota + 1
	KindMultiService
)

func (k Kind) String() string {
	switch k {
	case KindSingleService:
		return "single_service"
	case KindMultiService:
		return "multi_service"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a Site.
type State uint8

const (
	StateInitial State = iota
	StateLoading
	StateRunning
	StateBlank
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateBlank:
		return "blank"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// SiteInfo is the durable tenant record.
type SiteInfo struct {
	ID            id.SiteID
	UID           string
	Kind          Kind
	Enabled       bool
	Eligible      bool
	RoleBased     bool
	StructureHash uint64
}

// HasStructure reports whether a structure was ever accepted for the site.
func (s SiteInfo) HasStructure() bool {
	return s.StructureHash != 0
}

// Settings are the mutable runtime parameters pushed by the sync controllers.
type Settings struct {
	ServicePingPeriod time.Duration
	ClientPingPeriod  time.Duration
}

// Structure is what a first-contact service submits for a blank site.
type Structure struct {
	Events []EventDef
}

// Snapshot is everything the registry returns when a site is loaded.
type Snapshot struct {
	Site     SiteInfo
	Roster   Roster
	Services []ServiceInfo
	Events   []EventDef
	History  []Instance
	Settings Settings
}

// ServiceInfo is the durable record of one backend service instance.
type ServiceInfo struct {
	ID       id.ServiceID
	Hostname string
	Version  string
	Enabled  bool
}
