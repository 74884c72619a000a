// Package refresh implements the coalescing refresh flag used whenever an
// entity can receive several "please refresh" signals while a refresh of it
// is already in flight.
//
// Flags carry no lock of their own: they are read and written only while the
// owning site's mutex is held.
package refresh

import "context"

// State is the three-valued coalescing state of one entity.
type State uint8

const (
	Idle State = iota
	Refreshing
	// Retrigger means a refresh is in flight and exactly one more must follow it.
	Retrigger
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case Retrigger:
		return "retrigger"
	default:
		return "unknown"
	}
}

// Flag coalesces refresh requests for a single entity.
type Flag struct {
	state State
}

// Trigger records a refresh request. It returns true only on the
// idle->refreshing transition, in which case the caller must start the refresh.
func (f *Flag) Trigger() bool {
	switch f.state {
	case Idle:
		f.state = Refreshing
		return true
	default:
		f.state = Retrigger
		return false
	}
}

// Done records completion of the in-flight refresh. It returns true when a
// request arrived meanwhile and the caller must start one more refresh.
func (f *Flag) Done() bool {
	if f.state == Retrigger {
		f.state = Refreshing
		return true
	}
	f.state = Idle
	return false
}

// State returns the current state.
func (f *Flag) State() State {
	return f.state
}

// Busy reports whether a refresh is in flight.
func (f *Flag) Busy() bool {
	return f.state != Idle
}

// Set is a family of flags keyed by entity id. Idle entries are dropped so the
// set only holds entities with a refresh in flight.
type Set[K comparable] struct {
	flags map[K]*Flag
}

// Trigger is Flag.Trigger for key.
func (s *Set[K]) Trigger(key K) bool {
	if s.flags == nil {
		s.flags = make(map[K]*Flag)
	}
	f, ok := s.flags[key]
	if !ok {
		f = &Flag{}
		s.flags[key] = f
	}
	return f.Trigger()
}

// Done is Flag.Done for key.
func (s *Set[K]) Done(key K) bool {
	f, ok := s.flags[key]
	if !ok {
		return false
	}
	again := f.Done()
	if !again {
		delete(s.flags, key)
	}
	return again
}

// Busy reports whether key has a refresh in flight.
func (s *Set[K]) Busy(key K) bool {
	f, ok := s.flags[key]
	return ok && f.Busy()
}

// Len returns the number of entities with a refresh in flight.
func (s *Set[K]) Len() int {
	return len(s.flags)
}

// Runner executes a refresh round-trip on behalf of a component. fetch runs
// without the site lock held; commit runs with it held, and only if the site
// is still able to accept mutations. A fetch error is escalated to site
// teardown by the runner and commit is skipped.
type Runner interface {
	Run(name string, fetch func(ctx context.Context) error, commit func())
}
