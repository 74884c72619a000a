// Package sentinel defines the errors registry backends and site components
// return before any domain classification. Callers wrap them freely and
// match with errors.Is.
package sentinel

import "errors"

var (
	// ErrNotFound: the site, service, user or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a create collided with an existing row.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable: the backend could not be reached or is shedding load.
	ErrUnavailable = errors.New("unavailable")
	// ErrUnsupported: the operation does not apply to this kind of site.
	ErrUnsupported = errors.New("unsupported")
)
