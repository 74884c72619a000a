package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "beacon/pkg/domain-errors"
	"beacon/pkg/platform/sentinel"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

type httpMapping struct {
	status int
	code   string
}

var codeMappings = map[dErrors.Code]httpMapping{
	dErrors.CodeNotFound:      {http.StatusNotFound, "not_found"},
	dErrors.CodeBadRequest:    {http.StatusBadRequest, "bad_request"},
	dErrors.CodeInvalidInput:  {http.StatusBadRequest, "bad_request"},
	dErrors.CodeValidation:    {http.StatusBadRequest, "validation_error"},
	dErrors.CodeConflict:      {http.StatusConflict, "conflict"},
	dErrors.CodeInvalidState:  {http.StatusConflict, "invalid_state"},
	dErrors.CodeUnauthorized:  {http.StatusUnauthorized, "unauthorized"},
	dErrors.CodeUnavailable:   {http.StatusServiceUnavailable, "unavailable"},
	dErrors.CodeRestart:       {http.StatusServiceUnavailable, "unavailable"},
	dErrors.CodeUnsupported:   {http.StatusNotImplemented, "unsupported"},
	dErrors.CodeDataIntegrity: {http.StatusInternalServerError, "data_integrity"},
}

var internalMapping = httpMapping{http.StatusInternalServerError, "internal_error"}

func WriteJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status is already on the wire; an encoding failure cannot be reported.
	_ = json.NewEncoder(w).Encode(response)
}

// WriteError writes err as an ErrorResponse. Bare registry sentinels are
// classified here so handlers can pass them through untouched. Messages of
// internal errors are never exposed.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	if code == "" {
		code = sentinelCode(err)
	}
	m := mappingFor(code)
	resp := ErrorResponse{Error: m.code}
	var domainErr *dErrors.Error
	if m != internalMapping && errors.As(err, &domainErr) {
		resp.Description = domainErr.Message
	}
	WriteJSON(w, m.status, resp)
}

// StatusFor returns the HTTP status a domain code is reported with.
func StatusFor(code dErrors.Code) int {
	return mappingFor(code).status
}

func mappingFor(code dErrors.Code) httpMapping {
	if m, ok := codeMappings[code]; ok {
		return m
	}
	return internalMapping
}

func sentinelCode(err error) dErrors.Code {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.CodeNotFound
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.CodeConflict
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.CodeUnavailable
	case errors.Is(err, sentinel.ErrUnsupported):
		return dErrors.CodeUnsupported
	default:
		return dErrors.CodeInternal
	}
}
