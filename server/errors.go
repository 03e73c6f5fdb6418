/******************************************************************************
 *
 *  Description :
 *
 *    Centralized mapping from internal errors to the wire's
 *    {success, description} envelope, the same single-point-of-
 *    translation role the source repo's Err* constructors play for its
 *    own ServerComMessage frames.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// FleetKind classifies a FleetError for HTTP status mapping.
type FleetKind int

const (
	KindTransient FleetKind = iota
	KindNotFound
	KindForbidden
	KindConflict
	KindAcquireError
	KindReleaseError
	KindBadRequest
	KindUnauthorized
)

// FleetError is the error type returned by business-logic functions, on
// its way up to the HTTP layer for translation.
type FleetError struct {
	Kind FleetKind
	Err  error
}

func (e *FleetError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "fleet error"
}

func newFleetError(kind FleetKind, err error) *FleetError {
	return &FleetError{Kind: kind, Err: err}
}

var errForbidden = errors.New("http: caller may not perform this action")

func classify(err error) *FleetError {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return newFleetError(KindNotFound, err)
	case errors.Is(err, ErrAbsent), errors.Is(err, ErrBusy), errors.Is(err, ErrColding):
		return newFleetError(KindAcquireError, err)
	case errors.Is(err, ErrNotHolder):
		return newFleetError(KindReleaseError, err)
	default:
		return newFleetError(KindTransient, err)
	}
}

func (e *FleetError) statusCode() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindAcquireError, KindReleaseError:
		return http.StatusForbidden
	case KindConflict, KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends the standard error envelope. Transient errors never
// leak their wrapped message to the client; they are logged instead and
// the client gets a generic description.
func writeError(w http.ResponseWriter, err error) {
	fe := classify(err)
	desc := fe.Error()
	if fe.Kind == KindTransient {
		log.Printf("http: internal error: %v", err)
		desc = "internal error"
	}
	writeJSON(w, fe.statusCode(), map[string]interface{}{
		"success":     false,
		"description": desc,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
