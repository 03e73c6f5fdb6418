// Package auth defines the interface between the broker and pluggable
// authentication schemes, and the registry that binds scheme names
// (such as "token") to implementations at init() time.
package auth

import (
	"errors"
	"time"

	t "github.com/fleetdesk/broker/server/store/types"
)

// Level is the authentication level granted to a principal. Device-fleet
// has no anonymous-write tier: a caller is either unauthenticated or
// fully authenticated as a known user. Administrative privilege is a
// flag on the User record (t.User.IsAdmin), not a Level, because it can
// change without re-issuing credentials.
type Level int

const (
	// LevelNone indicates failed or absent authentication.
	LevelNone Level = iota
	// LevelAuth is a fully authenticated principal.
	LevelAuth
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelAuth:
		return "auth"
	default:
		return "none"
	}
}

// Error codes returned by authenticators, identical in spirit to the
// token scheme's own error taxonomy.
const (
	NoErr = iota
	ErrInternal
	ErrMalformed
	ErrFailed
	ErrExpired
	ErrUnsupported
)

// AuthErr wraps an authenticator error code with the underlying error.
type AuthErr struct {
	Code int
	Err  error
}

// NewErr constructs an AuthErr.
func NewErr(code int, err error) AuthErr {
	return AuthErr{Code: code, Err: err}
}

// IsError reports whether the AuthErr represents a failure.
func (e AuthErr) IsError() bool {
	return e.Code != NoErr
}

func (e AuthErr) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "auth: unspecified error"
}

// ErrUnsupportedOp is returned by scheme methods that a given scheme
// does not implement (e.g. a cookie scheme has no GenSecret).
var ErrUnsupportedOp = errors.New("auth: operation not supported by this scheme")

// Handler is implemented by a concrete authentication scheme. It mirrors
// the token scheme's own method set so every scheme — bearer token today,
// signed cookie tomorrow — plugs into the same registry and session code.
type Handler interface {
	// Init parses the scheme's JSON config fragment.
	Init(jsonconf string) error
	// Authenticate validates an opaque secret and returns the bound
	// user, the granted level, and the secret's expiration.
	Authenticate(secret []byte) (t.Uid, Level, time.Time, AuthErr)
	// GenSecret issues a new secret for uid at the given level, valid
	// for lifetime (0 uses the scheme's configured default).
	GenSecret(uid t.Uid, lvl Level, lifetime time.Duration) ([]byte, time.Time, AuthErr)
}

var schemes = map[string]Handler{}

// RegisterScheme binds a scheme name to its Handler. Called from the
// scheme package's init().
func RegisterScheme(name string, h Handler) {
	schemes[name] = h
}

// GetScheme looks up a registered scheme by name.
func GetScheme(name string) Handler {
	return schemes[name]
}
