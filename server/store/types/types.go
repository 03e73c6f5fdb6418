// Package types defines the data model shared between the Store facade,
// its adapters, and the rest of the broker: device, source, user, group,
// and the opaque Uid used by the token authenticator.
package types

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"
)

// Uid is an opaque, base64-transportable identifier for a user, handed
// out at account creation and embedded in bearer tokens. It plays the
// same role the chat server's Uid plays for auth/token: a fixed-width
// binary value the HMAC token can carry without string escaping.
type Uid uint64

// ZeroUid is the invalid/absent Uid.
var ZeroUid = Uid(0)

// IsZero reports whether the Uid is unset.
func (u Uid) IsZero() bool {
	return u == ZeroUid
}

// MarshalBinary renders the Uid as 8 little-endian bytes.
func (u Uid) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(u))
	return b, nil
}

// UnmarshalBinary parses a Uid from 8 little-endian bytes.
func (u *Uid) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return errors.New("types: invalid Uid length")
	}
	*u = Uid(binary.LittleEndian.Uint64(b))
	return nil
}

// String renders the Uid as URL-safe base64, unpadded.
func (u Uid) String() string {
	b, _ := u.MarshalBinary()
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b)
}

// ParseUid parses a Uid previously rendered by String.
func ParseUid(s string) (Uid, error) {
	b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		return ZeroUid, err
	}
	var u Uid
	if err := u.UnmarshalBinary(b); err != nil {
		return ZeroUid, err
	}
	return u, nil
}

// Role is a user's membership role within a Group.
type Role string

const (
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
)

// User is an account resolved from an external login, keyed by email.
type User struct {
	Uid            Uid       `json:"-"`
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	Token          string            `json:"-"`
	TokenSecret    []byte            `json:"-"`
	Settings       map[string]string `json:"settings,omitempty"`
	IsAdmin        bool              `json:"isAdmin"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastLoggedInAt time.Time         `json:"lastLoggedInAt"`
}

// Source describes one provider's claim to be currently relaying a
// device. A Device with a non-empty Sources map is present; it is
// present via more than one provider only transiently, during handoff.
// Priority breaks ties when more than one provider exposes the same
// udid concurrently: the coordinator's release path always hands the
// cool-down call to the highest-priority source.
type Source struct {
	ID                   string    `json:"id"`
	URL                  string    `json:"url"`
	DeviceAddress        string    `json:"deviceAddress,omitempty"`
	RemoteConnectAddress string    `json:"remoteConnectAddress,omitempty"`
	Secret               string    `json:"-"`
	Priority             int       `json:"priority"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// State is the device's externally-visible lifecycle state, derived from
// Sources/Using/Colding rather than stored directly.
type State string

const (
	StateAbsent  State = "absent"
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateCooling State = "cooling"
)

// Device is the central entity: a physical unit contributed by one or
// more providers and, at most, leased to one user at a time.
type Device struct {
	Udid            string            `json:"udid"`
	Platform        string            `json:"platform"`
	Department      string            `json:"department,omitempty"`
	Owner           string            `json:"owner,omitempty"`
	Sources         map[string]Source `json:"sources"`
	Using           bool              `json:"using"`
	UsingBy         string            `json:"usingBy,omitempty"`
	UsingBeganAt    time.Time         `json:"usingBeganAt,omitempty"`
	LastActivatedAt time.Time         `json:"lastActivatedAt,omitempty"`
	IdleTimeout     int               `json:"idleTimeout"`
	Colding         bool              `json:"colding"`
	UsingDuration   time.Duration     `json:"usingDuration"`
	Properties      map[string]string `json:"properties,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// ComputeState derives the externally visible State of a device from its
// stored fields. It never itself mutates the record.
func (d *Device) ComputeState() State {
	if len(d.Sources) == 0 {
		return StateAbsent
	}
	if d.Colding {
		return StateCooling
	}
	if d.Using {
		return StateBusy
	}
	return StateIdle
}

// Group is a named collection of users, never of devices: a device
// gains group visibility by setting Owner to a Group's Gid, not by the
// group listing member devices. Members maps an email to the role held
// in this group, per the resolution of the ambiguity between
// "email list" and "role map" representations found in the source
// material. A Gid may never contain "@", the only thing that
// distinguishes it from an email in a Device's Owner field.
type Group struct {
	Gid       string          `json:"gid"`
	Name      string          `json:"name"`
	Creator   string          `json:"creator"`
	Members   map[string]Role `json:"members"`
	CreatedAt time.Time       `json:"createdAt"`
}

// QueryOpt narrows a Filter().All() call, analogous to the teacher's
// QueryOpt used across its adapter's list queries.
type QueryOpt struct {
	Limit int
}
