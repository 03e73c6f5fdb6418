// Package adapter contains the interface a database backend must
// implement to back the Store facade, plus the change-event shape
// Watch delivers.
package adapter

import (
	"context"

	t "github.com/fleetdesk/broker/server/store/types"
)

// ChangeKind classifies a record delivered on a Watch channel.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// DeviceChange is one event on a device changefeed.
type DeviceChange struct {
	Kind ChangeKind
	Old  *t.Device
	New  *t.Device
}

// Adapter is the interface a storage backend implements. The broker
// ships two: rethinkdb (primary, native changefeeds) and mongodb
// (secondary, change streams). Both give the same linearizable
// conditional-update and watch semantics the coordinator depends on.
type Adapter interface {
	// Open connects and configures the adapter from a JSON config blob.
	Open(config string) error
	// Close releases the adapter's connection.
	Close() error
	// IsOpen reports whether the adapter is ready for use.
	IsOpen() bool
	// GetName returns the adapter's identifying name, e.g. "rethinkdb".
	GetName() string
	// CreateDb creates the database schema, optionally dropping first.
	CreateDb(reset bool) error

	// Devices

	// DeviceGet returns a device by udid, or (nil, nil) if absent.
	DeviceGet(udid string) (*t.Device, error)
	// DeviceSave inserts or fully overwrites a device record.
	DeviceSave(d *t.Device) error
	// DeviceUpdate applies a partial update unconditionally.
	DeviceUpdate(udid string, update map[string]interface{}) error
	// DeviceConditionalUpdate applies update only if pred(current)
	// is true, evaluated atomically by the backend. It returns
	// replaced=true iff the predicate matched and the write happened.
	DeviceConditionalUpdate(udid string, pred func(*t.Device) bool, update map[string]interface{}) (replaced bool, err error)
	// DeviceFilter lists devices for which scope returns true, applying
	// opt.Limit after scope so only visible rows count toward it. The
	// order of the result is not defined; store.Devices.Filter sorts it.
	DeviceFilter(scope func(*t.Device) bool, opt *t.QueryOpt) ([]t.Device, error)
	// DeviceWatch streams changes to devices matching scope until ctx
	// is cancelled. The channel is closed when the watch ends.
	DeviceWatch(ctx context.Context, scope func(*t.Device) bool) (<-chan DeviceChange, error)

	// Users

	// UserGetByEmail returns a user by email, or (nil, nil) if absent.
	UserGetByEmail(email string) (*t.User, error)
	// UserGetByUid returns a user by Uid, or (nil, nil) if absent.
	UserGetByUid(uid t.Uid) (*t.User, error)
	// UserGetByToken returns the user whose bearer token equals token,
	// or (nil, nil) if none matches. Token is a unique secondary index;
	// a miss is how the caller distinguishes an unrecognized token from
	// a transient lookup error.
	UserGetByToken(token string) (*t.User, error)
	// UserUpsert inserts a user by email if absent, else applies update.
	UserUpsert(email string, insert *t.User, update map[string]interface{}) (*t.User, error)
	// UserCount returns the number of registered users.
	UserCount() (int, error)
	// UserListAdmins returns every user with the admin flag set.
	UserListAdmins() ([]t.User, error)
	// UserSetAdmin flips the admin flag for an existing user, failing if
	// the user does not exist.
	UserSetAdmin(email string, admin bool) error

	// Groups

	// GroupGet returns a group by gid, or (nil, nil) if absent.
	GroupGet(gid string) (*t.Group, error)
	// GroupsForMember lists groups in which email holds any role.
	GroupsForMember(email string) ([]t.Group, error)
	// GroupSave inserts or fully overwrites a group record.
	GroupSave(g *t.Group) error
}
