// Package store is the facade the rest of the broker uses to reach
// persistent state. It holds the single active adapter.Adapter and
// exposes the narrow operation set the coordinator, HTTP API and
// broadcaster need, without leaking backend-specific query types.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/fleetdesk/broker/server/store/adapter"
	t "github.com/fleetdesk/broker/server/store/types"
)

var (
	mu      sync.Mutex
	adp     adapter.Adapter
	drivers = map[string]adapter.Adapter{}
)

// RegisterAdapter makes a named backend available to Open. Backend
// packages (db/rethinkdb, db/mongodb) call this from their init().
func RegisterAdapter(name string, a adapter.Adapter) {
	mu.Lock()
	defer mu.Unlock()
	drivers[name] = a
}

// Open selects a registered backend by name and opens it with the
// remainder of the config blob.
func Open(name, config string) error {
	mu.Lock()
	a, ok := drivers[name]
	mu.Unlock()
	if !ok {
		return errors.New("store: unknown adapter " + name)
	}
	if err := a.Open(config); err != nil {
		return err
	}
	mu.Lock()
	adp = a
	mu.Unlock()
	return nil
}

// Close releases the active adapter.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if adp == nil {
		return nil
	}
	return adp.Close()
}

// GetAdapterName returns the active adapter's name, for startup logs.
func GetAdapterName() string {
	mu.Lock()
	defer mu.Unlock()
	if adp == nil {
		return "none"
	}
	return adp.GetName()
}

// InitDb creates schema on the active adapter.
func InitDb(reset bool) error {
	return adp.CreateDb(reset)
}

// Devices groups device-record operations on the active adapter.
var Devices devicesFacade

type devicesFacade struct{}

func (devicesFacade) Get(udid string) (*t.Device, error) { return adp.DeviceGet(udid) }
func (devicesFacade) Save(d *t.Device) error              { return adp.DeviceSave(d) }
func (devicesFacade) Update(udid string, update map[string]interface{}) error {
	return adp.DeviceUpdate(udid, update)
}
func (devicesFacade) ConditionalUpdate(udid string, pred func(*t.Device) bool, update map[string]interface{}) (bool, error) {
	return adp.DeviceConditionalUpdate(udid, pred, update)
}
// Filter lists devices matching scope, most recently created first.
func (devicesFacade) Filter(scope func(*t.Device) bool, opt *t.QueryOpt) ([]t.Device, error) {
	devices, err := adp.DeviceFilter(scope, opt)
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].CreatedAt.After(devices[j].CreatedAt) })
	return devices, nil
}
func (devicesFacade) Watch(ctx context.Context, scope func(*t.Device) bool) (<-chan adapter.DeviceChange, error) {
	return adp.DeviceWatch(ctx, scope)
}

// Users groups user-record operations on the active adapter.
var Users usersFacade

type usersFacade struct{}

func (usersFacade) GetByEmail(email string) (*t.User, error) { return adp.UserGetByEmail(email) }
func (usersFacade) GetByUid(uid t.Uid) (*t.User, error)       { return adp.UserGetByUid(uid) }
func (usersFacade) GetByToken(token string) (*t.User, error)  { return adp.UserGetByToken(token) }
func (usersFacade) Upsert(email string, insert *t.User, update map[string]interface{}) (*t.User, error) {
	return adp.UserUpsert(email, insert, update)
}
func (usersFacade) Count() (int, error) { return adp.UserCount() }
func (usersFacade) ListAdmins() ([]t.User, error) { return adp.UserListAdmins() }
func (usersFacade) SetAdmin(email string, admin bool) error {
	return adp.UserSetAdmin(email, admin)
}

// Groups groups group-record operations on the active adapter.
var Groups groupsFacade

type groupsFacade struct{}

func (groupsFacade) Get(gid string) (*t.Group, error) { return adp.GroupGet(gid) }
func (groupsFacade) ForMember(email string) ([]t.Group, error) {
	return adp.GroupsForMember(email)
}
func (groupsFacade) Save(g *t.Group) error { return adp.GroupSave(g) }
