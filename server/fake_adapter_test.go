package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetdesk/broker/server/store"
	"github.com/fleetdesk/broker/server/store/adapter"
	t "github.com/fleetdesk/broker/server/store/types"
)

// fakeAdapter is an in-memory adapter.Adapter used to drive the
// coordinator, identity and authorization tests without a real
// RethinkDB or MongoDB instance, the same role an in-process stand-in
// plays against the source repo's own pluggable store interface.
type fakeAdapter struct {
	mu      sync.Mutex
	devices map[string]*t.Device
	users   map[string]*t.User // by email
	groups  map[string]*t.Group

	watchers []fakeWatcher
}

type fakeWatcher struct {
	scope func(*t.Device) bool
	ch    chan adapter.DeviceChange
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		devices: map[string]*t.Device{},
		users:   map[string]*t.User{},
		groups:  map[string]*t.Group{},
	}
}

func (a *fakeAdapter) Open(string) error   { return nil }
func (a *fakeAdapter) Close() error        { return nil }
func (a *fakeAdapter) IsOpen() bool        { return true }
func (a *fakeAdapter) GetName() string     { return "fake" }
func (a *fakeAdapter) CreateDb(bool) error { return nil }

func cloneDevice(d *t.Device) *t.Device {
	cp := *d
	if d.Sources != nil {
		cp.Sources = make(map[string]t.Source, len(d.Sources))
		for k, v := range d.Sources {
			cp.Sources[k] = v
		}
	}
	if d.Properties != nil {
		cp.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

func (a *fakeAdapter) DeviceGet(udid string) (*t.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[udid]
	if !ok {
		return nil, nil
	}
	return cloneDevice(d), nil
}

func (a *fakeAdapter) DeviceSave(d *t.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	a.devices[d.Udid] = cloneDevice(d)
	a.notifyLocked(adapter.DeviceChange{Kind: adapter.ChangeInsert, New: cloneDevice(d)})
	return nil
}

func (a *fakeAdapter) DeviceUpdate(udid string, update map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[udid]
	if !ok {
		return errors.New("fake_adapter: device not found")
	}
	applyDeviceUpdate(d, update)
	a.notifyLocked(adapter.DeviceChange{Kind: adapter.ChangeUpdate, New: cloneDevice(d)})
	return nil
}

func (a *fakeAdapter) DeviceConditionalUpdate(udid string, pred func(*t.Device) bool, update map[string]interface{}) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[udid]
	if !ok || !pred(cloneDevice(d)) {
		return false, nil
	}
	applyDeviceUpdate(d, update)
	a.notifyLocked(adapter.DeviceChange{Kind: adapter.ChangeUpdate, New: cloneDevice(d)})
	return true, nil
}

func (a *fakeAdapter) DeviceFilter(scope func(*t.Device) bool, opt *t.QueryOpt) ([]t.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []t.Device
	for _, d := range a.devices {
		if scope == nil || scope(d) {
			out = append(out, *cloneDevice(d))
		}
		if opt != nil && opt.Limit > 0 && len(out) >= opt.Limit {
			break
		}
	}
	return out, nil
}

func (a *fakeAdapter) DeviceWatch(ctx context.Context, scope func(*t.Device) bool) (<-chan adapter.DeviceChange, error) {
	ch := make(chan adapter.DeviceChange, 16)
	a.mu.Lock()
	a.watchers = append(a.watchers, fakeWatcher{scope: scope, ch: ch})
	a.mu.Unlock()
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, w := range a.watchers {
			if w.ch == ch {
				a.watchers = append(a.watchers[:i], a.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// notifyLocked must be called with a.mu held.
func (a *fakeAdapter) notifyLocked(c adapter.DeviceChange) {
	for _, w := range a.watchers {
		if w.scope == nil || w.scope(c.New) {
			select {
			case w.ch <- c:
			default:
			}
		}
	}
}

func (a *fakeAdapter) UserGetByEmail(email string) (*t.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[email]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (a *fakeAdapter) UserGetByUid(uid t.Uid) (*t.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.users {
		if u.Uid == uid {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (a *fakeAdapter) UserGetByToken(token string) (*t.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if token == "" {
		return nil, nil
	}
	for _, u := range a.users {
		if u.Token == token {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (a *fakeAdapter) UserUpsert(email string, insert *t.User, update map[string]interface{}) (*t.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.users[email]; ok {
		if v, ok := update["username"].(string); ok {
			u.Username = v
		}
		if v, ok := update["lastLoggedInAt"].(time.Time); ok {
			u.LastLoggedInAt = v
		}
		cp := *u
		return &cp, nil
	}
	cp := *insert
	a.users[email] = &cp
	ret := cp
	return &ret, nil
}

func (a *fakeAdapter) UserCount() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users), nil
}

func (a *fakeAdapter) UserSetAdmin(email string, admin bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[email]
	if !ok {
		return errors.New("fake_adapter: no such user " + email)
	}
	u.IsAdmin = admin
	return nil
}

func (a *fakeAdapter) UserListAdmins() ([]t.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []t.User
	for _, u := range a.users {
		if u.IsAdmin {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (a *fakeAdapter) GroupGet(gid string) (*t.Group, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.groups[gid]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (a *fakeAdapter) GroupsForMember(email string) ([]t.Group, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []t.Group
	for _, g := range a.groups {
		if _, ok := g.Members[email]; ok {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (a *fakeAdapter) GroupSave(g *t.Group) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *g
	a.groups[g.Gid] = &cp
	return nil
}

// applyDeviceUpdate mirrors the narrow set of Device fields every
// adapter's DeviceUpdate/DeviceConditionalUpdate implementation
// actually translates, keeping the fake in lockstep with the real
// backends' field mapping.
func applyDeviceUpdate(d *t.Device, update map[string]interface{}) {
	if v, ok := update["using"].(bool); ok {
		d.Using = v
	}
	if v, ok := update["usingBy"].(string); ok {
		d.UsingBy = v
	}
	if v, ok := update["usingBeganAt"].(time.Time); ok {
		d.UsingBeganAt = v
	}
	if v, ok := update["lastActivatedAt"].(time.Time); ok {
		d.LastActivatedAt = v
	}
	if v, ok := update["idleTimeout"].(int); ok {
		d.IdleTimeout = v
	}
	if v, ok := update["colding"].(bool); ok {
		d.Colding = v
	}
	if v, ok := update["usingDuration"].(time.Duration); ok {
		d.UsingDuration = v
	}
	if v, ok := update["sources"].(map[string]t.Source); ok {
		d.Sources = v
	}
	if v, ok := update["properties"].(map[string]string); ok {
		d.Properties = v
	}
	if v, ok := update["department"].(string); ok {
		d.Department = v
	}
	if v, ok := update["owner"].(string); ok {
		d.Owner = v
	}
	if v, ok := update["platform"].(string); ok {
		d.Platform = v
	}
	d.UpdatedAt = time.Now().UTC()
}

// setupFakeStore registers and opens a fresh fakeAdapter under a unique
// name per test so parallel tests never share state.
func setupFakeStore(tb interface{ Fatal(...interface{}) }, name string) *fakeAdapter {
	fa := newFakeAdapter()
	store.RegisterAdapter(name, fa)
	if err := store.Open(name, ""); err != nil {
		tb.Fatal(err)
	}
	return fa
}
