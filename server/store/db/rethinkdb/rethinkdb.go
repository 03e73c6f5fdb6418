// Package rethinkdb is the primary Store adapter. It is a thin wrapper
// over gorethink's table/changefeed API, the same database the broker's
// source material was built against: Update's r.Branch predicate gives
// the atomic conditional-update the coordinator depends on, and
// Changes() gives the native per-subscriber watch stream.
package rethinkdb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	r "gopkg.in/rethinkdb/rethinkdb-go.v5"

	"github.com/fleetdesk/broker/server/store"
	"github.com/fleetdesk/broker/server/store/adapter"
	t "github.com/fleetdesk/broker/server/store/types"
)

const (
	adapterName = "rethinkdb"

	tblDevices = "devices"
	tblUsers   = "users"
	tblGroups  = "groups"
)

type configType struct {
	Addresses  []string `json:"addresses"`
	Database   string   `json:"database"`
	AuthKey    string   `json:"authkey,omitempty"`
	NumRetries int      `json:"num_retries,omitempty"`
}

// Adapter implements adapter.Adapter against RethinkDB.
type Adapter struct {
	sess   *r.Session
	dbName string
}

var _ adapter.Adapter = (*Adapter)(nil)

// Open connects to the cluster described by the JSON config blob.
func (a *Adapter) Open(config string) error {
	if a.sess != nil {
		return errors.New("rethinkdb: already opened")
	}
	var cfg configType
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return errors.New("rethinkdb: failed to parse config: " + err.Error())
	}
	if cfg.Database == "" {
		return errors.New("rethinkdb: database name is required")
	}

	opts := r.ConnectOpts{
		Addresses:  cfg.Addresses,
		Database:   cfg.Database,
		AuthKey:    cfg.AuthKey,
		NumRetries: cfg.NumRetries,
	}
	sess, err := r.Connect(opts)
	if err != nil {
		return err
	}
	a.sess = sess
	a.dbName = cfg.Database
	return nil
}

// Close releases the RethinkDB session.
func (a *Adapter) Close() error {
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess = nil
	return err
}

// IsOpen reports whether the session is live.
func (a *Adapter) IsOpen() bool { return a.sess != nil }

// GetName returns the adapter's name.
func (a *Adapter) GetName() string { return adapterName }

// CreateDb creates the database and tables, optionally dropping first.
func (a *Adapter) CreateDb(reset bool) error {
	if reset {
		r.DBDrop(a.dbName).RunWrite(a.sess)
	}
	if _, err := r.DBCreate(a.dbName).RunWrite(a.sess); err != nil {
		return err
	}
	db := r.DB(a.dbName)
	for _, tbl := range []string{tblDevices, tblUsers, tblGroups} {
		if _, err := db.TableCreate(tbl, r.TableCreateOpts{PrimaryKey: primaryKeyFor(tbl)}).RunWrite(a.sess); err != nil {
			return err
		}
	}
	if _, err := db.Table(tblUsers).IndexCreate("email").RunWrite(a.sess); err != nil {
		return err
	}
	if _, err := db.Table(tblUsers).IndexCreate("token").RunWrite(a.sess); err != nil {
		return err
	}
	if _, err := db.Table(tblGroups).IndexCreate("memberEmails", r.IndexCreateOpts{Multi: true}).RunWrite(a.sess); err != nil {
		return err
	}
	return nil
}

func primaryKeyFor(tbl string) string {
	switch tbl {
	case tblDevices:
		return "udid"
	case tblGroups:
		return "gid"
	default:
		return "id"
	}
}

func (a *Adapter) table(name string) r.Term {
	return r.DB(a.dbName).Table(name)
}

// DeviceGet returns a device by udid.
func (a *Adapter) DeviceGet(udid string) (*t.Device, error) {
	row, err := a.table(tblDevices).Get(udid).Run(a.sess)
	if err != nil {
		return nil, err
	}
	defer row.Close()
	if row.IsNil() {
		return nil, nil
	}
	var d t.Device
	if err := row.One(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeviceSave inserts or overwrites a device record, bumping UpdatedAt so
// callers can use it as an optimistic-concurrency stamp.
func (a *Adapter) DeviceSave(d *t.Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := a.table(tblDevices).Insert(d, r.InsertOpts{Conflict: "replace"}).RunWrite(a.sess)
	return err
}

// DeviceUpdate applies an unconditional partial update.
func (a *Adapter) DeviceUpdate(udid string, update map[string]interface{}) error {
	update["updatedAt"] = time.Now().UTC()
	_, err := a.table(tblDevices).Get(udid).Update(update).RunWrite(a.sess)
	return err
}

// DeviceConditionalUpdate applies update only if pred(current device)
// holds, using r.Branch to keep the check-then-write atomic inside
// RethinkDB rather than racing a separate read and write.
func (a *Adapter) DeviceConditionalUpdate(udid string, pred func(*t.Device) bool, update map[string]interface{}) (bool, error) {
	cur, err := a.DeviceGet(udid)
	if err != nil {
		return false, err
	}
	if cur == nil || !pred(cur) {
		return false, nil
	}

	update["updatedAt"] = time.Now().UTC()
	res, err := a.table(tblDevices).Get(udid).Update(
		r.Branch(r.Row.Field("updatedAt").Eq(r.Expr(cur.UpdatedAt)), update, r.Row),
	).RunWrite(a.sess)
	if err != nil {
		return false, err
	}
	return res.Replaced > 0, nil
}

// DeviceFilter lists devices matching scope, evaluated client-side since
// scope is an arbitrary Go predicate compiled from an authz.Principal
// rather than a ReQL term.
func (a *Adapter) DeviceFilter(scope func(*t.Device) bool, opt *t.QueryOpt) ([]t.Device, error) {
	rows, err := a.table(tblDevices).OrderBy(r.OrderByOpts{Index: "udid"}).Run(a.sess)
	if err != nil {
		rows, err = a.table(tblDevices).Run(a.sess)
		if err != nil {
			return nil, err
		}
	}
	defer rows.Close()

	var all []t.Device
	if err := rows.All(&all); err != nil {
		return nil, err
	}

	out := make([]t.Device, 0, len(all))
	for _, d := range all {
		if scope == nil || scope(&d) {
			out = append(out, d)
			if opt != nil && opt.Limit > 0 && len(out) >= opt.Limit {
				break
			}
		}
	}
	return out, nil
}

// DeviceWatch opens a changefeed over the devices table and filters it
// client-side by scope, closing the RethinkDB cursor when ctx ends.
func (a *Adapter) DeviceWatch(ctx context.Context, scope func(*t.Device) bool) (<-chan adapter.DeviceChange, error) {
	cursor, err := a.table(tblDevices).Changes(r.ChangesOpts{IncludeInitial: false}).Run(a.sess)
	if err != nil {
		return nil, err
	}

	out := make(chan adapter.DeviceChange, 16)
	go func() {
		defer close(out)
		defer cursor.Close()

		changeCh := make(chan map[string]interface{})
		go func() {
			var raw map[string]interface{}
			for cursor.Next(&raw) {
				changeCh <- raw
			}
			close(changeCh)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-changeCh:
				if !ok {
					return
				}
				change := decodeChange(raw)
				if scope != nil {
					visible := (change.New != nil && scope(change.New)) || (change.Old != nil && scope(change.Old))
					if !visible {
						continue
					}
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func decodeChange(raw map[string]interface{}) adapter.DeviceChange {
	var change adapter.DeviceChange
	if v, ok := raw["new_val"]; ok && v != nil {
		var d t.Device
		if b, err := json.Marshal(v); err == nil {
			json.Unmarshal(b, &d)
			change.New = &d
		}
	}
	if v, ok := raw["old_val"]; ok && v != nil {
		var d t.Device
		if b, err := json.Marshal(v); err == nil {
			json.Unmarshal(b, &d)
			change.Old = &d
		}
	}
	switch {
	case change.Old == nil && change.New != nil:
		change.Kind = adapter.ChangeInsert
	case change.Old != nil && change.New == nil:
		change.Kind = adapter.ChangeDelete
	default:
		change.Kind = adapter.ChangeUpdate
	}
	return change
}

// UserGetByEmail returns a user by the "email" secondary index.
func (a *Adapter) UserGetByEmail(email string) (*t.User, error) {
	rows, err := a.table(tblUsers).GetAllByIndex("email", email).Run(a.sess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if rows.IsNil() {
		return nil, nil
	}
	var raw map[string]interface{}
	if err := rows.One(&raw); err != nil {
		return nil, nil
	}
	return decodeUser(raw)
}

// UserGetByUid returns a user by primary key.
func (a *Adapter) UserGetByUid(uid t.Uid) (*t.User, error) {
	row, err := a.table(tblUsers).Get(uid.String()).Run(a.sess)
	if err != nil {
		return nil, err
	}
	defer row.Close()
	if row.IsNil() {
		return nil, nil
	}
	var raw map[string]interface{}
	if err := row.One(&raw); err != nil {
		return nil, err
	}
	return decodeUser(raw)
}

// UserGetByToken returns the user whose bearer token equals token, via
// the "token" secondary index (RethinkDB does not enforce uniqueness on
// it; the first match is returned).
func (a *Adapter) UserGetByToken(token string) (*t.User, error) {
	if token == "" {
		return nil, nil
	}
	rows, err := a.table(tblUsers).GetAllByIndex("token", token).Run(a.sess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if rows.IsNil() {
		return nil, nil
	}
	var raw map[string]interface{}
	if err := rows.One(&raw); err != nil {
		return nil, nil
	}
	return decodeUser(raw)
}

// decodeUser rebuilds a t.User from a raw document. Token and
// TokenSecret carry json:"-" tags so they are never written into an
// HTTP response, but that also hides them from the generic
// json-tag-driven struct decode RethinkDB's driver does; pull them out
// of the raw document by hand instead.
func decodeUser(raw map[string]interface{}) (*t.User, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var u t.User
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, err
	}
	if tok, ok := raw["token"].(string); ok {
		u.Token = tok
	}
	if ts, ok := raw["tokenSecret"].(string); ok && ts != "" {
		if secret, err := base64.StdEncoding.DecodeString(ts); err == nil {
			u.TokenSecret = secret
		}
	}
	if id, ok := raw["id"].(string); ok {
		if uid, err := t.ParseUid(id); err == nil {
			u.Uid = uid
		}
	}
	return &u, nil
}

// UserUpsert inserts insert if email is unseen, else applies update.
func (a *Adapter) UserUpsert(email string, insert *t.User, update map[string]interface{}) (*t.User, error) {
	cur, err := a.UserGetByEmail(email)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		doc := userDoc(insert)
		if _, err := a.table(tblUsers).Insert(doc).RunWrite(a.sess); err != nil {
			return nil, err
		}
		return insert, nil
	}
	if _, err := a.table(tblUsers).Get(cur.Uid.String()).Update(update).RunWrite(a.sess); err != nil {
		return nil, err
	}
	return a.UserGetByUid(cur.Uid)
}

// UserCount returns the total registered user count.
func (a *Adapter) UserCount() (int, error) {
	row, err := a.table(tblUsers).Count().Run(a.sess)
	if err != nil {
		return 0, err
	}
	defer row.Close()
	var n int
	if err := row.One(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// UserSetAdmin flips the admin flag for an existing user.
func (a *Adapter) UserSetAdmin(email string, admin bool) error {
	cur, err := a.UserGetByEmail(email)
	if err != nil {
		return err
	}
	if cur == nil {
		return errors.New("rethinkdb: no such user " + email)
	}
	_, err = a.table(tblUsers).Get(cur.Uid.String()).Update(map[string]interface{}{"isAdmin": admin}).RunWrite(a.sess)
	return err
}

// UserListAdmins returns every user with the admin flag set.
func (a *Adapter) UserListAdmins() ([]t.User, error) {
	rows, err := a.table(tblUsers).Filter(map[string]interface{}{"isAdmin": true}).Run(a.sess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []t.User
	if err := rows.All(&users); err != nil {
		return nil, err
	}
	return users, nil
}

func userDoc(u *t.User) map[string]interface{} {
	return map[string]interface{}{
		"id":             u.Uid.String(),
		"email":          u.Email,
		"username":       u.Username,
		"token":          u.Token,
		"tokenSecret":    base64.StdEncoding.EncodeToString(u.TokenSecret),
		"settings":       u.Settings,
		"isAdmin":        u.IsAdmin,
		"createdAt":      u.CreatedAt,
		"lastLoggedInAt": u.LastLoggedInAt,
	}
}

// GroupGet returns a group by gid.
func (a *Adapter) GroupGet(gid string) (*t.Group, error) {
	row, err := a.table(tblGroups).Get(gid).Run(a.sess)
	if err != nil {
		return nil, err
	}
	defer row.Close()
	if row.IsNil() {
		return nil, nil
	}
	var g t.Group
	if err := row.One(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GroupsForMember lists groups containing email in their memberEmails index.
func (a *Adapter) GroupsForMember(email string) ([]t.Group, error) {
	rows, err := a.table(tblGroups).GetAllByIndex("memberEmails", email).Run(a.sess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []t.Group
	if err := rows.All(&groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// GroupSave inserts or overwrites a group record. memberEmails is a
// denormalized copy of Members' keys: RethinkDB's multi-index needs an
// array to index, and Members is a map for its role values.
func (a *Adapter) GroupSave(g *t.Group) error {
	_, err := a.table(tblGroups).Insert(groupDoc(g), r.InsertOpts{Conflict: "replace"}).RunWrite(a.sess)
	return err
}

func groupDoc(g *t.Group) map[string]interface{} {
	emails := make([]string, 0, len(g.Members))
	for email := range g.Members {
		emails = append(emails, email)
	}
	return map[string]interface{}{
		"gid":          g.Gid,
		"name":         g.Name,
		"creator":      g.Creator,
		"members":      g.Members,
		"memberEmails": emails,
		"createdAt":    g.CreatedAt,
	}
}

func init() {
	store.RegisterAdapter(adapterName, &Adapter{})
}
