// Package mongodb is the secondary Store adapter, demonstrating that
// the Store facade is backend-agnostic: conditional update checks the
// predicate against a snapshot and then runs UpdateOne filtered on that
// snapshot's updatedAt stamp, and Watch is a native collection change stream instead of RethinkDB's
// changefeed.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fleetdesk/broker/server/store"
	"github.com/fleetdesk/broker/server/store/adapter"
	t "github.com/fleetdesk/broker/server/store/types"
)

const adapterName = "mongodb"

type configType struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

// Adapter implements adapter.Adapter against MongoDB.
type Adapter struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ adapter.Adapter = (*Adapter)(nil)

// Open connects to the cluster described by the JSON config blob.
func (a *Adapter) Open(config string) error {
	if a.client != nil {
		return errors.New("mongodb: already opened")
	}
	var cfg configType
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return errors.New("mongodb: failed to parse config: " + err.Error())
	}
	if cfg.Database == "" {
		return errors.New("mongodb: database name is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return err
	}

	a.client = client
	a.db = client.Database(cfg.Database)
	return nil
}

// Close disconnects the client.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Disconnect(context.Background())
	a.client = nil
	return err
}

// IsOpen reports whether the client is connected.
func (a *Adapter) IsOpen() bool { return a.client != nil }

// GetName returns the adapter's name.
func (a *Adapter) GetName() string { return adapterName }

// CreateDb creates indexes, optionally dropping the database first.
func (a *Adapter) CreateDb(reset bool) error {
	ctx := context.Background()
	if reset {
		if err := a.db.Drop(ctx); err != nil {
			return err
		}
	}
	_, err := a.devices().Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "udid", Value: 1}}})
	if err != nil {
		return err
	}
	_, err = a.users().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = a.users().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "token", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true),
	})
	if err != nil {
		return err
	}
	_, err = a.groups().Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "gid", Value: 1}}})
	return err
}

func (a *Adapter) devices() *mongo.Collection { return a.db.Collection("devices") }
func (a *Adapter) users() *mongo.Collection   { return a.db.Collection("users") }
func (a *Adapter) groups() *mongo.Collection  { return a.db.Collection("groups") }

// DeviceGet returns a device by udid.
func (a *Adapter) DeviceGet(udid string) (*t.Device, error) {
	var d t.Device
	err := a.devices().FindOne(context.Background(), bson.M{"udid": udid}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeviceSave upserts the full device record and bumps UpdatedAt.
func (a *Adapter) DeviceSave(d *t.Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := a.devices().ReplaceOne(context.Background(), bson.M{"udid": d.Udid}, d, options.Replace().SetUpsert(true))
	return err
}

// DeviceUpdate applies an unconditional partial update.
func (a *Adapter) DeviceUpdate(udid string, update map[string]interface{}) error {
	update["updatedAt"] = time.Now().UTC()
	_, err := a.devices().UpdateOne(context.Background(), bson.M{"udid": udid}, bson.M{"$set": update})
	return err
}

// DeviceConditionalUpdate checks pred against a snapshot, then folds the
// snapshot's version stamp into the filter: UpdateOne only matches (and
// therefore only writes) if the document still has the updatedAt the
// caller observed, the same stamp check the RethinkDB adapter's
// r.Branch makes.
func (a *Adapter) DeviceConditionalUpdate(udid string, pred func(*t.Device) bool, update map[string]interface{}) (bool, error) {
	cur, err := a.DeviceGet(udid)
	if err != nil {
		return false, err
	}
	if cur == nil || !pred(cur) {
		return false, nil
	}

	update["updatedAt"] = time.Now().UTC()
	filter := bson.M{"udid": udid, "updatedAt": cur.UpdatedAt}
	res, err := a.devices().UpdateOne(context.Background(), filter, bson.M{"$set": update})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// DeviceFilter lists devices matching scope, applied client-side.
func (a *Adapter) DeviceFilter(scope func(*t.Device) bool, opt *t.QueryOpt) ([]t.Device, error) {
	cur, err := a.devices().Find(context.Background(), bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(context.Background())

	var out []t.Device
	for cur.Next(context.Background()) {
		var d t.Device
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		if scope == nil || scope(&d) {
			out = append(out, d)
			if opt != nil && opt.Limit > 0 && len(out) >= opt.Limit {
				break
			}
		}
	}
	return out, cur.Err()
}

// DeviceWatch opens a change stream over the devices collection.
func (a *Adapter) DeviceWatch(ctx context.Context, scope func(*t.Device) bool) (<-chan adapter.DeviceChange, error) {
	stream, err := a.devices().Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, err
	}

	out := make(chan adapter.DeviceChange, 16)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var ev struct {
				OperationType string   `bson:"operationType"`
				FullDocument  t.Device `bson:"fullDocument"`
			}
			if err := stream.Decode(&ev); err != nil {
				continue
			}
			change := adapter.DeviceChange{}
			switch ev.OperationType {
			case "insert":
				change.Kind = adapter.ChangeInsert
				change.New = &ev.FullDocument
			case "delete":
				change.Kind = adapter.ChangeDelete
			default:
				change.Kind = adapter.ChangeUpdate
				change.New = &ev.FullDocument
			}
			if scope != nil && change.New != nil && !scope(change.New) {
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// UserGetByEmail returns a user by unique email.
func (a *Adapter) UserGetByEmail(email string) (*t.User, error) {
	var u t.User
	err := a.users().FindOne(context.Background(), bson.M{"email": email}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserGetByUid returns a user by Uid.
func (a *Adapter) UserGetByUid(uid t.Uid) (*t.User, error) {
	var u t.User
	err := a.users().FindOne(context.Background(), bson.M{"uid": uint64(uid)}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserGetByToken returns the user whose bearer token equals token, via
// the unique "token" index created in CreateDb.
func (a *Adapter) UserGetByToken(token string) (*t.User, error) {
	if token == "" {
		return nil, nil
	}
	var u t.User
	err := a.users().FindOne(context.Background(), bson.M{"token": token}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
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
		doc := bson.M{
			"uid": uint64(insert.Uid), "email": insert.Email, "username": insert.Username,
			"token": insert.Token, "tokenSecret": insert.TokenSecret, "settings": insert.Settings,
			"isAdmin": insert.IsAdmin, "createdAt": insert.CreatedAt, "lastLoggedInAt": insert.LastLoggedInAt,
		}
		if _, err := a.users().InsertOne(context.Background(), doc); err != nil {
			return nil, err
		}
		return insert, nil
	}
	if _, err := a.users().UpdateOne(context.Background(), bson.M{"email": email}, bson.M{"$set": update}); err != nil {
		return nil, err
	}
	return a.UserGetByEmail(email)
}

// UserCount returns the total registered user count.
func (a *Adapter) UserCount() (int, error) {
	n, err := a.users().CountDocuments(context.Background(), bson.M{})
	return int(n), err
}

// UserSetAdmin flips the admin flag for an existing user.
func (a *Adapter) UserSetAdmin(email string, admin bool) error {
	res, err := a.users().UpdateOne(context.Background(), bson.M{"email": email}, bson.M{"$set": bson.M{"isAdmin": admin}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errors.New("mongodb: no such user " + email)
	}
	return nil
}

// UserListAdmins returns every user with the admin flag set.
func (a *Adapter) UserListAdmins() ([]t.User, error) {
	cur, err := a.users().Find(context.Background(), bson.M{"isAdmin": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(context.Background())
	var users []t.User
	if err := cur.All(context.Background(), &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GroupGet returns a group by gid.
func (a *Adapter) GroupGet(gid string) (*t.Group, error) {
	var g t.Group
	err := a.groups().FindOne(context.Background(), bson.M{"gid": gid}).Decode(&g)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GroupsForMember lists groups containing email as a member key.
func (a *Adapter) GroupsForMember(email string) ([]t.Group, error) {
	cur, err := a.groups().Find(context.Background(), bson.M{"members." + email: bson.M{"$exists": true}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(context.Background())
	var groups []t.Group
	if err := cur.All(context.Background(), &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// GroupSave upserts the full group record.
func (a *Adapter) GroupSave(g *t.Group) error {
	_, err := a.groups().ReplaceOne(context.Background(), bson.M{"gid": g.Gid}, g, options.Replace().SetUpsert(true))
	return err
}

func init() {
	store.RegisterAdapter(adapterName, &Adapter{})
}
