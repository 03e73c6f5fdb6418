/******************************************************************************
 *
 *  Description :
 *
 *    REST surface: device listing/read/acquire/release/activate/
 *    properties, group listing, admin endpoints, and the admin-only
 *    raw-source view, routed with gorilla/mux and wrapped in
 *    gorilla/handlers middleware.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetdesk/broker/server/authz"
	"github.com/fleetdesk/broker/server/store"
	t "github.com/fleetdesk/broker/server/store/types"
)

func newRouter() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/devices", withPrincipal(handleListDevices)).Methods(http.MethodGet)
	api.HandleFunc("/devices/{udid}", withPrincipal(handleGetDevice)).Methods(http.MethodGet)
	api.HandleFunc("/devices/{udid}/source", withPrincipal(handleGetDeviceSource)).Methods(http.MethodGet)
	api.HandleFunc("/devices/{udid}/properties", withPrincipal(handleGetProperties)).Methods(http.MethodGet)
	api.HandleFunc("/devices/{udid}/properties", withPrincipal(handleSetProperties)).Methods(http.MethodPut)
	api.HandleFunc("/user", withPrincipal(handleGetUser)).Methods(http.MethodGet)
	api.HandleFunc("/user/devices", withPrincipal(handleListMyDevices)).Methods(http.MethodGet)
	api.HandleFunc("/user/devices", withPrincipal(handleAcquire)).Methods(http.MethodPost)
	api.HandleFunc("/user/devices/{udid}", withPrincipal(handleRelease)).Methods(http.MethodDelete)
	api.HandleFunc("/user/devices/{udid}/active", withPrincipal(handleActivate)).Methods(http.MethodGet)
	api.HandleFunc("/user/groups", withPrincipal(handleListGroups)).Methods(http.MethodGet)
	api.HandleFunc("/user/groups", withPrincipal(handleCreateGroup)).Methods(http.MethodPost)
	api.HandleFunc("/groups/{id}/users", withPrincipal(handleGroupUsers)).Methods(http.MethodGet)
	api.HandleFunc("/admins", withPrincipal(handleListAdmins)).Methods(http.MethodGet)
	api.HandleFunc("/admins", withPrincipal(handlePromoteAdmin)).Methods(http.MethodPost)

	r.HandleFunc("/websocket/heartbeat", handleProviderWS).Methods(http.MethodGet)
	r.HandleFunc("/websocket/devicechanges", withPrincipal(handleChangesWS)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return handlers.CombinedLoggingHandler(logWriter{}, handlers.RecoveryHandler()(r))
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Print(string(p))
	return len(p), nil
}

// withPrincipal resolves the caller before delegating to h.
func withPrincipal(h func(http.ResponseWriter, *http.Request, authz.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := globals.identity.Resolve(r)
		if err != nil {
			writeError(w, err)
			return
		}
		h(w, r, p)
	}
}

// deviceQueryFilter folds the devices-list query string (platform,
// usable, present) into a predicate layered on top of authz.Scope, so
// a caller can never see a filtered view wider than their own scope.
func deviceQueryFilter(p authz.Principal, r *http.Request) func(*t.Device) bool {
	q := r.URL.Query()
	platform := q.Get("platform")
	var usable, usableSet, present, presentSet bool
	if v := q.Get("usable"); v != "" {
		usableSet = true
		usable, _ = strconv.ParseBool(v)
	}
	if v := q.Get("present"); v != "" {
		presentSet = true
		present, _ = strconv.ParseBool(v)
	}
	scope := authz.Scope(p)
	return func(d *t.Device) bool {
		if !scope(d) {
			return false
		}
		if platform != "" && d.Platform != platform {
			return false
		}
		if presentSet && (len(d.Sources) > 0) != present {
			return false
		}
		if usableSet {
			isUsable := d.ComputeState() == t.StateIdle
			if isUsable != usable {
				return false
			}
		}
		return true
	}
}

func handleListDevices(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	devices, err := store.Devices.Filter(deviceQueryFilter(p, r), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"devices": renderDevices(devices),
	})
}

func handleGetDevice(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	udid := mux.Vars(r)["udid"]
	d, err := store.Devices.Get(udid)
	if err != nil {
		writeError(w, err)
		return
	}
	if d == nil || !authz.Visible(p, d) {
		writeError(w, newFleetError(KindNotFound, ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "device": renderDevice(d)})
}

func handleGetDeviceSource(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if !p.IsAdmin {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	udid := mux.Vars(r)["udid"]
	d, err := store.Devices.Get(udid)
	if err != nil {
		writeError(w, err)
		return
	}
	if d == nil {
		writeError(w, newFleetError(KindNotFound, ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sources": d.Sources})
}

// handleListMyDevices lists devices the caller currently holds a lease
// on (spec.md §4.7's GET /api/v1/user/devices).
func handleListMyDevices(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if p.IsAnonymous() {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	devices, err := store.Devices.Filter(func(d *t.Device) bool {
		return d.Using && d.UsingBy == p.Email
	}, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"devices": renderDevices(devices),
	})
}

func handleAcquire(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if p.IsAnonymous() {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}

	var body struct {
		Udid        string `json:"udid"`
		IdleTimeout int    `json:"idleTimeout"`
		Email       string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, newFleetError(KindBadRequest, err))
		return
	}
	if body.Udid == "" {
		writeError(w, newFleetError(KindBadRequest, errors.New("udid required")))
		return
	}

	d, err := store.Devices.Get(body.Udid)
	if err != nil {
		writeError(w, err)
		return
	}
	if d == nil || !authz.Visible(p, d) {
		writeError(w, newFleetError(KindNotFound, ErrNotFound))
		return
	}

	email := p.Email
	if body.Email != "" {
		if !p.IsAdmin {
			writeError(w, newFleetError(KindForbidden, errForbidden))
			return
		}
		email = body.Email
	}

	if err := globals.coordinator.Acquire(body.Udid, email, body.IdleTimeout); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func handleRelease(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if p.IsAnonymous() {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	udid := mux.Vars(r)["udid"]
	d, err := store.Devices.Get(udid)
	if err != nil {
		writeError(w, err)
		return
	}
	if d == nil {
		writeError(w, newFleetError(KindNotFound, ErrNotFound))
		return
	}
	if !authz.MayMutate(p, d) {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	if err := globals.coordinator.Release(udid, d.UsingBy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleActivate defers a held lease's idle timeout. It is the only
// mutation on a busy device that a non-holding admin cannot perform on
// someone else's behalf: activation asserts "I am still here", which
// only the holder can truthfully claim.
func handleActivate(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if p.IsAnonymous() {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	udid := mux.Vars(r)["udid"]
	if err := globals.coordinator.Activate(udid, p.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func handleGetProperties(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	udid := mux.Vars(r)["udid"]
	d, err := store.Devices.Get(udid)
	if err != nil {
		writeError(w, err)
		return
	}
	if d == nil || !authz.Visible(p, d) {
		writeError(w, newFleetError(KindNotFound, ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"department": d.Department,
		"properties": d.Properties,
	})
}

func handleSetProperties(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	udid := mux.Vars(r)["udid"]
	d, err := store.Devices.Get(udid)
	if err != nil {
		writeError(w, err)
		return
	}
	if d == nil {
		writeError(w, newFleetError(KindNotFound, ErrNotFound))
		return
	}
	if !authz.MayMutate(p, d) {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}

	var body struct {
		Department string            `json:"department"`
		Properties map[string]string `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, newFleetError(KindBadRequest, err))
		return
	}

	update := map[string]interface{}{}
	if body.Department != "" {
		if !p.IsAdmin {
			writeError(w, newFleetError(KindForbidden, errForbidden))
			return
		}
		update["department"] = body.Department
	}
	if body.Properties != nil {
		update["properties"] = body.Properties
	}
	if len(update) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
		return
	}
	if err := store.Devices.Update(udid, update); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func handleGetUser(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if p.IsAnonymous() {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	u, err := store.Users.GetByEmail(p.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	groups, err := store.Groups.ForMember(p.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user":    renderUser(u, groups),
	})
}

func handleListGroups(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if p.IsAnonymous() {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	groups, err := store.Groups.ForMember(p.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "groups": groups})
}

func handleCreateGroup(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if p.IsAnonymous() {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, newFleetError(KindBadRequest, err))
		return
	}
	if body.Name == "" {
		writeError(w, newFleetError(KindBadRequest, errors.New("name required")))
		return
	}

	gid := newGid()
	if existing, err := store.Groups.Get(gid); err != nil {
		writeError(w, err)
		return
	} else if existing != nil {
		writeError(w, newFleetError(KindConflict, errors.New("group id collision, retry")))
		return
	}

	g := &t.Group{
		Gid:       gid,
		Name:      body.Name,
		Creator:   p.Email,
		Members:   map[string]t.Role{p.Email: t.RoleOwner},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Groups.Save(g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "group": g})
}

// handleGroupUsers lists a group's members and their roles. Any member
// of the group, or an admin, may view the roster.
func handleGroupUsers(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if p.IsAnonymous() {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	gid := mux.Vars(r)["id"]
	g, err := store.Groups.Get(gid)
	if err != nil {
		writeError(w, err)
		return
	}
	if g == nil {
		writeError(w, newFleetError(KindNotFound, ErrNotFound))
		return
	}
	if _, member := g.Members[p.Email]; !member && !p.IsAdmin {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "members": g.Members})
}

func handleListAdmins(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if !p.IsAdmin {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	admins, err := store.Users.ListAdmins()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "admins": admins})
}

func handlePromoteAdmin(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if !p.IsAdmin {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}
	var body struct {
		Email string `json:"email"`
		Admin bool   `json:"admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, newFleetError(KindBadRequest, err))
		return
	}
	if body.Email == "" {
		writeError(w, newFleetError(KindBadRequest, errors.New("email required")))
		return
	}
	if err := store.Users.SetAdmin(body.Email, body.Admin); err != nil {
		writeError(w, err)
		return
	}
	// Gaining or losing admin changes what authz.Visible lets this
	// principal see, so any change-feed subscription already open for
	// them is now working off a stale scope; force it closed.
	globals.broadcaster.RevokeEmail(body.Email)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func handleProviderWS(w http.ResponseWriter, r *http.Request) {
	serveProviderWS(w, r, globals.coordinator, globals.registry)
}

func renderDevices(devices []t.Device) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(devices))
	for i := range devices {
		out = append(out, renderDevice(&devices[i]))
	}
	return out
}

func renderDevice(d *t.Device) map[string]interface{} {
	return map[string]interface{}{
		"udid":          d.Udid,
		"platform":      d.Platform,
		"department":    d.Department,
		"owner":         d.Owner,
		"present":       len(d.Sources) > 0,
		"state":         d.ComputeState(),
		"usingBy":       d.UsingBy,
		"idleTimeout":   d.IdleTimeout,
		"usingDuration": d.UsingDuration.Seconds(),
		"properties":    d.Properties,
		"updatedAt":     d.UpdatedAt,
	}
}

func renderUser(u *t.User, groups []t.Group) map[string]interface{} {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return map[string]interface{}{
		"email":    u.Email,
		"username": u.Username,
		"isAdmin":  u.IsAdmin,
		"groups":   names,
	}
}
