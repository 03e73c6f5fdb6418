// Package authz implements the visibility and mutation predicates that
// decide what a principal may see and do to a device, and compiles
// those same predicates into Store-level scope functions so listing
// never has to post-filter a full table scan.
package authz

import (
	t "github.com/fleetdesk/broker/server/store/types"
)

// Principal is the resolved identity of an HTTP or WebSocket caller.
type Principal struct {
	Uid     t.Uid
	Email   string
	IsAdmin bool
	groups  []string // gids the principal is a member of
}

// NewPrincipal builds a Principal from a user record and the groups
// that user belongs to (needed to resolve device-owner visibility: a
// device's Owner may name a group gid instead of an email).
func NewPrincipal(u *t.User, groups []t.Group) Principal {
	if u == nil {
		return Principal{}
	}
	gids := make([]string, 0, len(groups))
	for _, g := range groups {
		gids = append(gids, g.Gid)
	}
	return Principal{Uid: u.Uid, Email: u.Email, IsAdmin: u.IsAdmin, groups: gids}
}

// IsAnonymous reports whether the principal failed to resolve to a user.
func (p Principal) IsAnonymous() bool {
	return p.Email == ""
}

func (p Principal) inGroup(gid string) bool {
	for _, g := range p.groups {
		if g == gid {
			return true
		}
	}
	return false
}

// Visible reports whether the principal may see device d at all:
// visible(principal, device) = principal.admin || device.owner in
// ({"", principal.email} union principal.groups). An empty Owner means
// the device is public.
func Visible(p Principal, d *t.Device) bool {
	if p.IsAdmin {
		return true
	}
	if d.Owner == "" {
		return true
	}
	if p.IsAnonymous() {
		return false
	}
	if d.Owner == p.Email {
		return true
	}
	return p.inGroup(d.Owner)
}

// MayMutate reports whether the principal may issue release/property-
// change operations against a device already leased. Acquiring an idle
// device is gated by Visible alone (spec.md §4.5's acquire guard), not
// by MayMutate.
func MayMutate(p Principal, d *t.Device) bool {
	if p.IsAdmin {
		return true
	}
	return d.UsingBy != "" && d.UsingBy == p.Email
}

// Scope compiles Visible into a predicate DeviceFilter/DeviceWatch apply
// inside the adapter, so an adapter never returns rows the caller is not
// allowed to see. The adapters evaluate it in Go over the rows they
// fetch; it is not translated into a database query.
func Scope(p Principal) func(*t.Device) bool {
	return func(d *t.Device) bool {
		return Visible(p, d)
	}
}
