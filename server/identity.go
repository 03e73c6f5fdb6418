/******************************************************************************
 *
 *  Description :
 *
 *    Resolve an HTTP request to a principal: bearer token first, signed
 *    cookie second, anonymous otherwise. Login itself is out of scope —
 *    callers hand us an already-verified (email, username) tuple from
 *    whatever OAuth/OIDC flow fronts this service.
 *
 *****************************************************************************/

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/fleetdesk/broker/server/auth"
	"github.com/fleetdesk/broker/server/authz"
	"github.com/fleetdesk/broker/server/store"
	t "github.com/fleetdesk/broker/server/store/types"
)

const cookieName = "user_id"

var errInvalidToken = errors.New("identity: unrecognized bearer token")

// Identity resolves principals and completes external logins.
type Identity struct {
	cookies *securecookie.SecureCookie
	tokens  auth.Handler
}

// NewIdentity builds an Identity using the given cookie signing key and
// the registered "token" auth scheme.
func NewIdentity(cookieHashKey, cookieBlockKey []byte) *Identity {
	return &Identity{
		cookies: securecookie.New(cookieHashKey, cookieBlockKey),
		tokens:  auth.GetScheme("token"),
	}
}

// Resolve determines the calling principal for r.
func (id *Identity) Resolve(r *http.Request) (authz.Principal, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return id.resolveToken(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return id.resolveCookie(c.Value)
	}
	return authz.Principal{}, nil
}

// resolveToken looks the token up against the unique secondary index
// on Users.token (spec.md §4.2 point 1, §6): zero matches is rejected
// with 401 rather than silently degrading to anonymous, since an
// expired or forged token should never be indistinguishable from "no
// credentials supplied". The index is structurally unique (each user
// gets at most one live token, minted once at insert), so the "more
// than one match" case the spec also calls out cannot arise here.
func (id *Identity) resolveToken(token string) (authz.Principal, error) {
	if token == "" {
		return authz.Principal{}, newFleetError(KindUnauthorized, errInvalidToken)
	}
	u, err := store.Users.GetByToken(token)
	if err != nil {
		return authz.Principal{}, err
	}
	if u == nil {
		return authz.Principal{}, newFleetError(KindUnauthorized, errInvalidToken)
	}
	groups, err := store.Groups.ForMember(u.Email)
	if err != nil {
		return authz.Principal{}, err
	}
	return authz.NewPrincipal(u, groups), nil
}

func (id *Identity) resolveCookie(value string) (authz.Principal, error) {
	var email string
	if err := id.cookies.Decode(cookieName, value, &email); err != nil {
		return authz.Principal{}, nil
	}
	u, err := store.Users.GetByEmail(email)
	if err != nil || u == nil {
		return authz.Principal{}, err
	}
	groups, err := store.Groups.ForMember(u.Email)
	if err != nil {
		return authz.Principal{}, err
	}
	return authz.NewPrincipal(u, groups), nil
}

// SetCookie signs and attaches the session cookie for email to w.
func (id *Identity) SetCookie(w http.ResponseWriter, email string) error {
	encoded, err := id.cookies.Encode(cookieName, email)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(30 * 24 * time.Hour),
	})
	return nil
}

// CompleteLogin upserts the user behind an externally-verified
// (email, username) tuple, mints a bearer token, and sets the session
// cookie. The very first user ever created is promoted to admin (P7).
func (id *Identity) CompleteLogin(w http.ResponseWriter, email, username string) (*t.User, error) {
	existing, err := store.Users.GetByEmail(email)
	if err != nil {
		return nil, err
	}

	uid := t.ZeroUid
	isFirstUser := false
	if existing != nil {
		uid = existing.Uid
	} else {
		count, err := store.Users.Count()
		if err != nil {
			return nil, err
		}
		isFirstUser = count == 0
		uid, err = newUid()
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	insert := &t.User{
		Uid:            uid,
		Email:          email,
		Username:       username,
		IsAdmin:        isFirstUser,
		CreatedAt:      now,
		LastLoggedInAt: now,
	}

	secret, _, aerr := id.tokens.GenSecret(uid, auth.LevelAuth, 0)
	if aerr.IsError() {
		return nil, aerr
	}
	insert.Token = base64.RawURLEncoding.EncodeToString(secret)

	secretKey, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	insert.TokenSecret = secretKey

	u, err := store.Users.Upsert(email, insert, map[string]interface{}{
		"username":       username,
		"lastLoggedInAt": now,
	})
	if err != nil {
		return nil, err
	}

	if err := id.SetCookie(w, email); err != nil {
		return nil, err
	}
	return u, nil
}

func newUid() (t.Uid, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return t.ZeroUid, err
	}
	var u t.Uid
	u.UnmarshalBinary(b[:])
	if u == t.ZeroUid {
		u = t.Uid(1)
	}
	return u, nil
}
