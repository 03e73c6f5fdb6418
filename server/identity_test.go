package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

var tokenSchemeOnce sync.Once

// initTestTokenScheme initializes the singleton "token" auth scheme
// once per test binary; Authenticator.Init refuses a second call.
func initTestTokenScheme(t2 *testing.T) {
	tokenSchemeOnce.Do(func() {
		if err := initTokenAuth(nil); err != nil {
			t2.Fatalf("initTokenAuth: %v", err)
		}
	})
}

func newTestIdentity(t2 *testing.T) *Identity {
	initTestTokenScheme(t2)
	hashKey, err := randomBytes(32)
	if err != nil {
		t2.Fatalf("randomBytes: %v", err)
	}
	blockKey, err := randomBytes(32)
	if err != nil {
		t2.Fatalf("randomBytes: %v", err)
	}
	return NewIdentity(hashKey, blockKey)
}

// TestResolveAnonymousWithNoCredentials covers the default principal a
// request with neither a bearer token nor a session cookie resolves to.
func TestResolveAnonymousWithNoCredentials(t2 *testing.T) {
	setupFakeStore(&testingTB{}, "identity-anon")
	id := newTestIdentity(t2)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	p, err := id.Resolve(r)
	if err != nil {
		t2.Fatalf("Resolve: %v", err)
	}
	if !p.IsAnonymous() {
		t2.Fatalf("expected an anonymous principal, got %+v", p)
	}
}

// TestCompleteLoginPromotesFirstUserToAdmin covers P7: the very first
// account ever created on this broker becomes an administrator.
func TestCompleteLoginPromotesFirstUserToAdmin(t2 *testing.T) {
	setupFakeStore(&testingTB{}, "identity-first-admin")
	id := newTestIdentity(t2)

	w := httptest.NewRecorder()
	u, err := id.CompleteLogin(w, "alice@example.com", "alice")
	if err != nil {
		t2.Fatalf("CompleteLogin: %v", err)
	}
	if !u.IsAdmin {
		t2.Fatalf("expected the first user to be promoted to admin")
	}

	w2 := httptest.NewRecorder()
	u2, err := id.CompleteLogin(w2, "bob@example.com", "bob")
	if err != nil {
		t2.Fatalf("CompleteLogin: %v", err)
	}
	if u2.IsAdmin {
		t2.Fatalf("the second user should not be promoted to admin")
	}
}

// TestResolveCookieRoundTrip checks that a cookie set by SetCookie is
// later resolved back to the same principal.
func TestResolveCookieRoundTrip(t2 *testing.T) {
	setupFakeStore(&testingTB{}, "identity-cookie")
	id := newTestIdentity(t2)

	w := httptest.NewRecorder()
	if _, err := id.CompleteLogin(w, "alice@example.com", "alice"); err != nil {
		t2.Fatalf("CompleteLogin: %v", err)
	}

	var cookieHeader string
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName {
			cookieHeader = c.String()
		}
	}
	if cookieHeader == "" {
		t2.Fatalf("expected a session cookie to be set")
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	r.Header.Set("Cookie", cookieHeader)
	p, err := id.Resolve(r)
	if err != nil {
		t2.Fatalf("Resolve: %v", err)
	}
	if p.Email != "alice@example.com" {
		t2.Fatalf("expected to resolve alice@example.com, got %+v", p)
	}
}

// TestResolveBearerTokenRoundTrip checks the token minted at login
// authenticates the same user back via the Authorization header.
func TestResolveBearerTokenRoundTrip(t2 *testing.T) {
	setupFakeStore(&testingTB{}, "identity-token")
	id := newTestIdentity(t2)

	w := httptest.NewRecorder()
	u, err := id.CompleteLogin(w, "alice@example.com", "alice")
	if err != nil {
		t2.Fatalf("CompleteLogin: %v", err)
	}
	if u.Token == "" {
		t2.Fatalf("expected a bearer token to be minted")
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	r.Header.Set("Authorization", "Bearer "+u.Token)
	p, err := id.Resolve(r)
	if err != nil {
		t2.Fatalf("Resolve: %v", err)
	}
	if p.Email != "alice@example.com" {
		t2.Fatalf("expected to resolve alice@example.com via bearer token, got %+v", p)
	}
}

// TestResolveRejectsMalformedBearerToken ensures an unrecognized bearer
// token is rejected with 401 instead of silently resolving anonymous.
func TestResolveRejectsMalformedBearerToken(t2 *testing.T) {
	setupFakeStore(&testingTB{}, "identity-bad-token")
	id := newTestIdentity(t2)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	r.Header.Set("Authorization", "Bearer "+strings.Repeat("x", 10))
	_, err := id.Resolve(r)
	if err == nil {
		t2.Fatalf("expected an error for an unrecognized bearer token")
	}
	fe, ok := err.(*FleetError)
	if !ok || fe.Kind != KindUnauthorized {
		t2.Fatalf("expected a KindUnauthorized FleetError, got %#v", err)
	}
}
