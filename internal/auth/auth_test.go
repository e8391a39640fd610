package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubAssertion struct {
	name   string
	result bool
	err    error
	calls  int
}

func (s *stubAssertion) Name() string { return s.name }

func (s *stubAssertion) IsAdmin(ctx context.Context, id Identity) (bool, error) {
	s.calls++
	return s.result, s.err
}

type stubDirectory struct {
	admins   map[string]bool
	profiles map[string]bool
	err      error
}

func (d *stubDirectory) InAdminTable(ctx context.Context, userID string) (bool, error) {
	return d.admins[userID], d.err
}

func (d *stubDirectory) ProfileIsAdmin(ctx context.Context, userID string) (bool, error) {
	return d.profiles[userID], d.err
}

func TestIdentityMiddleware_MissingUser(t *testing.T) {
	called := false
	h := NewIdentityMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("GET", "/v1/balance", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
	if called {
		t.Error("Next handler must not run without identity")
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Error("Expected a request id even on rejection")
	}
}

func TestIdentityMiddleware_AttachesIdentity(t *testing.T) {
	var got Identity
	var requestID string
	h := NewIdentityMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetIdentity(r.Context())
		requestID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/balance", nil)
	req.Header.Set(HeaderUserID, " user-42 ")
	req.Header.Set(HeaderUserRoles, "member, Admin")
	req.Header.Set(HeaderRequestID, "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got.UserID != "user-42" {
		t.Errorf("Expected user-42, got %q", got.UserID)
	}
	if !got.HasRole("admin") {
		t.Errorf("Expected admin role, got %v", got.Roles)
	}
	if requestID != "req-1" {
		t.Errorf("Expected propagated request id, got %q", requestID)
	}
}

func TestChain_ShortCircuitsOnFirstMatch(t *testing.T) {
	first := &stubAssertion{name: "first", result: false}
	second := &stubAssertion{name: "second", result: true}
	third := &stubAssertion{name: "third", result: true}
	chain := NewChain(nil, nil, first, second, third)

	ok, err := chain.IsAdmin(context.Background(), Identity{UserID: "u"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("Expected admin")
	}
	if first.calls != 1 || second.calls != 1 || third.calls != 0 {
		t.Errorf("Unexpected calls: %d %d %d", first.calls, second.calls, third.calls)
	}
}

func TestChain_ErrorOnlyMattersWithoutMatch(t *testing.T) {
	broken := &stubAssertion{name: "broken", err: errors.New("db down")}

	ok, err := NewChain(nil, nil, broken, &stubAssertion{name: "yes", result: true}).IsAdmin(context.Background(), Identity{UserID: "u"})
	if err != nil || !ok {
		t.Errorf("Expected later match to win, got %v, %v", ok, err)
	}

	_, err = NewChain(nil, nil, broken, &stubAssertion{name: "no"}).IsAdmin(context.Background(), Identity{UserID: "u"})
	if err == nil {
		t.Error("Expected error when no strategy matched and one failed")
	}
}

func TestChain_Strategies(t *testing.T) {
	dir := &stubDirectory{
		admins:   map[string]bool{"table-admin": true},
		profiles: map[string]bool{"profile-admin": true},
	}
	chain := NewChain(nil, nil,
		AdminTable{Dir: dir},
		ProfileFlag{Dir: dir},
		IdentityClaims{},
		NewStaticList("ops-1"),
	)

	tests := []struct {
		id   Identity
		want bool
	}{
		{Identity{UserID: "table-admin"}, true},
		{Identity{UserID: "profile-admin"}, true},
		{Identity{UserID: "claims", Roles: []string{"admin"}}, true},
		{Identity{UserID: "ops-1"}, true},
		{Identity{UserID: "nobody", Roles: []string{"member"}}, false},
	}
	for _, tt := range tests {
		got, err := chain.IsAdmin(context.Background(), tt.id)
		if err != nil {
			t.Fatalf("%s: %v", tt.id.UserID, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.id.UserID, tt.want, got)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	chain := NewChain(nil, nil, NewStaticList("boss"))
	h := RequireAdmin(chain)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name string
		ctx  context.Context
		want int
	}{
		{"no identity", context.Background(), http.StatusUnauthorized},
		{"not admin", WithIdentity(context.Background(), Identity{UserID: "pleb"}), http.StatusForbidden},
		{"admin", WithIdentity(context.Background(), Identity{UserID: "boss"}), http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/budget/status", nil).WithContext(tt.ctx)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestRequireAdmin_CheckFailure(t *testing.T) {
	chain := NewChain(nil, nil, &stubAssertion{name: "broken", err: errors.New("timeout")})
	h := RequireAdmin(chain)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/admin/budget/status", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: "u"}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}
