package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/kozy/internal/domain"
)

type fakeUsers struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	lastSeen map[string]time.Time
	err      error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: map[string]*domain.User{}, lastSeen: map[string]time.Time{}}
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

func (f *fakeUsers) UpsertUser(_ context.Context, u *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = u
	return nil
}

func (f *fakeUsers) UpdateLastSeen(_ context.Context, id string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen[id] = ts
	return nil
}

func TestMiddlewareAssignsIdentity(t *testing.T) {
	users := newFakeUsers()
	var gotUser, gotSession, gotConv string
	h := Middleware(users, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
		gotConv = ConversationIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set(SessionHeaderName, "tab-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !isValidAnonID(gotUser) {
		t.Fatalf("invalid anon id %q", gotUser)
	}
	if gotSession != "tab-1" || gotConv != gotUser+":tab-1" {
		t.Errorf("session = %q conversation = %q", gotSession, gotConv)
	}
	if users.users[gotUser] == nil {
		t.Error("user not created")
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != gotUser {
		t.Fatalf("unexpected cookies %+v", cookies)
	}

	// A returning visitor keeps the id and only touches last_seen.
	req = httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.AddCookie(cookies[0])
	first := gotUser
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotUser != first {
		t.Errorf("returning user got new id %q", gotUser)
	}
	if _, ok := users.lastSeen[first]; !ok {
		t.Error("last seen not updated")
	}
	if gotSession != DefaultSessionIDValue {
		t.Errorf("missing header should use default session, got %q", gotSession)
	}
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	var got string
	h := Middleware(newFakeUsers(), true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin"})
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got == "admin" || !strings.HasPrefix(got, "anon_") {
		t.Errorf("forged cookie accepted: %q", got)
	}
}

func TestMiddlewareStoreFailure(t *testing.T) {
	users := newFakeUsers()
	users.err = errors.New("db down")
	called := false
	h := Middleware(users, false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if called || rec.Code != http.StatusInternalServerError {
		t.Errorf("called=%v code=%d", called, rec.Code)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := map[string]string{
		"":                       DefaultSessionIDValue,
		"  tab.2  ":              "tab.2",
		"has space":              DefaultSessionIDValue,
		"x;drop":                 DefaultSessionIDValue,
		strings.Repeat("a", 129): DefaultSessionIDValue,
	}
	for in, want := range tests {
		if got := sanitizeSessionID(in); got != want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSessionFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?session_id=abc", nil)
	if got := sessionIDFromRequest(req); got != "abc" {
		t.Errorf("session = %q", got)
	}
}
