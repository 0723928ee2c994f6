package auth

import (
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	hashKey := make([]byte, 32)
	blockKey := make([]byte, 32)
	if _, err := rand.Read(hashKey); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := rand.Read(blockKey); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return NewStore(nil, hashKey, blockKey)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "hunter2" {
		t.Fatal("password stored in the clear")
	}
	if !CheckPassword(hash, "hunter2") {
		t.Fatal("correct password rejected")
	}
	if CheckPassword(hash, "hunter3") {
		t.Fatal("wrong password accepted")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := testStore(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	if err := s.SetSession(w, r, 42); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies set = %d, want 1", len(cookies))
	}

	r2 := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r2.AddCookie(cookies[0])
	uid, ok := s.UserID(r2)
	if !ok || uid != 42 {
		t.Fatalf("UserID = (%d, %v), want (42, true)", uid, ok)
	}
}

func TestSessionRejectsTamperedCookie(t *testing.T) {
	s := testStore(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	if err := s.SetSession(w, r, 42); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	c := w.Result().Cookies()[0]
	c.Value = c.Value[:len(c.Value)-2] + "xx"

	r2 := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r2.AddCookie(c)
	if _, ok := s.UserID(r2); ok {
		t.Fatal("tampered cookie accepted")
	}
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	s := testStore(t)

	called := false
	h := s.RequireAuth(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if called {
		t.Fatal("handler ran without a session")
	}
}

func TestRequireAuthPassesUserID(t *testing.T) {
	s := testStore(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	if err := s.SetSession(w, r, 7); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	var got int64
	h := s.RequireAuth(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, _ = UserIDFromContext(r.Context())
	}))

	r2 := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r2.AddCookie(w.Result().Cookies()[0])
	h.ServeHTTP(httptest.NewRecorder(), r2)
	if got != 7 {
		t.Fatalf("user id in context = %d, want 7", got)
	}
}
