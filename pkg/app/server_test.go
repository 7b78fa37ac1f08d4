// Copyright 2024 kharf
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ecorp/shipyard/pkg/app"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"golang.org/x/crypto/bcrypt"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func testUsers(t *testing.T) app.Users {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	assert.NilError(t, err)
	return app.Users{"alice": string(hash)}
}

func newServer(t *testing.T, log logr.Logger, config app.Config) *app.Server {
	if config.Users == nil {
		config.Users = testUsers(t)
	}
	if config.SessionKey == nil {
		config.SessionKey = []byte("0123456789abcdef0123456789abcdef")
	}
	server, err := app.New(log, config)
	assert.NilError(t, err)
	return server
}

func serve(server *app.Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func loginRequest(username, password string) *http.Request {
	form := url.Values{"username": {username}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestIndex(t *testing.T) {
	server := newServer(t, logr.Discard(), app.Config{})
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, is.Contains(rec.Body.String(), app.Greeting))
	assert.Assert(t, is.Contains(rec.Body.String(), `<a href="/login">Log in</a>`))
	assert.Assert(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
}

func TestHealthz(t *testing.T) {
	server := newServer(t, logr.Discard(), app.Config{})
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Body.String(), "ok")
}

func TestLoginLogout(t *testing.T) {
	server := newServer(t, logr.Discard(), app.Config{RequestsPerMinute: 100, LoginsPerMinute: 100})

	rec := serve(server, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, is.Contains(rec.Body.String(), `<form method="post" action="/login">`))

	rec = serve(server, loginRequest("alice", "correct horse"))
	assert.Equal(t, rec.Code, http.StatusSeeOther)
	assert.Equal(t, rec.Header().Get("Location"), "/")
	cookies := rec.Result().Cookies()
	assert.Assert(t, is.Len(cookies, 1))
	session := cookies[0]
	assert.Equal(t, session.Name, "session")
	assert.Assert(t, session.Secure)
	assert.Assert(t, session.HttpOnly)
	assert.Equal(t, session.SameSite, http.SameSiteStrictMode)
	assert.Equal(t, session.MaxAge, 1800)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(session)
	rec = serve(server, req)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, is.Contains(rec.Body.String(), "Logged in as alice."))

	req = httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(session)
	rec = serve(server, req)
	assert.Equal(t, rec.Code, http.StatusSeeOther)
	cookies = rec.Result().Cookies()
	assert.Assert(t, is.Len(cookies, 1))
	assert.Assert(t, cookies[0].MaxAge < 0)
}

func TestLogin_Failure(t *testing.T) {
	var logs bytes.Buffer
	log := funcr.New(func(prefix, args string) {
		logs.WriteString(args)
		logs.WriteString("\n")
	}, funcr.Options{})
	server := newServer(t, log, app.Config{RequestsPerMinute: 100, LoginsPerMinute: 100})

	testCases := []struct {
		name     string
		username string
		password string
	}{
		{name: "Wrong-password", username: "alice", password: "hunter2"},
		{name: "Unknown-user", username: "mallory", password: "hunter2"},
		{name: "Empty", username: "", password: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(server, loginRequest(tc.username, tc.password))
			assert.Equal(t, rec.Code, http.StatusOK)
			assert.Assert(t, is.Contains(rec.Body.String(), "Invalid username or password. Please try again."))
			assert.Assert(t, is.Len(rec.Result().Cookies(), 0))
		})
	}
	assert.Assert(t, is.Contains(logs.String(), "Login failed"))
	assert.Assert(t, !strings.Contains(logs.String(), "hunter2"))
}

func TestInsecureCookies(t *testing.T) {
	server := newServer(t, logr.Discard(), app.Config{InsecureCookies: true, SessionLifetime: time.Minute})
	rec := serve(server, loginRequest("alice", "correct horse"))
	assert.Equal(t, rec.Code, http.StatusSeeOther)
	cookies := rec.Result().Cookies()
	assert.Assert(t, is.Len(cookies, 1))
	assert.Assert(t, !cookies[0].Secure)
	assert.Equal(t, cookies[0].MaxAge, 60)
}

func TestSessionKey(t *testing.T) {
	first := newServer(t, logr.Discard(), app.Config{})
	rec := serve(first, loginRequest("alice", "correct horse"))
	cookies := rec.Result().Cookies()
	assert.Assert(t, is.Len(cookies, 1))

	second := newServer(t, logr.Discard(), app.Config{SessionKey: []byte("fedcba9876543210fedcba9876543210")})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec = serve(second, req)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, !strings.Contains(rec.Body.String(), "Logged in"))
}

func TestRateLimit(t *testing.T) {
	testCases := []struct {
		name    string
		method  string
		path    string
		allowed int
	}{
		{name: "Overall", method: http.MethodGet, path: "/", allowed: 10},
		{name: "Login", method: http.MethodGet, path: "/login", allowed: 5},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newServer(t, logr.Discard(), app.Config{})
			for i := 0; i < tc.allowed; i++ {
				rec := serve(server, httptest.NewRequest(tc.method, tc.path, nil))
				assert.Equal(t, rec.Code, http.StatusOK, "request %d", i)
			}
			rec := serve(server, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, rec.Code, http.StatusTooManyRequests)

			other := httptest.NewRequest(tc.method, tc.path, nil)
			other.RemoteAddr = "198.51.100.7:4242"
			rec = serve(server, other)
			assert.Equal(t, rec.Code, http.StatusOK)

			rec = serve(server, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, rec.Code, http.StatusOK)
		})
	}
}

func TestRateLimit_RoutesCountSeparately(t *testing.T) {
	server := newServer(t, logr.Discard(), app.Config{})
	for i := 0; i < 10; i++ {
		rec := serve(server, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, rec.Code, http.StatusOK, "request %d", i)
	}
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, rec.Code, http.StatusTooManyRequests)

	for i := 0; i < 5; i++ {
		rec := serve(server, httptest.NewRequest(http.MethodGet, "/login", nil))
		assert.Equal(t, rec.Code, http.StatusOK, "login request %d", i)
	}
	rec = serve(server, loginRequest("alice", "wrong"))
	assert.Equal(t, rec.Code, http.StatusTooManyRequests)

	rec = serve(server, httptest.NewRequest(http.MethodGet, "/logout", nil))
	assert.Assert(t, rec.Code != http.StatusTooManyRequests)
}

func TestMetrics(t *testing.T) {
	server := newServer(t, logr.Discard(), app.Config{})
	serve(server, httptest.NewRequest(http.MethodGet, "/", nil))
	serve(server, loginRequest("alice", "wrong"))

	rec := serve(server, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	body := rec.Body.String()
	assert.Assert(t, is.Contains(body, `shipyard_app_requests_total{code="200",method="GET",route="/"} 1`))
	assert.Assert(t, is.Contains(body, `shipyard_app_logins_total{result="failure"} 1`))
	assert.Assert(t, is.Contains(body, "shipyard_app_request_duration_seconds_bucket"))
}

func TestStart(t *testing.T) {
	server := newServer(t, logr.Discard(), app.Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errChan:
		assert.NilError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestLoadUsers(t *testing.T) {
	dir := t.TempDir()
	hash, err := app.HashPassword("correct horse")
	assert.NilError(t, err)

	valid := filepath.Join(dir, "users.yaml")
	assert.NilError(t, os.WriteFile(valid, []byte("users:\n  alice: "+hash+"\n"), 0600))
	users, err := app.LoadUsers(valid)
	assert.NilError(t, err)
	assert.Assert(t, users.Authenticate("alice", "correct horse"))
	assert.Assert(t, !users.Authenticate("alice", "hunter2"))
	assert.Assert(t, !users.Authenticate("bob", "correct horse"))

	invalid := filepath.Join(dir, "invalid.yaml")
	assert.NilError(t, os.WriteFile(invalid, []byte("users:\n  alice: plaintext\n"), 0600))
	_, err = app.LoadUsers(invalid)
	assert.ErrorIs(t, err, app.ErrInvalidHash)

	empty := filepath.Join(dir, "empty.yaml")
	assert.NilError(t, os.WriteFile(empty, []byte("{}\n"), 0600))
	users, err = app.LoadUsers(empty)
	assert.NilError(t, err)
	assert.Equal(t, len(users), 0)
}
