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

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	DefaultAddr     = ":5050"
	Greeting        = "Hello from ecorp!"
	sessionName     = "session"
	sessionUserKey  = "username"
	loginFailedText = "Invalid username or password. Please try again."
)

type Config struct {
	Addr string
	// SessionKey authenticates session cookies. A random key is generated when empty,
	// sessions then do not survive restarts.
	SessionKey []byte
	// SessionLifetime defaults to 30 minutes.
	SessionLifetime time.Duration
	// InsecureCookies drops the Secure attribute, for plain http development setups.
	InsecureCookies bool
	// RequestsPerMinute limits every client per route, defaults to 10.
	RequestsPerMinute int
	// LoginsPerMinute limits /login instead, defaults to 5.
	LoginsPerMinute int
	Users           Users
	// Registry receives the server metrics and backs /metrics. Defaults to a private registry.
	Registry *prometheus.Registry
}

type Server struct {
	log      logr.Logger
	config   Config
	echo     *echo.Echo
	sessions *sessions.CookieStore
	metrics  *metrics
}

type metrics struct {
	requests *prometheus.CounterVec
	logins   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "app",
			Name:      "requests_total",
			Help:      "Handled HTTP requests",
		}, []string{"method", "route", "code"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "app",
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "app",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests",
		}, []string{"route"}),
	}
	registry.MustRegister(m.requests, m.logins, m.duration)
	return m
}

func New(log logr.Logger, config Config) (*Server, error) {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.SessionLifetime == 0 {
		config.SessionLifetime = 30 * time.Minute
	}
	if config.RequestsPerMinute == 0 {
		config.RequestsPerMinute = 10
	}
	if config.LoginsPerMinute == 0 {
		config.LoginsPerMinute = 5
	}
	if config.Users == nil {
		config.Users = Users{}
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if len(config.SessionKey) == 0 {
		log.Info("No session key configured, generating one")
		config.SessionKey = make([]byte, 32)
		if _, err := rand.Read(config.SessionKey); err != nil {
			return nil, err
		}
	}

	store := sessions.NewCookieStore(config.SessionKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(config.SessionLifetime.Seconds()),
		Secure:   !config.InsecureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	store.MaxAge(store.Options.MaxAge)

	server := &Server{
		log:      log,
		config:   config,
		echo:     echo.New(),
		sessions: store,
		metrics:  newMetrics(config.Registry),
	}
	server.routes()
	return server, nil
}

func (server *Server) routes() {
	e := server.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		var httpErr *echo.HTTPError
		if !errors.As(err, &httpErr) || httpErr.Code >= http.StatusInternalServerError {
			server.log.Error(err, "Request failed", "path", c.Request().URL.Path)
		}
	}
	e.Use(middleware.Recover())
	e.Use(server.observe)

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(server.config.Registry, promhttp.HandlerOpts{})))

	// every route counts on its own, the login limit replaces the default one
	e.GET("/", server.index, rateLimiter(server.config.RequestsPerMinute))
	e.GET("/logout", server.logout, rateLimiter(server.config.RequestsPerMinute))
	logins := rateLimiter(server.config.LoginsPerMinute)
	e.GET("/login", server.loginForm, logins)
	e.POST("/login", server.login, logins)
}

// rateLimiter allows perMinute requests per client ip, refilling evenly over the minute.
// Each call has its own store.
func rateLimiter(perMinute int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Every(time.Minute / time.Duration(perMinute)),
		Burst:     perMinute,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too many requests")
		},
	})
}

func (server *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		code := c.Response().Status
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			code = httpErr.Code
		}
		server.metrics.requests.WithLabelValues(c.Request().Method, route, strconv.Itoa(code)).Inc()
		server.metrics.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		return err
	}
}

var pages = template.Must(template.New("pages").Parse(`{{ define "index" }}<!DOCTYPE html>
<html>
<head><title>ecorp</title></head>
<body>
<h1>{{ .Greeting }}</h1>
{{ if .Username }}<p>Logged in as {{ .Username }}. <a href="/logout">Log out</a></p>
{{ else }}<p><a href="/login">Log in</a></p>
{{ end }}</body>
</html>
{{ end }}{{ define "login" }}<!DOCTYPE html>
<html>
<head><title>Log in</title></head>
<body>
{{ if .Error }}<p class="error">{{ .Error }}</p>
{{ end }}<form method="post" action="/login">
<label>Username <input name="username" autocomplete="username"></label>
<label>Password <input name="password" type="password" autocomplete="current-password"></label>
<button type="submit">Log in</button>
</form>
</body>
</html>
{{ end }}`))

func (server *Server) render(c echo.Context, page string, data map[string]interface{}) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return pages.ExecuteTemplate(c.Response(), page, data)
}

func (server *Server) username(c echo.Context) string {
	session, err := server.sessions.Get(c.Request(), sessionName)
	if err != nil {
		return ""
	}
	username, _ := session.Values[sessionUserKey].(string)
	return username
}

func (server *Server) index(c echo.Context) error {
	return server.render(c, "index", map[string]interface{}{
		"Greeting": Greeting,
		"Username": server.username(c),
	})
}

func (server *Server) loginForm(c echo.Context) error {
	return server.render(c, "login", map[string]interface{}{})
}

func (server *Server) login(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")
	if username == "" || password == "" || !server.config.Users.Authenticate(username, password) {
		server.metrics.logins.WithLabelValues("failure").Inc()
		server.log.Info("Login failed", "user", username, "ip", c.RealIP())
		return server.render(c, "login", map[string]interface{}{
			"Error": loginFailedText,
		})
	}

	// a stale or tampered cookie yields a fresh session
	session, _ := server.sessions.Get(c.Request(), sessionName)
	session.Values[sessionUserKey] = username
	if err := session.Save(c.Request(), c.Response()); err != nil {
		return err
	}
	server.metrics.logins.WithLabelValues("success").Inc()
	server.log.Info("User logged in", "user", username)
	return c.Redirect(http.StatusSeeOther, "/")
}

func (server *Server) logout(c echo.Context) error {
	session, _ := server.sessions.Get(c.Request(), sessionName)
	delete(session.Values, sessionUserKey)
	session.Options.MaxAge = -1
	if err := session.Save(c.Request(), c.Response()); err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

// Handler exposes the server for tests and embedding.
func (server *Server) Handler() http.Handler {
	return server.echo
}

// Start serves until ctx is done and shuts down gracefully.
func (server *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		server.log.Info("Serving", "addr", server.config.Addr)
		errChan <- server.echo.Start(server.config.Addr)
	}()
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}
	graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.echo.Shutdown(graceful); err != nil {
		return err
	}
	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
