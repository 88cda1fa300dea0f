package fiber

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/cache"
	"github.com/lborres/gatekeep/pkg/crypto"
	"github.com/lborres/gatekeep/services"
)

const basePath = "/api/auth"

type testServer struct {
	app      *fiber.App
	sessions *cache.MemorySessionStore
}

func newTestServer(t *testing.T, config Config) *testServer {
	t.Helper()

	hasher := &crypto.Argon2{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	logger := slog.New(slog.DiscardHandler)
	sessions := cache.NewMemorySessionStore(cache.Config{})
	svc := services.NewAuthService(services.NewFakeStorage(), sessions, services.Config{
		Session:          core.SessionConfig{MaxAge: time.Hour, CeremonyTTL: 5 * time.Minute},
		PasswordHasher:   hasher,
		BackupCodeHasher: hasher,
		Mailer:           services.NewFakeMailer(),
		Logger:           logger,
	})

	config.Logger = logger
	app := fiber.New()
	if err := New(app, config).RegisterRoutes(svc, services.NewEndpointRegistry().Endpoints(), basePath); err != nil {
		t.Fatalf("RegisterRoutes() error = %v", err)
	}
	return &testServer{app: app, sessions: sessions}
}

// do sends a JSON request, with the session cookie when token is set.
func (s *testServer) do(t *testing.T, method, path string, body any, token string, headers ...string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, basePath+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: token})
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	return nil
}

func decodeError(t *testing.T, resp *http.Response) core.ErrorResponse {
	t.Helper()
	var body core.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func signUpBody(email string) map[string]string {
	return map[string]string{"email": email, "password": "password123", "username": "alice"}
}

// Requirement: every registry endpoint needs a handler; an unknown operation
// fails registration.
func TestRegisterRoutes_UnknownOperation(t *testing.T) {
	// Arrange
	app := fiber.New()
	endpoints := []*core.Endpoint{
		{Path: "/me", Method: http.MethodGet, Metadata: core.EndpointMetadata{OperationID: services.OpMe}},
		{Path: "/export", Method: http.MethodGet, Metadata: core.EndpointMetadata{OperationID: "exportData"}},
	}

	// Act
	err := New(app, Config{}).RegisterRoutes(nil, endpoints, basePath)

	// Assert
	if !errors.Is(err, core.ErrEndpointNotImplemented) {
		t.Fatalf("RegisterRoutes() error = %v, want ErrEndpointNotImplemented", err)
	}
	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, basePath+"/me", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("no route should be mounted after a failed registration, got %d", resp.StatusCode)
	}
}

// Requirement: a password login sets the session cookie, which then resolves
// to the user until sign out.
func TestAdapter_PasswordFlow(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := s.do(t, http.MethodPost, "/sign-up", signUpBody("alice@example.com"), "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("sign-up status = %d, want 201", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, "/sign-in", map[string]string{"email": "alice@example.com", "password": "password123"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign-in status = %d, want 200", resp.StatusCode)
	}
	cookie := sessionCookie(resp)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("sign-in should set the session cookie")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode || cookie.Path != "/" {
		t.Errorf("cookie attributes = %+v", cookie)
	}

	resp = s.do(t, http.MethodGet, "/me", nil, cookie.Value)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d, want 200", resp.StatusCode)
	}
	var profile struct {
		User struct {
			Username string `json:"username"`
		} `json:"user"`
		Methods []string `json:"methods"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		t.Fatal(err)
	}
	if profile.User.Username != "alice" || len(profile.Methods) != 1 || profile.Methods[0] != "password" {
		t.Errorf("profile = %+v", profile)
	}

	resp = s.do(t, http.MethodPost, "/sign-out", nil, cookie.Value)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign-out status = %d, want 200", resp.StatusCode)
	}

	resp = s.do(t, http.MethodGet, "/me", nil, cookie.Value)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("me after sign-out status = %d, want 401", resp.StatusCode)
	}
}

// Requirement: errors render as ErrorResponse with the category status.
func TestAdapter_ErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, s *testServer)
		method     string
		path       string
		body       any
		wantStatus int
	}{
		{
			name:       "authenticated endpoint without cookie",
			method:     http.MethodGet,
			path:       "/me",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "validation",
			method:     http.MethodPost,
			path:       "/sign-up",
			body:       map[string]string{"email": "not-an-email", "password": "password123"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "conflict",
			setup: func(t *testing.T, s *testServer) {
				s.do(t, http.MethodPost, "/sign-up", signUpBody("alice@example.com"), "")
			},
			method:     http.MethodPost,
			path:       "/sign-up",
			body:       signUpBody("alice@example.com"),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "wrong password",
			method:     http.MethodPost,
			path:       "/sign-in",
			body:       map[string]string{"email": "nobody@example.com", "password": "password123"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown oauth provider",
			method:     http.MethodGet,
			path:       "/oauth/myspace/login",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			s := newTestServer(t, Config{})
			if test.setup != nil {
				test.setup(t, s)
			}

			// Act
			resp := s.do(t, test.method, test.path, test.body, "")

			// Assert
			if resp.StatusCode != test.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, test.wantStatus)
			}
			body := decodeError(t, resp)
			if body.Code != test.wantStatus || body.Message == "" {
				t.Errorf("error body = %+v", body)
			}
		})
	}
}

// Requirement: session endpoints start an anonymous session when the caller
// has none.
func TestAdapter_AnonymousSessionOnDemand(t *testing.T) {
	// Arrange
	s := newTestServer(t, Config{})

	// Act
	resp := s.do(t, http.MethodPost, "/sign-in/second-factor", map[string]string{"code": "123456"}, "")

	// Assert
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a pending second factor", resp.StatusCode)
	}
	if sessionCookie(resp) == nil {
		t.Fatal("an anonymous session cookie should be issued")
	}
	if s.sessions.Len() != 1 {
		t.Errorf("session entries = %d, want 1", s.sessions.Len())
	}
}

// Requirement: login attempts are limited per client address.
func TestAdapter_LoginRateLimit(t *testing.T) {
	// Arrange
	s := newTestServer(t, Config{LoginRate: 1, LoginBurst: 2, TrustProxy: true})
	body := map[string]string{"email": "nobody@example.com", "password": "password123"}

	// Act
	var statuses []int
	for i := 0; i < 3; i++ {
		resp := s.do(t, http.MethodPost, "/sign-in", body, "", "X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		statuses = append(statuses, resp.StatusCode)
	}
	other := s.do(t, http.MethodPost, "/sign-in", body, "", "X-Forwarded-For", "203.0.113.8")

	// Assert
	if statuses[0] != http.StatusUnauthorized || statuses[1] != http.StatusUnauthorized {
		t.Errorf("first attempts = %v, want 401s", statuses[:2])
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third attempt = %d, want 429", statuses[2])
	}
	if other.StatusCode != http.StatusUnauthorized {
		t.Errorf("another address = %d, want 401", other.StatusCode)
	}
}

// Requirement: categories map to 401/401/409/400/404/502/500.
func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrSessionNotFound, http.StatusUnauthorized},
		{core.ErrInvalidCredentials, http.StatusUnauthorized},
		{core.ErrEmailTaken, http.StatusConflict},
		{core.ErrInvalidEmail, http.StatusBadRequest},
		{core.ErrPasskeyNotFound, http.StatusNotFound},
		{core.ErrOAuthExchange, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
		{errRateLimited, http.StatusTooManyRequests},
	}

	for _, test := range tests {
		if got := statusOf(test.err); got != test.want {
			t.Errorf("statusOf(%q) = %d, want %d", test.err, got, test.want)
		}
	}
}

// Requirement: idle limiters are dropped once the table grows large.
func TestIPLimiter_Sweep(t *testing.T) {
	// Arrange
	l := newIPLimiter(1, 1)
	base := time.Now()
	l.now = func() time.Time { return base }
	for i := 0; i < limiterSweepAfter; i++ {
		l.allow(string(rune('a'+i%26)) + time.Duration(i).String())
	}

	// Act
	l.now = func() time.Time { return base.Add(2 * limiterIdleTTL) }
	l.allow("fresh")

	// Assert
	if l.size() != 1 {
		t.Errorf("limiters = %d, want only the fresh one", l.size())
	}
}
