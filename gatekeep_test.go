package gatekeep

import (
	"context"
	"errors"
	"testing"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/cache"
	"github.com/lborres/gatekeep/services"
)

// recordingHTTP captures what New mounts.
type recordingHTTP struct {
	handler   core.AuthHandler
	endpoints []*core.Endpoint
	basePath  string
	err       error
}

func (r *recordingHTTP) RegisterRoutes(handler core.AuthHandler, endpoints []*core.Endpoint, basePath string) error {
	r.handler = handler
	r.endpoints = endpoints
	r.basePath = basePath
	return r.err
}

func validOptions() (Options, *recordingHTTP) {
	http := &recordingHTTP{}
	return Options{
		Storage:  services.NewFakeStorage(),
		Sessions: cache.NewMemorySessionStore(cache.Config{}),
		HTTP:     http,
	}, http
}

// Requirement: New refuses to start without storage, a session store, or an
// HTTP adapter.
func TestNewShouldRequireAdapters(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr error
	}{
		{name: "no storage", mutate: func(o *Options) { o.Storage = nil }, wantErr: ErrDBAdapterRequired},
		{name: "no session store", mutate: func(o *Options) { o.Sessions = nil }, wantErr: ErrSessionStoreRequired},
		{name: "no http adapter", mutate: func(o *Options) { o.HTTP = nil }, wantErr: ErrHTTPAdapterRequired},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			opts, _ := validOptions()
			test.mutate(&opts)

			// Act
			_, err := New(opts)

			// Assert
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("New() error = %v, want %v", err, test.wantErr)
			}
		})
	}
}

// Requirement: New mounts every base endpoint under the default base path.
func TestNewShouldRegisterRoutes(t *testing.T) {
	// Arrange
	opts, http := validOptions()

	// Act
	g, err := New(opts)

	// Assert
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if http.basePath != "/api/auth" || g.BasePath != "/api/auth" {
		t.Errorf("base path = %q, want /api/auth", http.basePath)
	}
	if len(http.endpoints) != len(services.BaseEndpoints()) {
		t.Errorf("mounted %d endpoints, want %d", len(http.endpoints), len(services.BaseEndpoints()))
	}
	if http.handler != g.Auth {
		t.Error("the auth service should be the route handler")
	}
	if g.Tracker() == nil {
		t.Error("Tracker() should be available for pruning")
	}
}

// Requirement: a trailing slash on the base path is ignored.
func TestNewShouldTrimBasePath(t *testing.T) {
	opts, http := validOptions()
	opts.BasePath = "/auth/"

	if _, err := New(opts); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if http.basePath != "/auth" {
		t.Errorf("base path = %q, want /auth", http.basePath)
	}
}

// Requirement: plugin endpoints that collide with a base endpoint are rejected
// before anything is mounted.
func TestNewShouldRejectConflictingPlugins(t *testing.T) {
	// Arrange
	opts, http := validOptions()
	base := services.BaseEndpoints()[0]
	opts.Plugins = []core.Endpoint{{Method: base.Method, Path: base.Path}}

	// Act
	_, err := New(opts)

	// Assert
	if err == nil {
		t.Fatal("New() should fail on a conflicting plugin endpoint")
	}
	if http.endpoints != nil {
		t.Error("no routes should be mounted")
	}
}

// Requirement: adapter registration failures surface from New.
func TestNewShouldPropagateRegistrationError(t *testing.T) {
	opts, http := validOptions()
	http.err = ErrEndpointNotImplemented

	_, err := New(opts)

	if !errors.Is(err, ErrEndpointNotImplemented) {
		t.Fatalf("New() error = %v, want %v", err, ErrEndpointNotImplemented)
	}
}

// Requirement: the assembled service starts anonymous sessions out of the box.
func TestNewShouldServeSessions(t *testing.T) {
	opts, _ := validOptions()
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	token, err := g.Auth.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	entry, err := g.Auth.ResolveSession(context.Background(), token.Token)
	if err != nil {
		t.Fatalf("ResolveSession() error = %v", err)
	}
	if entry.UserID != "" {
		t.Errorf("new session should be anonymous, got user %q", entry.UserID)
	}
}
