// Package gatekeep wires the authentication services to a storage adapter, a
// session store, and an HTTP adapter.
package gatekeep

import (
	"fmt"
	"strings"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/cache"
	"github.com/lborres/gatekeep/pkg/crypto"
	"github.com/lborres/gatekeep/services"
)

// interfaces
type (
	StorageAdapter = core.StorageAdapter
	SessionStore   = core.SessionStore
	HTTPAdapter    = core.HTTPAdapter
	AuthHandler    = core.AuthHandler
	Mailer         = core.Mailer

	PasswordHandler = crypto.PasswordHandler
)

// structs
type (
	Config        = services.Config
	SessionConfig = core.SessionConfig
	PasskeyConfig = core.PasskeyConfig
	TOTPConfig    = core.TOTPConfig
	OAuthConfig   = core.OAuthConfig
	PolicyConfig  = core.PolicyConfig
	Endpoint      = core.Endpoint
)

type (
	User              = core.User
	SessionEntry      = core.SessionEntry
	SessionInfo       = core.SessionInfo
	PasskeyCredential = core.PasskeyCredential
	AuthResult        = core.AuthResult
	Profile           = core.Profile
)

const defaultBasePath = "/api/auth"

// Constructors & helpers (convenience re-exports)
var (
	NewArgon2             = crypto.NewArgon2
	NewMemorySessionStore = cache.NewMemorySessionStore
	DefaultSessionConfig  = core.DefaultSessionConfig
	DefaultPolicyConfig   = core.DefaultPolicyConfig
	NewLogMailer          = services.NewLogMailer
	ErrorKind             = core.KindOf
	PublicErrorMessage    = core.PublicMessage
)

var (
	ErrDBAdapterRequired      = core.ErrDBAdapterRequired
	ErrSessionStoreRequired   = core.ErrSessionStoreRequired
	ErrHTTPAdapterRequired    = core.ErrHTTPAdapterRequired
	ErrEndpointNotImplemented = core.ErrEndpointNotImplemented
)

// Error categories
var (
	ErrUnauthenticated   = core.ErrUnauthenticated
	ErrInvalidCredential = core.ErrInvalidCredential
	ErrConflict          = core.ErrConflict
	ErrValidation        = core.ErrValidation
	ErrNotFound          = core.ErrNotFound
	ErrUpstream          = core.ErrUpstream
	ErrInternal          = core.ErrInternal
)

type Options struct {
	Storage  core.StorageAdapter
	Sessions core.SessionStore
	HTTP     core.HTTPAdapter

	// BasePath prefixes every route; defaults to /api/auth.
	BasePath string
	// Plugins are extra endpoints mounted next to the built-in ones. The HTTP
	// adapter must know how to serve them.
	Plugins []core.Endpoint

	Config services.Config
}

type Gatekeep struct {
	Auth      *services.AuthService
	BasePath  string
	Endpoints []*core.Endpoint
}

func New(opts Options) (*Gatekeep, error) {
	if opts.Storage == nil {
		return nil, ErrDBAdapterRequired
	}
	if opts.Sessions == nil {
		return nil, ErrSessionStoreRequired
	}
	if opts.HTTP == nil {
		return nil, ErrHTTPAdapterRequired
	}

	// Set Defaults

	basePath := strings.TrimSuffix(opts.BasePath, "/")
	if basePath == "" {
		basePath = defaultBasePath
	}

	registry := services.NewEndpointRegistry()
	if len(opts.Plugins) > 0 {
		if err := registry.RegisterPlugin(opts.Plugins); err != nil {
			return nil, fmt.Errorf("failed to register plugin endpoints: %w", err)
		}
	}

	auth := services.NewAuthService(opts.Storage, opts.Sessions, opts.Config)

	g := &Gatekeep{
		Auth:      auth,
		BasePath:  basePath,
		Endpoints: registry.Endpoints(),
	}

	if err := opts.HTTP.RegisterRoutes(auth, g.Endpoints, basePath); err != nil {
		return nil, fmt.Errorf("failed to register routes: %w", err)
	}

	return g, nil
}

// Tracker exposes session pruning for a background janitor.
func (g *Gatekeep) Tracker() *services.SessionTracker {
	return g.Auth.Tracker()
}
