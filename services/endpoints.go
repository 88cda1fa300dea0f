package services

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/lborres/gatekeep/core"
)

// Operation ids of the base endpoints. Adapters bind their handlers by these.
const (
	OpSignUp                = "signUp"
	OpSignIn                = "signIn"
	OpVerifySecondFactor    = "verifySecondFactor"
	OpSignOut               = "signOut"
	OpMe                    = "me"
	OpVerifyEmail           = "verifyEmail"
	OpResendVerification    = "resendVerification"
	OpChangePassword        = "changePassword"
	OpSetPassword           = "setPassword"
	OpOAuthLogin            = "oauthLogin"
	OpOAuthCallback         = "oauthCallback"
	OpTOTPSetup             = "totpSetup"
	OpTOTPEnable            = "totpEnable"
	OpTOTPDisable           = "totpDisable"
	OpTOTPStatus            = "totpStatus"
	OpTOTPBackupCodes       = "totpRegenerateBackupCodes"
	OpPasskeyRegisterBegin  = "passkeyRegisterBegin"
	OpPasskeyRegisterFinish = "passkeyRegisterFinish"
	OpPasskeyLoginBegin     = "passkeyLoginBegin"
	OpPasskeyLoginFinish    = "passkeyLoginFinish"
	OpListPasskeys          = "listPasskeys"
	OpDeletePasskey         = "deletePasskey"
	OpListSessions          = "listSessions"
	OpRevokeSession         = "revokeSession"
	OpRevokeOtherSessions   = "revokeOtherSessions"
)

// BaseEndpoints returns framework-agnostic endpoint definitions
// for all core authentication endpoints.
//
// Each endpoint is a template: Path, Method and Access are set and Metadata
// names the operation. Adapters provide the framework-specific handlers.
func BaseEndpoints() []core.Endpoint {
	return []core.Endpoint{
		endpoint(http.MethodPost, "/sign-up", core.AccessPublic, OpSignUp, "Register a user with email and password"),
		endpoint(http.MethodPost, "/sign-in", core.AccessSession, OpSignIn, "Sign in with email and password"),
		endpoint(http.MethodPost, "/sign-in/second-factor", core.AccessSession, OpVerifySecondFactor, "Complete a sign in with a TOTP or backup code"),
		endpoint(http.MethodPost, "/sign-out", core.AccessSession, OpSignOut, "Sign out and invalidate the current session"),
		endpoint(http.MethodGet, "/me", core.AccessAuthenticated, OpMe, "Get the signed in user"),

		endpoint(http.MethodPost, "/verify-email", core.AccessPublic, OpVerifyEmail, "Verify an email address with a mailed token"),
		endpoint(http.MethodPost, "/resend-verification", core.AccessAuthenticated, OpResendVerification, "Send a new email verification token"),
		endpoint(http.MethodPost, "/password/change", core.AccessAuthenticated, OpChangePassword, "Replace the current password"),
		endpoint(http.MethodPost, "/password/set", core.AccessAuthenticated, OpSetPassword, "Attach a first password to an account without one"),

		endpoint(http.MethodGet, "/oauth/:provider/login", core.AccessSession, OpOAuthLogin, "Redirect to an OAuth provider"),
		endpoint(http.MethodGet, "/oauth/:provider/callback", core.AccessSession, OpOAuthCallback, "Complete an OAuth sign in"),

		endpoint(http.MethodPost, "/totp/setup", core.AccessAuthenticated, OpTOTPSetup, "Start authenticator app enrollment"),
		endpoint(http.MethodPost, "/totp/enable", core.AccessAuthenticated, OpTOTPEnable, "Confirm enrollment and receive backup codes"),
		endpoint(http.MethodPost, "/totp/disable", core.AccessAuthenticated, OpTOTPDisable, "Turn off two-factor authentication"),
		endpoint(http.MethodGet, "/totp/status", core.AccessAuthenticated, OpTOTPStatus, "Get the two-factor state"),
		endpoint(http.MethodPost, "/totp/backup-codes", core.AccessAuthenticated, OpTOTPBackupCodes, "Replace the backup codes"),

		endpoint(http.MethodPost, "/passkeys/register/begin", core.AccessAuthenticated, OpPasskeyRegisterBegin, "Start registering a passkey"),
		endpoint(http.MethodPost, "/passkeys/register/finish", core.AccessAuthenticated, OpPasskeyRegisterFinish, "Finish registering a passkey"),
		endpoint(http.MethodPost, "/passkeys/login/begin", core.AccessSession, OpPasskeyLoginBegin, "Start a passkey sign in"),
		endpoint(http.MethodPost, "/passkeys/login/finish", core.AccessSession, OpPasskeyLoginFinish, "Finish a passkey sign in"),
		endpoint(http.MethodGet, "/passkeys", core.AccessAuthenticated, OpListPasskeys, "List the user's passkeys"),
		endpoint(http.MethodDelete, "/passkeys/:id", core.AccessAuthenticated, OpDeletePasskey, "Delete one of the user's passkeys"),

		endpoint(http.MethodGet, "/sessions", core.AccessAuthenticated, OpListSessions, "List the user's sessions"),
		endpoint(http.MethodDelete, "/sessions/:id", core.AccessAuthenticated, OpRevokeSession, "Revoke one of the user's sessions"),
		endpoint(http.MethodPost, "/sessions/revoke-others", core.AccessAuthenticated, OpRevokeOtherSessions, "Revoke every session except the current one"),
	}
}

func endpoint(method, path string, access core.Access, operationID, description string) core.Endpoint {
	return core.Endpoint{
		Path:   path,
		Method: method,
		Access: access,
		Metadata: core.EndpointMetadata{
			OperationID: operationID,
			Description: description,
		},
	}
}

// EndpointRegistry manages a collection of framework-agnostic endpoints
// and handles conflict detection for duplicate METHOD:PATH combinations.
//
// It starts with base authentication endpoints and supports registration of
// additional plugin endpoints with automatic conflict detection.
type EndpointRegistry struct {
	// endpoints stores all registered endpoints keyed by "METHOD:PATH"
	endpoints map[string]*core.Endpoint
}

// NewEndpointRegistry creates a new registry with all base authentication endpoints
// pre-registered.
func NewEndpointRegistry() *EndpointRegistry {
	reg := &EndpointRegistry{
		endpoints: make(map[string]*core.Endpoint),
	}

	for _, ep := range BaseEndpoints() {
		ep := ep
		// base endpoints are unique by construction
		_ = reg.register(&ep)
	}

	return reg
}

func endpointKey(ep *core.Endpoint) string {
	return fmt.Sprintf("%s:%s", ep.Method, ep.Path)
}

// register adds a single endpoint to the registry with conflict detection.
// Returns error if an endpoint with the same METHOD:PATH already exists.
func (r *EndpointRegistry) register(ep *core.Endpoint) error {
	key := endpointKey(ep)

	if _, exists := r.endpoints[key]; exists {
		return fmt.Errorf("endpoint conflict: %s %s already registered", ep.Method, ep.Path)
	}

	r.endpoints[key] = ep
	return nil
}

// RegisterPlugin registers additional plugin endpoints to the registry.
// Returns error if any plugin endpoint conflicts with existing endpoints
// or with other plugin endpoints in the same batch.
//
// If an error occurs, no endpoints from the plugin are registered.
func (r *EndpointRegistry) RegisterPlugin(endpoints []core.Endpoint) error {
	seen := make(map[string]bool, len(endpoints))
	for i := range endpoints {
		key := endpointKey(&endpoints[i])

		if _, exists := r.endpoints[key]; exists {
			return fmt.Errorf("plugin endpoint conflict: %s %s already registered", endpoints[i].Method, endpoints[i].Path)
		}
		if seen[key] {
			return fmt.Errorf("plugin contains duplicate endpoint: %s %s", endpoints[i].Method, endpoints[i].Path)
		}
		seen[key] = true
	}

	for i := range endpoints {
		ep := &endpoints[i]
		r.endpoints[endpointKey(ep)] = ep
	}

	return nil
}

// Endpoints returns all registered endpoints ordered by path, then method.
func (r *EndpointRegistry) Endpoints() []*core.Endpoint {
	result := make([]*core.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		result = append(result, ep)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Path != result[j].Path {
			return result[i].Path < result[j].Path
		}
		return result[i].Method < result[j].Method
	})
	return result
}
