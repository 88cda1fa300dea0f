package services

import (
	"net/http"
	"testing"

	"github.com/lborres/gatekeep/core"
)

// Requirement: BaseEndpoints describes every route of the HTTP surface with its
// method, access level and operation id.
func TestBaseEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		wantMethod string
		wantPath   string
		wantAccess core.Access
		wantOpID   string
	}{
		{name: "sign up is public", wantMethod: http.MethodPost, wantPath: "/sign-up", wantAccess: core.AccessPublic, wantOpID: OpSignUp},
		{name: "sign in needs a session", wantMethod: http.MethodPost, wantPath: "/sign-in", wantAccess: core.AccessSession, wantOpID: OpSignIn},
		{name: "second factor needs a session", wantMethod: http.MethodPost, wantPath: "/sign-in/second-factor", wantAccess: core.AccessSession, wantOpID: OpVerifySecondFactor},
		{name: "me needs a principal", wantMethod: http.MethodGet, wantPath: "/me", wantAccess: core.AccessAuthenticated, wantOpID: OpMe},
		{name: "oauth callback needs a session", wantMethod: http.MethodGet, wantPath: "/oauth/:provider/callback", wantAccess: core.AccessSession, wantOpID: OpOAuthCallback},
		{name: "totp enable needs a principal", wantMethod: http.MethodPost, wantPath: "/totp/enable", wantAccess: core.AccessAuthenticated, wantOpID: OpTOTPEnable},
		{name: "passkey login begin needs a session", wantMethod: http.MethodPost, wantPath: "/passkeys/login/begin", wantAccess: core.AccessSession, wantOpID: OpPasskeyLoginBegin},
		{name: "passkey delete needs a principal", wantMethod: http.MethodDelete, wantPath: "/passkeys/:id", wantAccess: core.AccessAuthenticated, wantOpID: OpDeletePasskey},
		{name: "revoke others needs a principal", wantMethod: http.MethodPost, wantPath: "/sessions/revoke-others", wantAccess: core.AccessAuthenticated, wantOpID: OpRevokeOtherSessions},
	}

	// Arrange
	byKey := make(map[string]core.Endpoint)
	for _, ep := range BaseEndpoints() {
		byKey[ep.Method+" "+ep.Path] = ep
	}

	// Act & Assert
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			ep, found := byKey[test.wantMethod+" "+test.wantPath]
			if !found {
				t.Fatalf("BaseEndpoints should include %s %s", test.wantMethod, test.wantPath)
			}
			if ep.Access != test.wantAccess {
				t.Errorf("%s %s access = %v, want %v", test.wantMethod, test.wantPath, ep.Access, test.wantAccess)
			}
			if ep.Metadata.OperationID != test.wantOpID {
				t.Errorf("%s %s OperationID = %q, want %q", test.wantMethod, test.wantPath, ep.Metadata.OperationID, test.wantOpID)
			}
			if ep.Metadata.Description == "" {
				t.Errorf("%s %s should have a description", test.wantMethod, test.wantPath)
			}
		})
	}
}

// Requirement: All endpoints must have unique OperationIDs.
func TestBaseEndpoints_OperationIDsAreUnique(t *testing.T) {
	// Arrange
	endpoints := BaseEndpoints()

	// Act & Assert
	operationIDs := make(map[string]bool)
	for _, ep := range endpoints {
		if operationIDs[ep.Metadata.OperationID] {
			t.Errorf("BaseEndpoints contains duplicate OperationID: %q", ep.Metadata.OperationID)
		}
		operationIDs[ep.Metadata.OperationID] = true
	}
}

// Requirement: All endpoints must have unique METHOD:PATH combinations.
func TestBaseEndpoints_RoutesAreUnique(t *testing.T) {
	// Arrange
	endpoints := BaseEndpoints()

	// Act & Assert
	routes := make(map[string]bool)
	for _, ep := range endpoints {
		key := endpointKey(&ep)
		if routes[key] {
			t.Errorf("BaseEndpoints contains duplicate route: %q", key)
		}
		routes[key] = true
	}
}

// Requirement: EndpointRegistry registers all base endpoints on creation
// and returns them in a stable order.
func TestEndpointRegistry_RegistersBaseEndpoints(t *testing.T) {
	// Arrange & Act
	registry := NewEndpointRegistry()

	// Assert
	endpoints := registry.Endpoints()
	if len(endpoints) != len(BaseEndpoints()) {
		t.Fatalf("EndpointRegistry should register %d base endpoints; got %d", len(BaseEndpoints()), len(endpoints))
	}
	for i := 1; i < len(endpoints); i++ {
		prev, cur := endpoints[i-1], endpoints[i]
		if prev.Path > cur.Path || (prev.Path == cur.Path && prev.Method > cur.Method) {
			t.Errorf("Endpoints() not ordered: %s %s before %s %s", prev.Method, prev.Path, cur.Method, cur.Path)
		}
	}
}

// Requirement: EndpointRegistry detects and rejects duplicate endpoint registrations
// (same METHOD:PATH combination).
func TestEndpointRegistry_DetectsConflicts(t *testing.T) {
	tests := []struct {
		name           string
		conflictPath   string
		conflictMethod string
		wantErr        bool
	}{
		{name: "rejects duplicate POST /sign-up", conflictPath: "/sign-up", conflictMethod: http.MethodPost, wantErr: true},
		{name: "rejects duplicate GET /sessions", conflictPath: "/sessions", conflictMethod: http.MethodGet, wantErr: true},
		{name: "allows different path same method", conflictPath: "/custom", conflictMethod: http.MethodPost},
		{name: "allows same path different method", conflictPath: "/sign-up", conflictMethod: http.MethodGet},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			registry := NewEndpointRegistry()
			plugin := []core.Endpoint{pluginEndpoint(test.conflictMethod, test.conflictPath, "customOp")}

			// Act
			err := registry.RegisterPlugin(plugin)

			// Assert
			if (err != nil) != test.wantErr {
				t.Errorf("RegisterPlugin should error=%v; got error=%v (%v)", test.wantErr, err != nil, err)
			}
		})
	}
}

// Requirement: EndpointRegistry can register additional plugin endpoints
// without conflicts, and a rejected batch registers nothing.
func TestEndpointRegistry_RegistersPluginEndpoints(t *testing.T) {
	base := len(BaseEndpoints())

	tests := []struct {
		name      string
		plugins   []core.Endpoint
		wantCount int
		wantErr   bool
	}{
		{
			name:      "registers single plugin endpoint",
			plugins:   []core.Endpoint{pluginEndpoint(http.MethodPost, "/magic-link", "magicLink")},
			wantCount: base + 1,
		},
		{
			name: "registers multiple plugin endpoints",
			plugins: []core.Endpoint{
				pluginEndpoint(http.MethodPost, "/magic-link", "magicLink"),
				pluginEndpoint(http.MethodPost, "/magic-link/verify", "magicLinkVerify"),
			},
			wantCount: base + 2,
		},
		{
			name: "rejects plugins with conflicts within plugin set",
			plugins: []core.Endpoint{
				pluginEndpoint(http.MethodPost, "/magic-link", "magicLink"),
				pluginEndpoint(http.MethodPost, "/magic-link", "magicLinkDuplicate"),
			},
			wantCount: base,
			wantErr:   true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			registry := NewEndpointRegistry()

			// Act
			err := registry.RegisterPlugin(test.plugins)

			// Assert
			if (err != nil) != test.wantErr {
				t.Errorf("RegisterPlugin should error=%v; got error=%v", test.wantErr, err != nil)
			}
			if got := len(registry.Endpoints()); got != test.wantCount {
				t.Errorf("EndpointRegistry should have %d endpoints; got %d", test.wantCount, got)
			}
		})
	}
}

func pluginEndpoint(method, path, opID string) core.Endpoint {
	return core.Endpoint{
		Path:   path,
		Method: method,
		Access: core.AccessPublic,
		Metadata: core.EndpointMetadata{
			OperationID: opID,
			Description: "Plugin endpoint",
		},
	}
}
