package core

// Access describes what a caller must hold to reach an endpoint.
type Access int

const (
	// AccessPublic needs nothing.
	AccessPublic Access = iota
	// AccessSession needs a session entry, anonymous or not. Adapters create an
	// anonymous one on demand.
	AccessSession
	// AccessAuthenticated needs a session with a principal.
	AccessAuthenticated
)

type Endpoint struct {
	Path     string
	Method   string
	Access   Access
	Metadata EndpointMetadata
}

type EndpointMetadata struct {
	OperationID string
	Description string
}

// ErrorResponse represents an error response structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
