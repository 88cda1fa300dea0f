// Package fiber mounts the authentication endpoints on a Fiber v3 app.
package fiber

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"golang.org/x/time/rate"

	"github.com/lborres/gatekeep/core"
)

const (
	DefaultCookieName         = "gatekeep_session"
	DefaultRedirectAfterLogin = "/"
	DefaultLoginRate          = 10 // per minute
	DefaultLoginBurst         = 5
)

type Config struct {
	CookieName   string
	CookieSecure bool
	// TrustProxy takes the client address from the first X-Forwarded-For value.
	TrustProxy bool
	// RedirectAfterLogin is where a completed OAuth callback sends the browser.
	RedirectAfterLogin string
	// LoginRate is the sustained number of login attempts per minute allowed
	// from one client address; LoginBurst is the bucket size. A negative rate
	// disables limiting.
	LoginRate  int
	LoginBurst int
	Logger     *slog.Logger
}

type Adapter struct {
	app     *fiber.App
	config  Config
	limiter *ipLimiter
	logger  *slog.Logger
}

var _ core.HTTPAdapter = (*Adapter)(nil)

func New(app *fiber.App, config Config) *Adapter {
	if config.CookieName == "" {
		config.CookieName = DefaultCookieName
	}
	if config.RedirectAfterLogin == "" {
		config.RedirectAfterLogin = DefaultRedirectAfterLogin
	}
	if config.LoginRate == 0 {
		config.LoginRate = DefaultLoginRate
	}
	if config.LoginBurst <= 0 {
		config.LoginBurst = DefaultLoginBurst
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{app: app, config: config, logger: logger}
	if config.LoginRate > 0 {
		a.limiter = newIPLimiter(rate.Every(time.Minute/time.Duration(config.LoginRate)), config.LoginBurst)
	}
	return a
}

// RegisterRoutes mounts every endpoint under basePath. It fails without
// mounting anything when an endpoint has no handler here.
func (a *Adapter) RegisterRoutes(handler core.AuthHandler, endpoints []*core.Endpoint, basePath string) error {
	routes := make([]fiber.Handler, len(endpoints))
	for i, ep := range endpoints {
		op, ok := operations[ep.Metadata.OperationID]
		if !ok {
			return fmt.Errorf("%w: %s %s (%s)", core.ErrEndpointNotImplemented, ep.Method, ep.Path, ep.Metadata.OperationID)
		}
		routes[i] = a.wrap(handler, ep, op)
	}

	api := a.app.Group(basePath)
	for i, ep := range endpoints {
		api.Add([]string{ep.Method}, ep.Path, routes[i])
	}
	return nil
}

// wrap resolves the caller's session for ep's access level, applies the login
// limiter, runs op and renders any error.
func (a *Adapter) wrap(handler core.AuthHandler, ep *core.Endpoint, op operation) fiber.Handler {
	limited := rateLimited[ep.Metadata.OperationID]
	return func(c fiber.Ctx) error {
		meta := a.requestMeta(c)

		if limited && a.limiter != nil && !a.limiter.allow(meta.IPAddress) {
			return a.writeError(c, errRateLimited)
		}

		if err := a.attachSession(c, handler, ep.Access, &meta); err != nil {
			return a.writeError(c, err)
		}

		if err := op(&call{adapter: a, c: c, h: handler, meta: meta}); err != nil {
			return a.writeError(c, err)
		}
		return nil
	}
}
