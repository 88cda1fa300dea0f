package fiber

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/gatekeep/core"
)

var errLoginRequired = core.NewError(core.ErrUnauthenticated, "authentication required")

func (a *Adapter) requestMeta(c fiber.Ctx) core.RequestMeta {
	return core.RequestMeta{
		IPAddress: a.clientIP(c),
		UserAgent: c.Get(fiber.HeaderUserAgent),
	}
}

func (a *Adapter) clientIP(c fiber.Ctx) string {
	if a.config.TrustProxy {
		if forwarded := c.Get(fiber.HeaderXForwardedFor); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	return c.IP()
}

// attachSession resolves the session cookie into meta. Session endpoints get
// a fresh anonymous session when the cookie is missing or stale; authenticated
// endpoints reject the request instead.
func (a *Adapter) attachSession(c fiber.Ctx, h core.AuthHandler, access core.Access, meta *core.RequestMeta) error {
	if access == core.AccessPublic {
		return nil
	}

	if token := c.Cookies(a.config.CookieName); token != "" {
		entry, err := h.ResolveSession(c.Context(), token)
		switch {
		case err == nil:
			meta.Session = entry
		case core.KindOf(err) == core.ErrUnauthenticated:
			a.clearCookie(c)
		default:
			return err
		}
	}

	if access == core.AccessAuthenticated {
		if !meta.Session.Authenticated() {
			return errLoginRequired
		}
		return nil
	}

	if meta.Session == nil {
		started, err := h.StartSession(c.Context())
		if err != nil {
			return err
		}
		a.setCookie(c, started.Token, started.Entry.ExpiresAt)
		meta.Session = started.Entry
	}
	return nil
}

func (a *Adapter) setCookie(c fiber.Ctx, token string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     a.config.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   a.config.CookieSecure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (a *Adapter) clearCookie(c fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     a.config.CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(1, 0),
		HTTPOnly: true,
		Secure:   a.config.CookieSecure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}
