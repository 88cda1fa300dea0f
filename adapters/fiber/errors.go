package fiber

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/gatekeep/core"
)

var errRateLimited = errors.New("too many attempts, try again later")

// statusOf maps an error category to its HTTP status.
func statusOf(err error) int {
	if errors.Is(err, errRateLimited) {
		return http.StatusTooManyRequests
	}
	switch core.KindOf(err) {
	case core.ErrUnauthenticated, core.ErrInvalidCredential:
		return http.StatusUnauthorized
	case core.ErrConflict:
		return http.StatusConflict
	case core.ErrValidation:
		return http.StatusBadRequest
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as a core.ErrorResponse. Internal details are logged,
// never sent.
func (a *Adapter) writeError(c fiber.Ctx, err error) error {
	status := statusOf(err)

	message := core.PublicMessage(err)
	if status == http.StatusTooManyRequests {
		message = err.Error()
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}

	return c.Status(status).JSON(core.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
