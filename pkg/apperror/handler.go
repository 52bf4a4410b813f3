package apperror

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPErrorHandler returns an Echo error handler that renders every error as
// {"error": {"code": ..., "message": ..., "details": ...}}.
func HTTPErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code, body := ToHTTPError(err)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			body = map[string]any{
				"error": map[string]any{
					"code":    codeForStatus(he.Code),
					"message": messageOf(he),
				},
			}
		}

		if code >= http.StatusInternalServerError {
			log.Error("request error",
				slog.Int("status", code),
				slog.String("path", c.Request().URL.Path),
				slog.String("error", err.Error()),
			)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, body)
	}
}

func messageOf(he *echo.HTTPError) string {
	if msg, ok := he.Message.(string); ok {
		return msg
	}
	return http.StatusText(he.Code)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized.Code
	case http.StatusNotFound:
		return ErrNotFound.Code
	case http.StatusBadRequest:
		return ErrBadRequest.Code
	case http.StatusConflict:
		return ErrConflict.Code
	case http.StatusUnprocessableEntity:
		return ErrValidation.Code
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	default:
		return ErrInternal.Code
	}
}
