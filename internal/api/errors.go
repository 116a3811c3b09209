package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nhle/mailgateway/internal/provider"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error kind to the HTTP status the CRM expects.
func statusFor(err error) (int, string) {
	kind := provider.KindOf(err)
	switch kind {
	case provider.KindNotConfigured:
		return http.StatusServiceUnavailable, string(kind)
	case provider.KindReauthRequired:
		return http.StatusUnauthorized, string(kind)
	case provider.KindRetryable:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, string(kind)
		}
		return http.StatusBadGateway, string(kind)
	case provider.KindValidation:
		return http.StatusBadRequest, string(kind)
	case provider.KindNotFound:
		return http.StatusNotFound, string(kind)
	case provider.KindAttachmentTooLarge:
		return http.StatusRequestEntityTooLarge, string(kind)
	case provider.KindRejected:
		return http.StatusUnprocessableEntity, string(kind)
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "path", c.FullPath(), "request_id", c.GetString(requestIDKey), "err", err)
	}
	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}

func (s *Server) badRequest(c *gin.Context, format string, args ...any) {
	s.writeError(c, provider.Errorf(provider.KindValidation, "", "request", format, args...))
}
