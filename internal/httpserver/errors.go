package httpserver

import (
	"fmt"
	"net/http"

	"github.com/palisade-labs/gatekeeper/internal/apierr"
)

// RespondAPIError writes the HTTP response for an error returned by a
// component, translating its apierr.Kind to the status code tabulated in
// spec.md §7. Unrecognized errors fall back to 500 internal_error.
func RespondAPIError(w http.ResponseWriter, err error) {
	e, ok := apierr.As(err)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	status := statusForKind(e.Kind)
	if e.Kind == apierr.KindRateLimited {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfterSeconds))
		Respond(w, status, map[string]any{
			"error":       string(e.Kind),
			"message":     e.Error(),
			"retry_after": e.RetryAfterSeconds,
		})
		return
	}

	RespondError(w, status, string(e.Kind), e.Error())
}

func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.KindUnauthorized:
		return http.StatusUnauthorized
	case apierr.KindInvalidCredentials:
		return http.StatusUnauthorized
	case apierr.KindForbidden:
		return http.StatusForbidden
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindExpired:
		return http.StatusBadRequest
	case apierr.KindRateLimited:
		return http.StatusTooManyRequests
	case apierr.KindBadRequest:
		return http.StatusBadRequest
	case apierr.KindUpstreamError:
		return http.StatusInternalServerError
	case apierr.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case apierr.KindInvalidToken:
		return http.StatusBadRequest
	case apierr.KindInvalidSignature:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
