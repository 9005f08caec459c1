package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vidtap/internal/models"
	"github.com/jmylchreest/vidtap/internal/service"
	"github.com/jmylchreest/vidtap/internal/transcode"
)

// conversionError maps a Convert error to an HTTP error. Busy and admission
// timeouts carry a Retry-After hint.
func conversionError(err error, retryAfter time.Duration) error {
	msg := err.Error()
	switch service.ErrorKind(err) {
	case models.ErrorKindBusy, models.ErrorKindAdmission:
		return huma.ErrorWithHeaders(
			huma.Error503ServiceUnavailable(msg),
			http.Header{"Retry-After": []string{retryAfterSeconds(retryAfter)}},
		)
	case models.ErrorKindInvalid:
		return huma.Error400BadRequest(msg)
	case models.ErrorKindNotFound:
		return huma.Error404NotFound(msg)
	case models.ErrorKindForbidden:
		return huma.Error403Forbidden(msg)
	case models.ErrorKindQuota:
		return huma.NewError(http.StatusInsufficientStorage, msg)
	case models.ErrorKindIngest, models.ErrorKindEgress:
		return huma.Error502BadGateway(msg)
	case models.ErrorKindTranscode:
		var te *transcode.TranscodeError
		if errors.As(err, &te) && len(te.Diagnostics) > 0 {
			details := make([]error, 0, len(te.Diagnostics))
			for _, line := range te.Diagnostics {
				details = append(details, &huma.ErrorDetail{Location: "ffmpeg.stderr", Message: line})
			}
			return huma.Error422UnprocessableEntity(msg, details...)
		}
		return huma.Error422UnprocessableEntity(msg)
	case models.ErrorKindCancelled:
		return huma.Error504GatewayTimeout(msg)
	default:
		return huma.Error500InternalServerError(msg)
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
