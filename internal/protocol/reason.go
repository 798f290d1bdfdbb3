package protocol

import (
	"errors"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// Reason labels a decode failure for metrics and dead-letter headers.
func Reason(err error) string {
	var (
		unknown   *domain.UnknownContentTypeError
		malformed *domain.MalformedMessageError
		decode    *domain.DecodeError
		expired   *domain.ExpiredTaskError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unknown):
		return "unknown_content_type"
	case errors.As(err, &expired):
		return "expired"
	case errors.As(err, &decode):
		return "decode"
	case errors.As(err, &malformed):
		return "malformed"
	default:
		return "other"
	}
}
