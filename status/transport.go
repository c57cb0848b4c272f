package status

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/net/http2"
)

// FromTransportError maps a failure observed on the underlying stream or
// connection to a Status. local reports that this side reset the stream
// (cancellation or deadline), in which case the context error decides the code.
// Errors that already carry a Status pass through unchanged.
func FromTransportError(err error, local bool) *Status {
	if err == nil {
		return nil
	}
	if s, ok := FromError(err); ok {
		return s
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(DeadlineExceeded, err.Error())
	}
	if local || errors.Is(err, context.Canceled) {
		return New(Cancelled, err.Error())
	}
	var se http2.StreamError
	if errors.As(err, &se) {
		return New(fromHTTP2Code(se.Code), err.Error())
	}
	var ga http2.GoAwayError
	if errors.As(err, &ga) {
		return New(Unavailable, err.Error())
	}
	// Connection loss, resets and handshake failures alike.
	return New(Unavailable, err.Error())
}

func fromHTTP2Code(c http2.ErrCode) Code {
	switch c {
	case http2.ErrCodeEnhanceYourCalm:
		return ResourceExhausted
	case http2.ErrCodeInadequateSecurity:
		return PermissionDenied
	default:
		// Reset by the peer before trailers arrived.
		return Unavailable
	}
}

// FromHTTPStatus maps the HTTP status of a response that carries no
// grpc-status to a code.
func FromHTTPStatus(httpStatus int) Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return Internal
	case http.StatusUnauthorized:
		return Unauthenticated
	case http.StatusForbidden:
		return PermissionDenied
	case http.StatusNotFound:
		return Unimplemented
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Unavailable
	default:
		return Unknown
	}
}
