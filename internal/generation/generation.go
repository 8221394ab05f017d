package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrTransient marks backend failures worth retrying (rate limit, timeout, network).
	ErrTransient = errors.New("transient generation backend error")
	// ErrInvalidResponse means the backend answered but the payload is unusable.
	ErrInvalidResponse = errors.New("invalid generation response")
)

// Request is a single structured-output call to the generation backend.
type Request struct {
	// Model overrides the configured generation model when set.
	Model           string
	System          string
	User            string
	Schema          *Schema
	Temperature     float32
	MaxOutputTokens int
}

type Response struct {
	Raw          json.RawMessage
	Model        string
	PromptTokens int32
	OutputTokens int32
}

type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// IsTransient reports whether err is a backend failure that may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
