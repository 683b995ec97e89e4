package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidFrame is returned for websocket frames that cannot be decoded.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrUnknownOp is returned for frames naming an unsupported operation.
	ErrUnknownOp = errors.New("unknown operation")
	// ErrUnknownBackend is returned when the configured store backend does not exist.
	ErrUnknownBackend = errors.New("unknown store backend")
)

type ctxKey string

// RequestIDKey is the context key LogWithError reads a request id from.
const RequestIDKey = ctxKey("request_id")

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// Wrap wraps an error with additional context. The result matches err with Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging at component boundaries.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value(RequestIDKey).(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
