package errors

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{name: "ErrInvalidInput", err: ErrInvalidInput, message: "invalid input"},
		{name: "ErrInvalidFrame", err: ErrInvalidFrame, message: "invalid frame"},
		{name: "ErrUnknownOp", err: ErrUnknownOp, message: "unknown operation"},
		{name: "ErrUnknownBackend", err: ErrUnknownBackend, message: "unknown store backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.message, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))

	err := Wrap(ErrInvalidFrame, "decode")
	assert.EqualError(t, err, "decode: invalid frame")
	assert.True(t, Is(err, ErrInvalidFrame))
	assert.False(t, Is(err, ErrUnknownOp))
}

func TestLogWithError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	err := LogWithError(ctx, log, "read frame", io.ErrUnexpectedEOF, zap.String("remote", "a"))

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "read frame", entries[0].Message)
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "a", fields["remote"])
	}

	assert.Error(t, LogWithError(context.Background(), nil, "no logger", io.EOF))
}
