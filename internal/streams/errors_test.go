package streams

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kidcam/camhls/internal/process"
)

func TestStreamError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStreamError(ErrCodeSourceUnreachable, "transcoder exited", cause)

	assert.Equal(t, "SOURCE_UNREACHABLE: transcoder exited: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrSourceUnreachable)
	assert.NotErrorIs(t, err, ErrSpawnFailure)

	wrapped := fmt.Errorf("start cam-1: %w", err)
	assert.ErrorIs(t, wrapped, ErrSourceUnreachable)
	assert.Equal(t, ErrCodeSourceUnreachable, ErrorCode(wrapped))
	assert.Empty(t, ErrorCode(cause))
}

func TestTerminationError(t *testing.T) {
	err := terminationError(fmt.Errorf("pid 4120: %w", process.ErrKillFailed))
	assert.ErrorIs(t, err, ErrTerminationTimeout)
	assert.ErrorIs(t, err, process.ErrKillFailed)
	assert.Equal(t, ErrCodeTerminationTimeout, ErrorCode(err))

	signal := errors.New("signal 4120: operation not permitted")
	assert.Same(t, signal, terminationError(signal))
	assert.Empty(t, ErrorCode(terminationError(signal)))
}

func TestSourceDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		src     SourceDescriptor
		wantErr bool
	}{
		{"valid", SourceDescriptor{ID: "cam-1", ConnectionURI: "rtsp://h/1"}, false},
		{"missing id", SourceDescriptor{ConnectionURI: "rtsp://h/1"}, true},
		{"blank id", SourceDescriptor{ID: "  ", ConnectionURI: "rtsp://h/1"}, true},
		{"missing uri", SourceDescriptor{ID: "cam-1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.src.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSource)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
