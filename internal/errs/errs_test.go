package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	jsonErr := json.Unmarshal([]byte("{not json"), &struct{}{})
	require.Error(t, jsonErr)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"deadline exceeded", context.DeadlineExceeded, ErrNetworkTransient},
		{"unexpected eof", io.ErrUnexpectedEOF, ErrNetworkTransient},
		{"json syntax", jsonErr, ErrResponseParse},
		{"googleapi 403", &googleapi.Error{Code: 403}, ErrPermissionDenied},
		{"googleapi 401", &googleapi.Error{Code: 401}, ErrPermissionDenied},
		{"googleapi 429", &googleapi.Error{Code: 429}, ErrNetworkTransient},
		{"googleapi 503", &googleapi.Error{Code: 503}, ErrNetworkTransient},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), ErrNetworkTransient},
		{"grpc aborted", status.Error(codes.Aborted, "txn conflict"), ErrNetworkTransient},
		{"grpc permission", status.Error(codes.PermissionDenied, "nope"), ErrPermissionDenied},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "nope"), ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	// already-classified errors keep their wrapping untouched
	wrapped := fmt.Errorf("%w: disk said no", ErrCorruption)
	got := Classify(wrapped)
	assert.Equal(t, wrapped, got)
	assert.ErrorIs(t, got, ErrCorruption)
}

func TestClassifyUnknownReturnsAsIs(t *testing.T) {
	plain := errors.New("something else")
	assert.Equal(t, plain, Classify(plain))
}

func TestRetryableAndFatal(t *testing.T) {
	assert.True(t, IsRetryable(ErrNetworkTransient))
	assert.True(t, IsRetryable(ErrChecksumMismatch))
	assert.False(t, IsRetryable(ErrResponseParse))
	assert.False(t, IsRetryable(ErrPermissionDenied))

	assert.True(t, IsFatal(ErrPermissionDenied))
	assert.True(t, IsFatal(ErrValidation))
	assert.False(t, IsFatal(ErrNetworkTransient))

	// wrapping preserves classification
	assert.True(t, IsRetryable(fmt.Errorf("%w: timeout", ErrNetworkTransient)))
	assert.True(t, IsFatal(fmt.Errorf("%w: bad payload", ErrValidation)))
}
