package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/oceangrid/pkg/provider"
)

type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

type statusError struct{ code int }

func (e *statusError) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) HTTPStatusCode() int { return e.code }

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"empty bucket", Config{}, "bucket name is required"},
		{"minimal", Config{Bucket: "oceancolor"}, ""},
		{"static creds", Config{Bucket: "b", AccessKeyID: "AKIA", SecretAccessKey: "secret"}, ""},
		{"key without secret", Config{Bucket: "b", AccessKeyID: "AKIA"}, "must be provided together"},
		{"secret without key", Config{Bucket: "b", SecretAccessKey: "secret"}, "must be provided together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestNew_ValidationError(t *testing.T) {
	_, err := New(context.Background(), Config{})
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestWrapError_Types(t *testing.T) {
	p := &Provider{bucket: "archive"}

	err := p.wrapError("Head", "aqua/L1A/x", &types.NoSuchKey{})
	var provErr *provider.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "Head", provErr.Op)
	assert.Equal(t, provider.ProviderS3, provErr.Provider)
	assert.Equal(t, "archive", provErr.Bucket)
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.True(t, provider.IsPermanent(err))

	assert.ErrorIs(t, p.wrapError("List", "", &types.NoSuchBucket{}), provider.ErrBucketNotFound)
}

func TestWrapError_APICodes(t *testing.T) {
	p := &Provider{bucket: "archive"}
	tests := []struct {
		code     string
		expected error
	}{
		{"NoSuchKey", provider.ErrNotFound},
		{"NotFound", provider.ErrNotFound},
		{"NoSuchBucket", provider.ErrBucketNotFound},
		{"AccessDenied", provider.ErrAccessDenied},
		{"InvalidAccessKeyId", provider.ErrInvalidCredentials},
		{"SlowDown", provider.ErrThrottled},
		{"RequestLimitExceeded", provider.ErrThrottled},
		{"ServiceUnavailable", provider.ErrProviderUnavailable},
		{"InternalError", provider.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := p.wrapError("GetObject", "k", &mockAPIError{code: tt.code, message: "m"})
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestWrapError_FromMessage(t *testing.T) {
	p := &Provider{bucket: "archive"}
	tests := []struct {
		msg      string
		expected error
	}{
		{"operation error: https response error StatusCode: 403", provider.ErrAccessDenied},
		{"operation error: https response error StatusCode: 404", provider.ErrNotFound},
		{"operation error: https response error StatusCode: 429", provider.ErrThrottled},
		{"operation error: https response error StatusCode: 503", provider.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.ErrorIs(t, p.wrapError("GetObject", "k", errors.New(tt.msg)), tt.expected)
		})
	}
}

func TestWrapError_RecordsStatusCode(t *testing.T) {
	p := &Provider{bucket: "archive"}
	err := p.wrapError("GetObject", "k", &statusError{code: 500})

	var provErr *provider.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, 500, provErr.StatusCode)
	assert.False(t, provider.IsPermanent(err))
}

func TestClampMaxKeys(t *testing.T) {
	tests := []struct {
		input, def, want int
	}{
		{0, DefaultMaxKeys, DefaultMaxKeys},
		{-1, 250, 250},
		{500, DefaultMaxKeys, 500},
		{5000, DefaultMaxKeys, MaxAllowedKeys},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clampMaxKeys(tt.input, tt.def))
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
	assert.Equal(t, "auto", resolveRegion("http://localhost:9000", "auto"))
}

func TestCleanETag(t *testing.T) {
	assert.Equal(t, "abc", cleanETag(`"abc"`))
	assert.Equal(t, "abc", cleanETag("abc"))
}
