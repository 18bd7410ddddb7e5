package provider

import (
	"errors"
	"fmt"
)

// Sentinel causes carried by ProviderError.Err.
var (
	ErrNotFound            = errors.New("object not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")
)

// ProviderError wraps a backend failure with the operation and object it
// concerned.
type ProviderError struct {
	Op       string
	Provider ProviderType
	Bucket   string
	Key      string

	// StatusCode is the remote status when the backend speaks HTTP.
	StatusCode int

	Err error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Key != "" && e.Bucket != "":
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }

func IsBucketNotFound(err error) bool { return errors.Is(err, ErrBucketNotFound) }

func IsInvalidCredentials(err error) bool { return errors.Is(err, ErrInvalidCredentials) }

func IsProviderUnavailable(err error) bool { return errors.Is(err, ErrProviderUnavailable) }

func IsThrottled(err error) bool { return errors.Is(err, ErrThrottled) }

// IsPermanent reports whether a retry cannot change the outcome.
func IsPermanent(err error) bool {
	return IsNotFound(err) || IsAccessDenied(err) || IsBucketNotFound(err) || IsInvalidCredentials(err)
}
