package pipeerr

import (
	"context"
	"errors"
)

// Machine-readable error codes used in reports and job state rows.
const (
	CodeNotFound      = "NOT_FOUND"
	CodeAccessDenied  = "ACCESS_DENIED"
	CodeTimeout       = "TIMEOUT"
	CodeCanceled      = "CANCELED"
	CodeTransient     = "TRANSIENT_IO"
	CodePermanent     = "PERMANENT_REQUEST"
	CodeIntegrity     = "INTEGRITY"
	CodeExternalStage = "EXTERNAL_STAGE"
	CodeGridMismatch  = "GRID_MISMATCH"
	CodeMalformed     = "MALFORMED_RECORD"
	CodeInternal      = "INTERNAL"
)

// Code classifies err into one of the Code* constants.
func Code(err error) string {
	var perm *PermanentRequestError
	var mal *MalformedRecordError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &perm):
		switch perm.StatusCode {
		case 404, 410:
			return CodeNotFound
		case 401, 403:
			return CodeAccessDenied
		}
		return CodePermanent
	case IsIntegrity(err):
		return CodeIntegrity
	case IsGridMismatch(err):
		return CodeGridMismatch
	case IsTimeout(err):
		return CodeTimeout
	case IsExternalStage(err):
		return CodeExternalStage
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case IsTransient(err):
		return CodeTransient
	case errors.As(err, &mal):
		return CodeMalformed
	default:
		return CodeInternal
	}
}
