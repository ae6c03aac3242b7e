/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package guc

import (
	"errors"
	"fmt"
)

// IOV wire error codes. They intentionally match errno values so that a
// VF kernel driver can surface them unchanged.
const (
	IovErrorUndisclosed        = 0
	IovErrorNotPermitted       = 1  // EPERM
	IovErrorPermissionDenied   = 13 // EACCES
	IovErrorInvalidArgument    = 22 // EINVAL
	IovErrorInvalidRequestCode = 56 // EBADRQC
	IovErrorNoDataAvailable    = 61 // ENODATA
	IovErrorProtocolError      = 71 // EPROTO
	IovErrorMessageSize        = 90 // EMSGSIZE
)

// Transient transport outcomes. Busy means the caller may retry at its
// own discretion without yielding; Retry means the caller must restart
// the operation from the beginning after yielding.
var (
	ErrBusy  = errors.New("guc: busy")
	ErrRetry = errors.New("guc: retry")

	ErrTimeout  = errors.New("guc: timeout")
	ErrNoKey    = errors.New("guc: key not parsed")
	ErrProto    = errors.New("guc: protocol error")
	ErrMsgSize  = errors.New("guc: message too long")
	ErrNoBufs   = errors.New("guc: reply exceeds buffer")
	ErrStale    = errors.New("guc: stale configuration")
	ErrNoSpace  = errors.New("guc: no space")
	ErrQuota    = errors.New("guc: quota exceeded")
	ErrNoData   = errors.New("guc: no data")
	ErrUnsupported = errors.New("guc: unsupported by firmware")
)

// Error is a failure reported by the GuC firmware. Code is the positive
// IOV error code from the wire; the sign never flips inside the driver,
// callers translate at their own boundary if they need errno semantics.
type Error struct {
	Code uint32
	Hint uint32
}

func (e *Error) Error() string {
	if e.Hint != 0 {
		return fmt.Sprintf("guc: error %#x (hint %#x)", e.Code, e.Hint)
	}
	return fmt.Sprintf("guc: error %#x", e.Code)
}

// ErrorCode extracts the IOV error code from err, or maps a domain error
// onto the closest wire code. Used when turning handler failures into
// RESPONSE_FAILURE frames.
func ErrorCode(err error) uint32 {
	var ge *Error
	switch {
	case errors.As(err, &ge):
		return ge.Code
	case errors.Is(err, ErrProto):
		return IovErrorProtocolError
	case errors.Is(err, ErrMsgSize):
		return IovErrorMessageSize
	case errors.Is(err, ErrNoData):
		return IovErrorNoDataAvailable
	}
	return IovErrorInvalidArgument
}
