// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates the operation cannot proceed immediately.
//
// For Submit: the scheduler's incoming soft queue is full (backpressure).
// For packet reservations: the AQL queue has no room yet.
//
// ErrWouldBlock is a control flow signal, not a failure. Inside the device
// it is never surfaced: the blocked work stays queued as data and is retried
// on a later scheduler tick.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
//
// Example:
//
//	backoff := iox.Backoff{}
//	for {
//	    err := sched.Submit(&entry)
//	    if err == nil {
//	        break
//	    }
//	    if devq.IsWouldBlock(err) {
//	        backoff.Wait()
//	        continue
//	    }
//	    return err // device lost or invalid entry
//	}
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}

var (
	// ErrDeviceLost is matched by every error reported after a fatal device
	// condition. No further work is accepted.
	ErrDeviceLost = errors.New("devq: device lost")

	ErrWakePoolExhausted   = errors.New("devq: wake pool exhausted")
	ErrSignalPoolExhausted = errors.New("devq: signal pool exhausted")
	ErrPoolExhausted       = errors.New("devq: allocation pool exhausted")
	ErrInvalidPool         = errors.New("devq: invalid allocation pool")
	ErrInvalidCommand      = errors.New("devq: invalid command")
	ErrInvalidBufferRef    = errors.New("devq: invalid buffer reference")
	ErrInvalidEntry        = errors.New("devq: invalid queue entry")
	ErrBlockTooLarge       = errors.New("devq: block exceeds execution queue")
	ErrNotInitialized      = errors.New("devq: scheduler not initialized")
	ErrOutOfBounds         = errors.New("devq: device address out of bounds")
	ErrRunning             = errors.New("devq: device is already running")
)

// ErrorCode is the code carried by a POST_ERROR host call.
type ErrorCode uint64

const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeWakePoolExhausted
	ErrorCodeSignalPoolExhausted
	ErrorCodePoolExhausted
	ErrorCodeInvalidPool
	ErrorCodeInvalidCommand
	ErrorCodeInvalidBufferRef
	ErrorCodeBlockTooLarge
	ErrorCodeNotInitialized
	ErrorCodeOutOfBounds
	ErrorCodeInvalidEntry
	ErrorCodeInternal
)

var codeErrors = [...]error{
	ErrorCodeNone:                nil,
	ErrorCodeWakePoolExhausted:   ErrWakePoolExhausted,
	ErrorCodeSignalPoolExhausted: ErrSignalPoolExhausted,
	ErrorCodePoolExhausted:       ErrPoolExhausted,
	ErrorCodeInvalidPool:         ErrInvalidPool,
	ErrorCodeInvalidCommand:      ErrInvalidCommand,
	ErrorCodeInvalidBufferRef:    ErrInvalidBufferRef,
	ErrorCodeBlockTooLarge:       ErrBlockTooLarge,
	ErrorCodeNotInitialized:      ErrNotInitialized,
	ErrorCodeOutOfBounds:         ErrOutOfBounds,
	ErrorCodeInvalidEntry:        ErrInvalidEntry,
	ErrorCodeInternal:            nil,
}

func (c ErrorCode) String() string {
	if int(c) < len(codeErrors) {
		if err := codeErrors[c]; err != nil {
			return err.Error()
		}
	}
	switch c {
	case ErrorCodeNone:
		return "none"
	case ErrorCodeInternal:
		return "internal"
	}
	return fmt.Sprintf("ErrorCode(%d)", uint64(c))
}

// Err returns the sentinel error for c, or nil.
func (c ErrorCode) Err() error {
	if int(c) < len(codeErrors) {
		return codeErrors[c]
	}
	return nil
}

// CodeOf maps err to the error code posted to the host.
func CodeOf(err error) ErrorCode {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code
	}
	for c, sentinel := range codeErrors {
		if sentinel != nil && errors.Is(err, sentinel) {
			return ErrorCode(c)
		}
	}
	return ErrorCodeInternal
}

// DeviceError is the fatal condition reported through POST_ERROR.
// errors.Is(err, ErrDeviceLost) holds for every DeviceError, as does
// errors.Is against the sentinel matching Code.
type DeviceError struct {
	Code ErrorCode
	Arg0 uint64
	Arg1 uint64
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("devq: device lost: %s (%#x, %#x)", e.Code, e.Arg0, e.Arg1)
}

// Unwrap returns ErrDeviceLost and the sentinel for Code.
func (e *DeviceError) Unwrap() []error {
	if err := e.Code.Err(); err != nil {
		return []error{ErrDeviceLost, err}
	}
	return []error{ErrDeviceLost}
}
