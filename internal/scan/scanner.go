// Package scan wraps the external radio scanning primitive.
//
// A Scanner starts and stops advertisement delivery. Supervisor owns the
// start/stop lifecycle around an unreliable Scanner: it classifies failures,
// retries the transient ones on a linear backoff and surfaces the rest.
// Concrete scanners read from a serial BLE dongle, a UDP gateway, or a pcap
// capture of gateway traffic.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a scan failure.
type ErrorCode string

const (
	AlreadyStarted     ErrorCode = "ALREADY_STARTED"
	RegistrationFailed ErrorCode = "REGISTRATION_FAILED"
	FeatureUnsupported ErrorCode = "FEATURE_UNSUPPORTED"
	InternalError      ErrorCode = "INTERNAL_ERROR"
)

// Retryable reports whether the supervisor should retry after this failure.
func (c ErrorCode) Retryable() bool {
	return c == RegistrationFailed
}

// ParseErrorCode maps a code name to an ErrorCode. Unknown names map to
// InternalError.
func ParseErrorCode(s string) ErrorCode {
	switch c := ErrorCode(s); c {
	case AlreadyStarted, RegistrationFailed, FeatureUnsupported, InternalError:
		return c
	}
	return InternalError
}

// Error is a synchronous scan failure.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("scan failed: %s", e.Code)
	}
	return fmt.Sprintf("scan failed: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the ErrorCode carried by err, or InternalError if err is not
// a scan error.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return InternalError
}

// Advertisement is one raw advertisement as delivered by a scanner.
type Advertisement struct {
	ManufacturerID uint16
	Payload        []byte
	RSSI           int
	ReceivedAt     time.Time
}

// Filter selects advertisements by manufacturer. A zero ManufacturerID
// matches everything.
type Filter struct {
	ManufacturerID uint16
}

// Match reports whether adv passes f.
func (f Filter) Match(adv Advertisement) bool {
	return f.ManufacturerID == 0 || f.ManufacturerID == adv.ManufacturerID
}

// MatchAny reports whether adv passes at least one filter. An empty filter
// list matches everything.
func MatchAny(filters []Filter, adv Advertisement) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Match(adv) {
			return true
		}
	}
	return false
}

// Callback receives scan results. Implementations must not block.
type Callback interface {
	OnAdvertisement(Advertisement)
	// OnFailure reports a failure after StartScan has returned.
	OnFailure(ErrorCode)
}

// Handle identifies a started scan.
type Handle uint64

// Scanner is the external scanning primitive.
type Scanner interface {
	// StartScan begins delivering advertisements to cb. Failures to start
	// return a *Error.
	StartScan(ctx context.Context, filters []Filter, cb Callback) (Handle, error)
	// StopScan stops the scan identified by h. Stopping an unknown or
	// already stopped handle is not an error.
	StopScan(h Handle) error
}
