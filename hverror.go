package hvcore

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// HVError is the error type returned by every package in this module.
// Code carries the errno class of the failure (EINVAL, ENOMEM, ...).
type HVError struct {
	Code    unix.Errno
	message string // Optional custom message for specific errors
}

// NewError returns an HVError with the given code and formatted message.
func NewError(code unix.Errno, format string, args ...any) *HVError {
	return &HVError{Code: code, message: fmt.Sprintf(format, args...)}
}

func (e *HVError) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e *HVError) detailedError() string {
	switch e.Code {
	case 0:
		return "hv: success"
	case unix.EINVAL:
		return "hv: invalid argument (EINVAL) - check address alignment and mapping level"
	case unix.ENOMEM:
		return "hv: out of memory (ENOMEM) - no physical frame available for a page-table node"
	case unix.EEXIST:
		return "hv: already exists (EEXIST) - address is already mapped"
	case unix.ENOENT:
		return "hv: not found (ENOENT) - address is not mapped"
	case unix.ENODEV:
		return "hv: no device (ENODEV) - required CPU feature is missing"
	case unix.EBUSY:
		return "hv: busy (EBUSY) - CPU already holds a captured kernel context"
	case unix.EFAULT:
		return "hv: bad address (EFAULT) - address outside of accessible memory"
	case unix.EIO:
		return "hv: I/O error (EIO) - page-table contents are corrupted"
	default:
		return fmt.Sprintf("hv: unknown error code %d (%s)", int(e.Code), e.Code.Error())
	}
}

// sanitizedError provides minimal error information for production
func (e *HVError) sanitizedError() string {
	switch e.Code {
	case 0:
		return "hv: success"
	case unix.EINVAL:
		return "hv: invalid argument"
	case unix.ENOMEM:
		return "hv: out of memory"
	case unix.EEXIST:
		return "hv: already exists"
	case unix.ENOENT:
		return "hv: not found"
	case unix.ENODEV:
		return "hv: no device"
	case unix.EBUSY:
		return "hv: busy"
	case unix.EFAULT:
		return "hv: bad address"
	case unix.EIO:
		return "hv: I/O error"
	default:
		return "hv: hypervisor error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("HV_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("HV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Errno returns the code of the first HVError in err's chain, or 0.
func Errno(err error) unix.Errno {
	var hv *HVError
	if errors.As(err, &hv) {
		return hv.Code
	}
	return 0
}

// Common specific errors for API consumers
var (
	ErrNotAligned         = &HVError{Code: unix.EINVAL, message: "hv: address not page-aligned"}
	ErrHugePageNotAllowed = &HVError{Code: unix.EINVAL, message: "hv: huge mapping not allowed at this level"}
	ErrMappedToHugePage   = &HVError{Code: unix.EINVAL, message: "hv: address is covered by a huge mapping"}
	ErrAlreadyMapped      = &HVError{Code: unix.EEXIST, message: "hv: address already mapped"}
	ErrNotMapped          = &HVError{Code: unix.ENOENT, message: "hv: address not mapped"}
	ErrNoMemory           = &HVError{Code: unix.ENOMEM, message: "hv: no free physical frame"}
	ErrNoDevice           = &HVError{Code: unix.ENODEV, message: "hv: required CPU feature not supported"}
	ErrAlreadyCaptured    = &HVError{Code: unix.EBUSY, message: "hv: kernel context already captured on this CPU"}
	ErrBadAddress         = &HVError{Code: unix.EFAULT, message: "hv: address outside of accessible memory"}
	ErrTruncated          = &HVError{Code: unix.EINVAL, message: "hv: input truncated"}
	ErrTooManyCPUs        = &HVError{Code: unix.EINVAL, message: "hv: too many CPUs"}
	ErrEmptyEntry         = &HVError{Code: unix.EINVAL, message: "hv: flags encode an unused entry"}
)
