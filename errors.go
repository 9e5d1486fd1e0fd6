package tuyalan

import (
	"errors"
	"fmt"

	"github.com/quendro/tuyalan/internal/cipher"
	"github.com/quendro/tuyalan/internal/discovery"
	"github.com/quendro/tuyalan/internal/protocol"
)

// ErrorType represents the category of error that occurred
type ErrorType int

const (
	// ErrTypeConfig indicates invalid construction or call options
	ErrTypeConfig ErrorType = iota
	// ErrTypeConnectTimeout indicates the TCP connect or handshake exceeded its deadline
	ErrTypeConnectTimeout
	// ErrTypeSocket indicates an underlying OS socket failure
	ErrTypeSocket
	// ErrTypePrefixMismatch indicates a frame with an unknown magic prefix
	ErrTypePrefixMismatch
	// ErrTypeSuffixMismatch indicates a frame with an unknown magic suffix
	ErrTypeSuffixMismatch
	// ErrTypeTruncatedPayload indicates a frame shorter than its declared length
	ErrTypeTruncatedPayload
	// ErrTypeCRCMismatch indicates a failed CRC-32 integrity check
	ErrTypeCRCMismatch
	// ErrTypeHMACMismatch indicates a failed HMAC-SHA256 integrity check
	ErrTypeHMACMismatch
	// ErrTypeDecrypt indicates the cipher rejected a payload
	ErrTypeDecrypt
	// ErrTypeInvalidCommand indicates an outbound frame with an unknown command code
	ErrTypeInvalidCommand
	// ErrTypeSetTimeout indicates a set that never saw its status reply
	ErrTypeSetTimeout
	// ErrTypeGetTimeout indicates a query that never saw its reply
	ErrTypeGetTimeout
	// ErrTypeHandshake indicates the session key negotiation failed its HMAC check
	ErrTypeHandshake
	// ErrTypeFindTimeout indicates discovery produced no matching record
	ErrTypeFindTimeout
	// ErrTypeDisconnected indicates the session was torn down under a waiter
	ErrTypeDisconnected
	// ErrTypeUnknown indicates an unclassified error
	ErrTypeUnknown
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeConfig:
		return "Config Error"
	case ErrTypeConnectTimeout:
		return "Connect Timeout"
	case ErrTypeSocket:
		return "Socket Error"
	case ErrTypePrefixMismatch:
		return "Prefix Mismatch"
	case ErrTypeSuffixMismatch:
		return "Suffix Mismatch"
	case ErrTypeTruncatedPayload:
		return "Truncated Payload"
	case ErrTypeCRCMismatch:
		return "CRC Mismatch"
	case ErrTypeHMACMismatch:
		return "HMAC Mismatch"
	case ErrTypeDecrypt:
		return "Decrypt Error"
	case ErrTypeInvalidCommand:
		return "Invalid Command"
	case ErrTypeSetTimeout:
		return "Set Timeout"
	case ErrTypeGetTimeout:
		return "Get Timeout"
	case ErrTypeHandshake:
		return "Handshake Integrity Error"
	case ErrTypeFindTimeout:
		return "Find Timeout"
	case ErrTypeDisconnected:
		return "Disconnected"
	case ErrTypeUnknown:
		return "Unknown Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// DeviceError represents an error that occurred while talking to a device
type DeviceError struct {
	Type      ErrorType // Category of error
	Message   string    // Human-readable error message
	Err       error     // Underlying error (if any)
	DeviceID  string    // Device ID (for context)
	Retryable bool      // Whether the error is retryable
}

// Error implements the error interface
func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a construction or option validation error
func NewConfigError(message string) *DeviceError {
	return &DeviceError{
		Type:    ErrTypeConfig,
		Message: message,
	}
}

// NewSocketError creates a socket-level error. Socket errors are retryable:
// the next send reconnects through the retry collaborator.
func NewSocketError(message string, err error) *DeviceError {
	return &DeviceError{
		Type:      ErrTypeSocket,
		Message:   message,
		Err:       err,
		Retryable: true,
	}
}

// classifyFrameError maps a codec or discovery error onto its category.
// Parse errors are local: the frame is dropped and the socket survives.
func classifyFrameError(err error) ErrorType {
	switch {
	case errors.Is(err, protocol.ErrPrefixMismatch):
		return ErrTypePrefixMismatch
	case errors.Is(err, protocol.ErrSuffixMismatch):
		return ErrTypeSuffixMismatch
	case errors.Is(err, protocol.ErrTruncatedPayload):
		return ErrTypeTruncatedPayload
	case errors.Is(err, protocol.ErrCRCMismatch):
		return ErrTypeCRCMismatch
	case errors.Is(err, protocol.ErrHMACMismatch):
		return ErrTypeHMACMismatch
	case errors.Is(err, protocol.ErrInvalidCommand):
		return ErrTypeInvalidCommand
	case errors.Is(err, cipher.ErrDecrypt):
		return ErrTypeDecrypt
	case errors.Is(err, discovery.ErrFindTimeout):
		return ErrTypeFindTimeout
	default:
		return ErrTypeUnknown
	}
}

// wrapFrameError converts a codec error into a DeviceError carrying the
// device context.
func wrapFrameError(deviceID string, err error) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	return &DeviceError{
		Type:     classifyFrameError(err),
		Message:  "malformed frame",
		Err:      err,
		DeviceID: deviceID,
	}
}

// IsConfigError checks whether an error is a construction/option error
func IsConfigError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Type == ErrTypeConfig
}

// IsTimeout checks whether an error is any of the timeout categories
func IsTimeout(err error) bool {
	var de *DeviceError
	if !errors.As(err, &de) {
		return false
	}
	switch de.Type {
	case ErrTypeConnectTimeout, ErrTypeSetTimeout, ErrTypeGetTimeout, ErrTypeFindTimeout:
		return true
	}
	return false
}

// IsDisconnected checks whether an error reports session teardown under a
// pending operation
func IsDisconnected(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Type == ErrTypeDisconnected
}

// IsRetryable checks whether an error should be retried
func IsRetryable(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Retryable
}
