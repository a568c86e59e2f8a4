package hwkey

import (
	"context"
	"fmt"
)

// ErrorCode classifies device failures.
type ErrorCode string

const (
	CodeNotPresent           ErrorCode = "not_present"
	CodeUserDeclined         ErrorCode = "user_declined"
	CodeCommunicationFailure ErrorCode = "communication_failure"
)

// DeviceError is a retryable failure from the device plugin. A pending
// hardware step (device unplugged, touch not confirmed) should pause
// the surrounding operation, not abort it.
type DeviceError struct {
	Code    ErrorCode
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error (%s): %s", e.Code, e.Message)
}

// Retryable reports whether the operation may be retried after user
// action. All device errors are retryable.
func (e *DeviceError) Retryable() bool {
	return true
}

// Guidance returns the recovery guidance for the error code.
func (e *DeviceError) Guidance() string {
	switch e.Code {
	case CodeNotPresent:
		return "Connect the hardware key and retry."
	case CodeUserDeclined:
		return "The operation was declined on the device. Retry and confirm on the device."
	default:
		return "Check the device connection and retry."
	}
}

// Device identifies one reachable hardware key.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// GeneratedKey is the public result of on-device key generation. The
// private half never leaves the device; Handle names the key slot for
// later unwrap requests.
type GeneratedKey struct {
	PublicKey []byte `json:"public_key"`
	Handle    string `json:"handle"`
}

// Adapter is the core-facing contract for device-bound keys.
type Adapter interface {
	// DiscoverDevices enumerates currently reachable devices.
	DiscoverDevices(ctx context.Context) ([]Device, error)

	// GenerateOnDevice creates a keypair on the device and returns its
	// public half plus a slot handle.
	GenerateOnDevice(ctx context.Context, deviceID string) (*GeneratedKey, error)

	// UnwrapWithDevice asks the device to unwrap a recipient-table
	// entry. A non-matching entry yields an empty key with no error;
	// device trouble is reported as a DeviceError.
	UnwrapWithDevice(ctx context.Context, deviceID, handle string, wrapped []byte) ([]byte, error)

	Close() error
}
