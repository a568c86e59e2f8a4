package bundle

import (
	"context"
	"errors"

	"github.com/live-labs/coffre/internal/crypto"
	"github.com/live-labs/coffre/internal/hwkey"
	"github.com/live-labs/coffre/internal/keystore"
)

// ErrKeyMismatch is returned when a key unwraps none of the recipient
// entries. Its message is deliberately generic: a holder of the wrong
// key learns nothing beyond "this key does not open this bundle", the
// same as a wrong passphrase would.
var ErrKeyMismatch = errors.New("this key cannot decrypt this bundle")

// KeyHandle is a decryption-capable view of one key. The engine trials
// it against every recipient entry; the handle itself never learns
// which entry (if any) was meant for it ahead of time.
type KeyHandle interface {
	KeyID() string

	// Unwrap attempts to recover the content key from one recipient
	// entry. Failure to match must be reported as crypto.ErrAuthFailed
	// with no further detail.
	Unwrap(ctx context.Context, entry []byte) ([]byte, error)

	// Close releases key material or device resources.
	Close() error
}

// passphraseHandle holds an unlocked software key for the duration of
// one engine run.
type passphraseHandle struct {
	unlocked *keystore.UnlockedKey
}

// NewPassphraseHandle wraps an unlocked key. The handle takes ownership:
// Close destroys the key material.
func NewPassphraseHandle(unlocked *keystore.UnlockedKey) KeyHandle {
	return &passphraseHandle{unlocked: unlocked}
}

func (h *passphraseHandle) KeyID() string {
	return h.unlocked.ID
}

func (h *passphraseHandle) Unwrap(_ context.Context, entry []byte) ([]byte, error) {
	return crypto.UnwrapKey(entry, h.unlocked.Bytes())
}

func (h *passphraseHandle) Close() error {
	h.unlocked.Destroy()
	return nil
}

// hardwareHandle delegates unwrapping to a device plugin. The private
// key never enters this process.
type hardwareHandle struct {
	keyID    string
	deviceID string
	handle   string
	adapter  hwkey.Adapter
}

// NewHardwareHandle builds a handle for a device-bound key record. The
// adapter is borrowed, not owned; Close does not shut it down.
func NewHardwareHandle(record *keystore.KeyRecord, adapter hwkey.Adapter) KeyHandle {
	return &hardwareHandle{
		keyID:    record.ID,
		deviceID: record.DeviceID,
		handle:   record.DeviceHandle,
		adapter:  adapter,
	}
}

func (h *hardwareHandle) KeyID() string {
	return h.keyID
}

func (h *hardwareHandle) Unwrap(ctx context.Context, entry []byte) ([]byte, error) {
	key, err := h.adapter.UnwrapWithDevice(ctx, h.deviceID, h.handle, entry)
	if err != nil {
		var devErr *hwkey.DeviceError
		if errors.As(err, &devErr) {
			// Device-side problems surface as-is so the caller can
			// pause and retry without aborting the run.
			return nil, err
		}
		return nil, crypto.ErrAuthFailed
	}
	// A mismatched entry comes back as an empty key: the plugin cannot
	// distinguish "not for this key" from tampering any more than the
	// software path can.
	if len(key) != crypto.KeySize {
		return nil, crypto.ErrAuthFailed
	}
	return key, nil
}

func (h *hardwareHandle) Close() error {
	return nil
}
