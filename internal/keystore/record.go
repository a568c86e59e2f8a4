package keystore

import (
	"errors"
	"fmt"
	"time"

	"github.com/live-labs/coffre/internal/crypto"
)

// State is the lifecycle state of a key record.
type State string

const (
	StatePreActivation State = "pre_activation"
	StateActive        State = "active"
	StateSuspended     State = "suspended"
	StateDeactivated   State = "deactivated"
	StateDestroyed     State = "destroyed"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// CanTransitionTo reports whether the state machine permits moving from
// s to target. Suspended keys may return to Active; no other reverse
// transition exists.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StatePreActivation:
		return target == StateActive || target == StateDestroyed
	case StateActive:
		return target == StateSuspended || target == StateDeactivated
	case StateSuspended:
		return target == StateActive || target == StateDeactivated
	case StateDeactivated:
		return target == StateDestroyed
	}
	return false
}

// Operational reports whether a key in this state may take part in
// encryption or decryption.
func (s State) Operational() bool {
	return s == StateActive
}

// Attachable reports whether a key in this state may be attached to a
// vault.
func (s State) Attachable() bool {
	switch s {
	case StatePreActivation, StateActive, StateSuspended:
		return true
	}
	return false
}

func (s State) String() string {
	switch s {
	case StatePreActivation:
		return "new"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateDeactivated:
		return "deactivated"
	case StateDestroyed:
		return "destroyed"
	}
	return string(s)
}

// KeyType distinguishes passphrase-protected keys from device-bound ones.
type KeyType string

const (
	TypePassphrase KeyType = "passphrase"
	TypeHardware   KeyType = "hardware"
)

// HistoryEntry records one lifecycle change for auditability.
type HistoryEntry struct {
	State  State     `json:"state"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// KeyRecord is the stored form of a key. For passphrase keys Blob holds
// the private key wrapped under an Argon2id-derived key; hardware keys
// have an empty Blob and carry the device coordinates instead.
type KeyRecord struct {
	ID           string            `json:"id"`
	Label        string            `json:"label"`
	PublicKey    []byte            `json:"public_key"`
	Blob         []byte            `json:"blob,omitempty"`
	KDF          *crypto.KDFParams `json:"kdf,omitempty"`
	State        State             `json:"state"`
	Type         KeyType           `json:"type"`
	DeviceID     string            `json:"device_id,omitempty"`
	DeviceHandle string            `json:"device_handle,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	History      []HistoryEntry    `json:"history,omitempty"`
}

// Metadata is the public view of a key record, safe to list without a
// passphrase.
type Metadata struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	PublicKey []byte    `json:"public_key"`
	State     State     `json:"state"`
	Type      KeyType   `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *KeyRecord) metadata() Metadata {
	return Metadata{
		ID:        r.ID,
		Label:     r.Label,
		PublicKey: append([]byte(nil), r.PublicKey...),
		State:     r.State,
		Type:      r.Type,
		DeviceID:  r.DeviceID,
		CreatedAt: r.CreatedAt,
	}
}

func (r *KeyRecord) pushHistory(target State, reason string) {
	r.History = append(r.History, HistoryEntry{State: target, At: time.Now(), Reason: reason})
	r.State = target
}

// UnlockedKey holds transient private key material. Destroy must be
// called on every exit path; helpers such as Store.WithUnlocked do this
// for the caller.
type UnlockedKey struct {
	ID      string
	private []byte
}

// Bytes exposes the raw private key. The slice is owned by the
// UnlockedKey and becomes invalid after Destroy.
func (u *UnlockedKey) Bytes() []byte {
	return u.private
}

// Destroy zeroes the private key material. Safe to call more than once.
func (u *UnlockedKey) Destroy() {
	crypto.ClearBytes(u.private)
	u.private = nil
}

func newKeyID() (string, error) {
	b, err := crypto.GenerateRandom(8)
	if err != nil {
		return "", fmt.Errorf("failed to generate key id: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}
