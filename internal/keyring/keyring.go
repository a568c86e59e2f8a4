package keyring

import (
	"github.com/zalando/go-keyring"
)

const serviceName = "coffre"

// SavePassphrase stores a key's passphrase in the OS keyring
func SavePassphrase(keyID string, passphrase string) error {
	return keyring.Set(serviceName, keyID, passphrase)
}

// GetPassphrase retrieves a key's passphrase from the OS keyring
func GetPassphrase(keyID string) (string, error) {
	return keyring.Get(serviceName, keyID)
}

// DeletePassphrase removes a key's passphrase from the OS keyring
func DeletePassphrase(keyID string) error {
	return keyring.Delete(serviceName, keyID)
}

// HasPassphrase checks if a passphrase is stored in the keyring
func HasPassphrase(keyID string) bool {
	_, err := keyring.Get(serviceName, keyID)
	return err == nil
}
