package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/live-labs/coffre/internal/crypto"
	"github.com/live-labs/coffre/internal/label"
)

var (
	ErrVaultNotFound    = errors.New("vault not found")
	ErrNoAttachedKeys   = errors.New("vault has no attached keys")
	ErrKeyNotAttachable = errors.New("key cannot be attached in its current lifecycle state")
)

// Vault is a named collection of attached recipient keys. A vault must
// have at least one attached key before encryption succeeds.
type Vault struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SanitizedName string    `json:"sanitized_name"`
	KeyIDs        []string  `json:"key_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateVault creates a vault record. The name is sanitized once here;
// bundle filenames derive from the sanitized form so recovery analysis
// can invert it.
func (s *Store) CreateVault(name string) (*Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sanitized, err := label.Sanitize(name)
	if err != nil {
		return nil, fmt.Errorf("invalid vault name: %w", err)
	}

	idBytes, err := crypto.GenerateRandom(16)
	if err != nil {
		return nil, err
	}

	vault := &Vault{
		ID:            fmt.Sprintf("%x", idBytes),
		Name:          name,
		SanitizedName: sanitized,
		CreatedAt:     time.Now(),
	}
	if err := s.putVault(vault); err != nil {
		return nil, err
	}
	return vault, nil
}

// AttachKey attaches a key to a vault. Only keys in an attachable
// lifecycle state qualify; attaching a fresh key activates it.
func (s *Store) AttachKey(vaultID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vault, err := s.getVault(vaultID)
	if err != nil {
		return err
	}
	record, err := s.getKey(keyID)
	if err != nil {
		return err
	}
	if !record.State.Attachable() {
		return fmt.Errorf("%w: %s is %s", ErrKeyNotAttachable, keyID, record.State)
	}

	for _, id := range vault.KeyIDs {
		if id == keyID {
			return nil // already attached
		}
	}
	vault.KeyIDs = append(vault.KeyIDs, keyID)
	if err := s.putVault(vault); err != nil {
		return err
	}

	if record.State == StatePreActivation {
		record.pushHistory(StateActive, "attached to vault "+vault.SanitizedName)
		return s.putKey(record)
	}
	return nil
}

// Vaults lists all vault records.
func (s *Store) Vaults() ([]*Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var vaults []*Vault
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(vaultsBucket).ForEach(func(k, v []byte) error {
			var vault Vault
			if err := json.Unmarshal(v, &vault); err != nil {
				return fmt.Errorf("%w: vault %s", ErrCorruptedStorage, k)
			}
			vaults = append(vaults, &vault)
			return nil
		})
	})
	return vaults, err
}

// GetVault returns a vault record by id.
func (s *Store) GetVault(id string) (*Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getVault(id)
}

// FindVaultBySanitizedName locates a vault by the sanitized name parsed
// out of a bundle filename. Returns ErrVaultNotFound when local
// metadata is absent, which is what puts the caller into recovery mode.
func (s *Store) FindVaultBySanitizedName(sanitized string) (*Vault, error) {
	vaults, err := s.Vaults()
	if err != nil {
		return nil, err
	}
	for _, v := range vaults {
		if v.SanitizedName == sanitized {
			return v, nil
		}
	}
	return nil, ErrVaultNotFound
}

// RecipientKeys resolves a vault's attached keys to records, dropping
// ones that are no longer operational or attachable.
func (s *Store) RecipientKeys(vaultID string) ([]*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vault, err := s.getVault(vaultID)
	if err != nil {
		return nil, err
	}

	var records []*KeyRecord
	for _, id := range vault.KeyIDs {
		record, err := s.getKey(id)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue // securely deleted since attachment
			}
			return nil, err
		}
		if record.State.Attachable() {
			records = append(records, record)
		}
	}
	if len(records) == 0 {
		return nil, ErrNoAttachedKeys
	}
	return records, nil
}

// SaveManifest stores the manifest for a vault. On recovery this is the
// write-back path that self-heals missing local state.
func (s *Store) SaveManifest(vaultID string, manifestJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestsBucket).Put([]byte(vaultID), manifestJSON)
	})
}

// GetManifest returns the stored manifest for a vault, or nil when none
// has been recorded.
func (s *Store) GetManifest(vaultID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(manifestsBucket).Get([]byte(vaultID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

func (s *Store) getVault(id string) (*Vault, error) {
	var vault *Vault
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(vaultsBucket).Get([]byte(id))
		if data == nil {
			return ErrVaultNotFound
		}
		vault = &Vault{}
		if err := json.Unmarshal(data, vault); err != nil {
			return fmt.Errorf("%w: vault %s", ErrCorruptedStorage, id)
		}
		return nil
	})
	return vault, err
}

func (s *Store) putVault(vault *Vault) error {
	data, err := json.Marshal(vault)
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(vaultsBucket).Put([]byte(vault.ID), data)
	})
}
