package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/live-labs/coffre/internal/crypto"
)

// Bucket names
var (
	configBucket    = []byte("config")
	keysBucket      = []byte("keys")
	vaultsBucket    = []byte("vaults")
	manifestsBucket = []byte("manifests")
	destroyedBucket = []byte("destroyed")
)

// Config keys
var (
	configVersion = []byte("version")
	configCreated = []byte("created")
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrWrongPassphrase  = errors.New("wrong passphrase")
	ErrCorruptedStorage = errors.New("key storage is corrupted")
	ErrNotPassphraseKey = errors.New("key is not passphrase-protected")
	ErrKeyDestroyed     = errors.New("key has been destroyed")
)

// Store provides BBolt-backed storage for key records and vault
// metadata. A single Store instance is shared and injected into the
// engines; it is not a singleton.
type Store struct {
	mu sync.RWMutex
	db *bolt.DB
}

// Open opens or creates a key store database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{configBucket, keysBucket, vaultsBucket, manifestsBucket, destroyedBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		config := tx.Bucket(configBucket)
		if config.Get(configVersion) == nil {
			if err := config.Put(configVersion, []byte("1")); err != nil {
				return err
			}
			created, _ := time.Now().MarshalBinary()
			if err := config.Put(configCreated, created); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GenerateKey creates a passphrase-protected X25519 keypair and
// persists it. The passphrase itself is never stored; the private half
// is wrapped under an Argon2id-derived key and exists unencrypted only
// inside this call.
func (s *Store) GenerateKey(label string, passphrase []byte) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(passphrase) == 0 {
		return Metadata{}, errors.New("passphrase must not be empty")
	}

	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return Metadata{}, err
	}
	defer crypto.ClearBytes(priv)

	kdf, err := crypto.NewKDFParams()
	if err != nil {
		return Metadata{}, err
	}

	wrapKey := kdf.DeriveKey(passphrase)
	defer crypto.ClearBytes(wrapKey)

	blob, err := crypto.Seal(priv, wrapKey)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to wrap private key: %w", err)
	}

	id, err := newKeyID()
	if err != nil {
		return Metadata{}, err
	}

	record := &KeyRecord{
		ID:        id,
		Label:     label,
		PublicKey: pub,
		Blob:      blob,
		KDF:       kdf,
		Type:      TypePassphrase,
		CreatedAt: time.Now(),
	}
	record.pushHistory(StatePreActivation, "generated")

	if err := s.putKey(record); err != nil {
		return Metadata{}, err
	}
	return record.metadata(), nil
}

// ImportHardwareKey persists a record for a key whose private half
// lives on an external device. Only the public key and the device
// coordinates are stored.
func (s *Store) ImportHardwareKey(label string, pub []byte, deviceID, deviceHandle string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !crypto.ValidPublicKey(pub) {
		return Metadata{}, crypto.ErrInvalidPublicKey
	}

	id, err := newKeyID()
	if err != nil {
		return Metadata{}, err
	}

	record := &KeyRecord{
		ID:           id,
		Label:        label,
		PublicKey:    append([]byte(nil), pub...),
		Type:         TypeHardware,
		DeviceID:     deviceID,
		DeviceHandle: deviceHandle,
		CreatedAt:    time.Now(),
	}
	record.pushHistory(StatePreActivation, "imported from device")

	if err := s.putKey(record); err != nil {
		return Metadata{}, err
	}
	return record.metadata(), nil
}

// ListKeys returns public metadata for every key record. No secret
// material is exposed and no passphrase is required.
func (s *Store) ListKeys() ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).ForEach(func(k, v []byte) error {
			var record KeyRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("%w: record %s", ErrCorruptedStorage, k)
			}
			keys = append(keys, record.metadata())
			return nil
		})
	})
	return keys, err
}

// GetKey returns the full record for a key id.
func (s *Store) GetKey(id string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getKey(id)
}

// Unlock derives the wrap key from the passphrase and unwraps the
// private key. A malformed blob fails with ErrCorruptedStorage; an
// authentication failure with ErrWrongPassphrase. The caller owns the
// returned UnlockedKey and must Destroy it on every exit path.
func (s *Store) Unlock(id string, passphrase []byte) (*UnlockedKey, error) {
	s.mu.RLock()
	record, err := s.getKey(id)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if record.Type != TypePassphrase {
		return nil, ErrNotPassphraseKey
	}
	if record.State == StateDestroyed {
		return nil, ErrKeyDestroyed
	}
	if !record.KDF.Valid() || len(record.Blob) < crypto.NonceSize+crypto.TagSize {
		return nil, ErrCorruptedStorage
	}

	wrapKey := record.KDF.DeriveKey(passphrase)
	defer crypto.ClearBytes(wrapKey)

	priv, err := crypto.Open(record.Blob, wrapKey)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidCiphertext) {
			return nil, ErrCorruptedStorage
		}
		return nil, ErrWrongPassphrase
	}

	return &UnlockedKey{ID: id, private: priv}, nil
}

// WithUnlocked unlocks a key, invokes fn with the transient private key
// bytes, and guarantees zeroing when fn returns.
func (s *Store) WithUnlocked(id string, passphrase []byte, fn func(priv []byte) error) error {
	unlocked, err := s.Unlock(id, passphrase)
	if err != nil {
		return err
	}
	defer unlocked.Destroy()
	return fn(unlocked.Bytes())
}

// Transition moves a key to the target lifecycle state, validating
// against the state machine. Invalid moves fail with
// ErrInvalidTransition.
func (s *Store) Transition(id string, target State, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.getKey(id)
	if err != nil {
		return err
	}

	if !record.State.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.State, target)
	}

	record.pushHistory(target, reason)
	return s.putKey(record)
}

// SecureDelete overwrites the wrapped private key blob with random
// bytes, removes the record, and leaves a tombstone. Irreversible.
func (s *Store) SecureDelete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.getKey(id)
	if err != nil {
		return err
	}

	// Overwrite the stored blob before removal so the wrapped key does
	// not survive in a live page.
	if len(record.Blob) > 0 {
		garbage, err := crypto.GenerateRandom(len(record.Blob))
		if err != nil {
			return err
		}
		record.Blob = garbage
		record.KDF = nil
		if err := s.putKey(record); err != nil {
			return err
		}
	}

	tombstone := Metadata{
		ID:        record.ID,
		Label:     record.Label,
		State:     StateDestroyed,
		Type:      record.Type,
		CreatedAt: record.CreatedAt,
	}
	data, err := json.Marshal(tombstone)
	if err != nil {
		return fmt.Errorf("failed to marshal tombstone: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(keysBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(destroyedBucket).Put([]byte(id), data)
	})
}

// DestroyedKeys lists tombstones left behind by secure deletion.
func (s *Store) DestroyedKeys() ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(destroyedBucket).ForEach(func(k, v []byte) error {
			var m Metadata
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("%w: tombstone %s", ErrCorruptedStorage, k)
			}
			keys = append(keys, m)
			return nil
		})
	})
	return keys, err
}

func (s *Store) getKey(id string) (*KeyRecord, error) {
	var record *KeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(keysBucket).Get([]byte(id))
		if data == nil {
			return ErrKeyNotFound
		}
		record = &KeyRecord{}
		if err := json.Unmarshal(data, record); err != nil {
			return fmt.Errorf("%w: record %s", ErrCorruptedStorage, id)
		}
		return nil
	})
	return record, err
}

func (s *Store) putKey(record *KeyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal key record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Put([]byte(record.ID), data)
	})
}

// Compact creates a compacted copy of the database, removing unused
// space. Useful after secure deletion so overwritten pages do not
// linger on disk.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srcPath := s.db.Path()
	tmpPath := srcPath + ".compact"

	dst, err := bolt.Open(tmpPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}

	err = s.db.View(func(srcTx *bolt.Tx) error {
		return dst.Update(func(dstTx *bolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bolt.Bucket) error {
				dstBucket, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return srcBucket.ForEach(func(k, v []byte) error {
					return dstBucket.Put(k, v)
				})
			})
		})
	})
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to copy data: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close compact database: %w", err)
	}
	if err := s.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close source database: %w", err)
	}

	backupPath := srcPath + ".backup"
	if err := os.Rename(srcPath, backupPath); err != nil {
		return fmt.Errorf("failed to backup original: %w", err)
	}
	if err := os.Rename(tmpPath, srcPath); err != nil {
		os.Rename(backupPath, srcPath) // rollback
		return fmt.Errorf("failed to replace database: %w", err)
	}
	os.Remove(backupPath)

	s.db, err = bolt.Open(srcPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	return nil
}
