// Package keymgmt implements KeyManager (spec.md §4.1): derives the
// key-encryption key from a passphrase, wraps/unwraps the master key, and
// owns the idle-timeout zeroization and password-change operations.
package keymgmt

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cryptofs/cryptofs/clock"
	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/store"
)

var errKeyWiped = errors.New("keymgmt: master key not currently resident")

// PassphraseProvider is the one genuinely polymorphic boundary in this
// package, per spec.md §9: a narrow capability that prompts for a
// passphrase and returns it as a plain string. The CLI implements the
// actual prompting (out of scope here); tests supply a closure.
type PassphraseProvider func() (string, error)

// Manager is the KeyManager. It is constructed and torn down per mount, per
// spec.md §9 ("no implicit singletons; a test may construct multiple cores
// in the same process against different data directories").
type Manager struct {
	store      *store.Store
	clock      clock.Clock
	passphrase PassphraseProvider

	idleTimeout time.Duration
	stopIdle    chan struct{}
	idleWG      sync.WaitGroup

	sf singleflight.Group

	mu          sync.Mutex
	salt        []byte
	cipherID    cryptocodec.CipherID
	lastUse     time.Time
	masterKey   *secureBuffer
	nameHashKey *secureBuffer
}

// New constructs a Manager over an already-EnsureStructure'd store. It does
// not read or write any file; call Init (first mount) or Open (subsequent
// mounts).
func New(st *store.Store, clk clock.Clock, idleTimeout time.Duration, provider PassphraseProvider) *Manager {
	return &Manager{
		store:       st,
		clock:       clk,
		passphrase:  provider,
		idleTimeout: idleTimeout,
	}
}

// Init generates a random salt and master key, wraps the master key under
// a KEK derived from passphrase, and writes both files. It must only be
// called once per data directory; callers check store.Initialized first.
func (m *Manager) Init(passphrase string, cipherID cryptocodec.CipherID) error {
	if !cipherID.Valid() {
		return fserrors.New("keymgmt.init", fserrors.InvalidArgument)
	}
	salt, err := store.NewSalt()
	if err != nil {
		return fserrors.Wrap("keymgmt.init", fserrors.Io, err)
	}
	masterKey := make([]byte, cryptocodec.KeySize)
	if _, err := rand.Read(masterKey); err != nil {
		return fserrors.Wrap("keymgmt.init", fserrors.Io, err)
	}

	if err := m.store.WriteSalt(salt); err != nil {
		return err
	}
	if err := m.sealAndWriteMasterKey(passphrase, salt, cipherID, masterKey); err != nil {
		return err
	}

	nameHashKey, err := store.DeriveNameHashKey(masterKey)
	if err != nil {
		return fserrors.Wrap("keymgmt.init", fserrors.Io, err)
	}

	m.mu.Lock()
	m.salt = salt
	m.cipherID = cipherID
	m.masterKey = newSecureBuffer(masterKey)
	m.nameHashKey = newSecureBuffer(nameHashKey)
	m.lastUse = m.clock.Now()
	m.mu.Unlock()

	m.startIdleTicker()
	return nil
}

// Open reads the salt and master-key file, derives the KEK from
// passphrase, and unwraps the master key. Failure to authenticate the
// master-key file is reported as fserrors.WrongPassword, not Corrupt: the
// salt is cleartext and present, so per spec.md §7 any open failure is
// attributed to the passphrase.
func (m *Manager) Open(passphrase string) error {
	salt, err := m.store.ReadSalt()
	if err != nil {
		return err
	}
	record, err := m.readMasterKeyRecord()
	if err != nil {
		return err
	}

	kek := DeriveKEK(passphrase, salt)
	masterKey, err := openMasterKey(record, kek)
	if err != nil {
		return fserrors.Wrap("keymgmt.open", fserrors.WrongPassword, err)
	}
	if len(masterKey) != cryptocodec.KeySize {
		return fserrors.New("keymgmt.open", fserrors.Corrupt)
	}

	nameHashKey, err := store.DeriveNameHashKey(masterKey)
	if err != nil {
		return fserrors.Wrap("keymgmt.open", fserrors.Io, err)
	}

	m.mu.Lock()
	m.salt = salt
	m.cipherID = record.cipherID
	m.masterKey = newSecureBuffer(masterKey)
	m.nameHashKey = newSecureBuffer(nameHashKey)
	m.lastUse = m.clock.Now()
	m.mu.Unlock()

	m.startIdleTicker()
	return nil
}

// CipherID reports the content cipher recorded in the master-key file.
func (m *Manager) CipherID() cryptocodec.CipherID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cipherID
}

// Acquire returns a usable AEAD over the master key and a copy of the
// name-hashing key, re-deriving the master key from disk (via the injected
// PassphraseProvider) if it was wiped by the idle timer. Concurrent misses
// collapse into a single re-derivation via singleflight, since Argon2 is
// deliberately expensive.
func (m *Manager) Acquire() (aead cipher.AEAD, nameHashKey []byte, cipherID cryptocodec.CipherID, err error) {
	if err := m.ensureResident(); err != nil {
		return nil, nil, 0, err
	}

	m.mu.Lock()
	m.lastUse = m.clock.Now()
	mk := m.masterKey
	nhk := m.nameHashKey
	cipherID = m.cipherID
	m.mu.Unlock()

	var keyCopy [cryptocodec.KeySize]byte
	borrowErr := mk.Borrow(func(b []byte) error {
		copy(keyCopy[:], b)
		return nil
	})
	if borrowErr != nil {
		return nil, nil, 0, fserrors.Wrap("keymgmt.acquire", fserrors.Io, borrowErr)
	}
	aead, err = cryptocodec.NewAEAD(cipherID, keyCopy[:])
	for i := range keyCopy {
		keyCopy[i] = 0
	}
	if err != nil {
		return nil, nil, 0, fserrors.Wrap("keymgmt.acquire", fserrors.Corrupt, err)
	}

	borrowErr = nhk.Borrow(func(b []byte) error {
		nameHashKey = append([]byte(nil), b...)
		return nil
	})
	if borrowErr != nil {
		return nil, nil, 0, fserrors.Wrap("keymgmt.acquire", fserrors.Io, borrowErr)
	}
	return aead, nameHashKey, cipherID, nil
}

func (m *Manager) ensureResident() error {
	m.mu.Lock()
	resident := m.masterKey != nil && m.masterKey.Present()
	m.mu.Unlock()
	if resident {
		return nil
	}

	_, err, _ := m.sf.Do("rederive", func() (interface{}, error) {
		m.mu.Lock()
		stillMissing := m.masterKey == nil || !m.masterKey.Present()
		salt := m.salt
		m.mu.Unlock()
		if !stillMissing {
			return nil, nil
		}
		passphrase, perr := m.passphrase()
		if perr != nil {
			return nil, fserrors.Wrap("keymgmt.rederive", fserrors.PermissionDenied, perr)
		}
		record, rerr := m.readMasterKeyRecord()
		if rerr != nil {
			return nil, rerr
		}
		kek := DeriveKEK(passphrase, salt)
		masterKey, oerr := openMasterKey(record, kek)
		if oerr != nil {
			return nil, fserrors.Wrap("keymgmt.rederive", fserrors.WrongPassword, oerr)
		}
		nameHashKey, nerr := store.DeriveNameHashKey(masterKey)
		if nerr != nil {
			return nil, fserrors.Wrap("keymgmt.rederive", fserrors.Io, nerr)
		}
		m.mu.Lock()
		m.masterKey = newSecureBuffer(masterKey)
		m.nameHashKey = newSecureBuffer(nameHashKey)
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// ChangePassword re-wraps the master key under a KEK derived from
// newPassphrase without touching file contents, per spec.md §4.1. The salt
// is deliberately left unrotated (see DESIGN.md) so the operation is a
// single atomic replacement of the master-key file: either the old sealed
// copy or the new sealed copy survives a crash, never a truncated hybrid.
func (m *Manager) ChangePassword(oldPassphrase, newPassphrase string) error {
	salt, err := m.store.ReadSalt()
	if err != nil {
		return err
	}
	record, err := m.readMasterKeyRecord()
	if err != nil {
		return err
	}
	oldKEK := DeriveKEK(oldPassphrase, salt)
	masterKey, err := openMasterKey(record, oldKEK)
	if err != nil {
		return fserrors.Wrap("keymgmt.change_password", fserrors.WrongPassword, err)
	}

	if err := m.sealAndWriteMasterKey(newPassphrase, salt, record.cipherID, masterKey); err != nil {
		return err
	}

	nameHashKey, err := store.DeriveNameHashKey(masterKey)
	if err != nil {
		return fserrors.Wrap("keymgmt.change_password", fserrors.Io, err)
	}

	m.mu.Lock()
	if m.masterKey != nil {
		m.masterKey.Wipe()
	}
	if m.nameHashKey != nil {
		m.nameHashKey.Wipe()
	}
	m.masterKey = newSecureBuffer(masterKey)
	m.nameHashKey = newSecureBuffer(nameHashKey)
	m.lastUse = m.clock.Now()
	m.mu.Unlock()
	return nil
}

func (m *Manager) sealAndWriteMasterKey(passphrase string, salt []byte, cipherID cryptocodec.CipherID, masterKey []byte) error {
	kek := DeriveKEK(passphrase, salt)
	aead, err := cryptocodec.NewAEAD(cipherID, kek)
	if err != nil {
		return fserrors.Wrap("keymgmt.seal_master_key", fserrors.Io, err)
	}
	sealed, err := cryptocodec.Seal(aead, cryptocodec.MasterKeyAAD(), masterKey)
	if err != nil {
		return fserrors.Wrap("keymgmt.seal_master_key", fserrors.Io, err)
	}
	data := marshalMasterKeyFile(masterKeyRecord{
		cipherID: cipherID, kdfTime: argon2Time, kdfMemKiB: argon2MemKiB, kdfThreads: argon2Threads, sealed: sealed,
	})
	if err := cryptocodec.WriteAtomic(m.store.KeyPath(), data, 0o600); err != nil {
		return fserrors.Wrap("keymgmt.seal_master_key", fserrors.Io, err)
	}
	return nil
}

func (m *Manager) readMasterKeyRecord() (masterKeyRecord, error) {
	data, err := os.ReadFile(m.store.KeyPath())
	if err != nil {
		return masterKeyRecord{}, fserrors.Wrap("keymgmt.read_master_key", fserrors.Io, err)
	}
	record, err := unmarshalMasterKeyFile(data)
	if err != nil {
		return masterKeyRecord{}, fserrors.Wrap("keymgmt.read_master_key", fserrors.Corrupt, err)
	}
	return record, nil
}

func openMasterKey(record masterKeyRecord, kek []byte) ([]byte, error) {
	aead, err := cryptocodec.NewAEAD(record.cipherID, kek)
	if err != nil {
		return nil, err
	}
	return cryptocodec.Open(aead, cryptocodec.MasterKeyAAD(), record.sealed)
}

// startIdleTicker launches the background ticker described in spec.md §5:
// the KEK cache idle timeout is enforced by a background ticker. A no-op
// when IdleKeyTimeout is zero.
func (m *Manager) startIdleTicker() {
	if m.idleTimeout <= 0 || m.stopIdle != nil {
		return
	}
	m.stopIdle = make(chan struct{})
	m.idleWG.Add(1)
	go func() {
		defer m.idleWG.Done()
		for {
			select {
			case <-m.stopIdle:
				return
			case <-m.clock.After(m.idleTimeout):
				m.mu.Lock()
				idleFor := m.clock.Now().Sub(m.lastUse)
				if idleFor >= m.idleTimeout {
					if m.masterKey != nil {
						m.masterKey.Wipe()
					}
					if m.nameHashKey != nil {
						m.nameHashKey.Wipe()
					}
				}
				m.mu.Unlock()
			}
		}
	}()
}

// Close tears down the Manager: stops the idle ticker and wipes the
// in-memory key material. Per spec.md §9, lifecycle is explicit
// init/teardown tied to mount/unmount, not an implicit singleton.
func (m *Manager) Close() {
	if m.stopIdle != nil {
		close(m.stopIdle)
		m.idleWG.Wait()
		m.stopIdle = nil
	}
	m.mu.Lock()
	if m.masterKey != nil {
		m.masterKey.Wipe()
	}
	if m.nameHashKey != nil {
		m.nameHashKey.Wipe()
	}
	m.mu.Unlock()
}
