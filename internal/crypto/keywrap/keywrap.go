// Package keywrap seals per-firm encryption keys under the server master secret.
package keywrap

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyLen is the size of a firm key and of a derived KEK.
const KeyLen = 32

var ErrShortCiphertext = errors.New("wrapped key too short")

// Wrapper seals and opens firm keys. The KEK is derived from the master secret per key version.
type Wrapper struct {
	master []byte
}

// New returns a Wrapper over master. An empty master is rejected.
func New(master []byte) (*Wrapper, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master secret")
	}
	return &Wrapper{master: append([]byte(nil), master...)}, nil
}

// NewKey returns a fresh random firm key.
func NewKey() ([]byte, error) {
	k := make([]byte, KeyLen)
	_, err := rand.Read(k)
	return k, err
}

func (w *Wrapper) kek(version int) ([]byte, error) {
	r := hkdf.New(sha256.New, w.master, nil, []byte(fmt.Sprintf("lexsync firm key v%d", version)))
	out := make([]byte, KeyLen)
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func aad(firmID []byte, version int) []byte {
	out := make([]byte, 0, len(firmID)+8)
	out = append(out, firmID...)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(version))
	return append(out, v[:]...)
}

// Wrap encrypts key with XChaCha20-Poly1305. The firm id and version are bound as AAD,
// and the random nonce is prepended to the ciphertext.
func (w *Wrapper) Wrap(firmID []byte, version int, key []byte) ([]byte, error) {
	kek, err := w.kek(version)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(key)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, key, aad(firmID, version))...)
	return out, nil
}

// Unwrap reverses Wrap.
func (w *Wrapper) Unwrap(firmID []byte, version int, wrapped []byte) ([]byte, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, ErrShortCiphertext
	}
	kek, err := w.kek(version)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := wrapped[:chacha20poly1305.NonceSizeX]
	ct := wrapped[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad(firmID, version))
}
