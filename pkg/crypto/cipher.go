// Package crypto seals relay units with a per-connection symmetric key.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize  = chacha20poly1305.KeySize
	Overhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead
)

var (
	ErrKeySize = errors.New("bad key size")
	ErrShort   = errors.New("short message")
)

// Cipher is a chacha20poly1305 AEAD with a counter nonce.
// The nonce is a random 4-byte prefix followed by a 64-bit counter,
// so both ends of a connection may share one key.
type Cipher struct {
	aead   cipher.AEAD
	prefix [4]byte
	nonce  atomic.Uint64
}

func NewCipherFromKey(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	c := &Cipher{aead: a}
	if _, err := rand.Read(c.prefix[:]); err != nil {
		return nil, err
	}
	return c, nil
}

func NewRandomKey() ([]byte, error) {
	k := make([]byte, KeySize)
	_, err := rand.Read(k)
	return k, err
}

// Seal appends nonce|ciphertext|tag of plain to dst.
func (c *Cipher) Seal(dst, plain []byte) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	copy(nonce[:4], c.prefix[:])
	binary.BigEndian.PutUint64(nonce[4:], c.nonce.Add(1))
	dst = append(dst, nonce[:]...)
	return c.aead.Seal(dst, nonce[:], plain, nil)
}

// Open decrypts msg in place and returns the plaintext.
func (c *Cipher) Open(msg []byte) ([]byte, error) {
	if len(msg) < Overhead {
		return nil, ErrShort
	}
	nonce := msg[:chacha20poly1305.NonceSize]
	ct := msg[chacha20poly1305.NonceSize:]
	return c.aead.Open(ct[:0], nonce, ct, nil)
}
