// Package peercrypto contains client-side primitives for identity keys,
// room-key wrapping and content AEAD.
package peercrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"lanchat/internal/errs"
	"lanchat/internal/model"
)

// Params
const (
	KeyLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// passphraseSalt is a fixed application salt so independent peers derive the
// same room key from the same passphrase without any exchange.
var passphraseSalt = []byte("lanchat/room-key/v1")

// wrapInfo binds HKDF output to its purpose.
var wrapInfo = []byte("lanchat/key-wrap/v1")

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Identity is an X25519 key pair used only to wrap room-key envelopes,
// never to encrypt message content directly.
type Identity struct {
	Public  []byte
	Private []byte
}

// GenerateIdentity creates a fresh X25519 identity key pair.
func GenerateIdentity() (Identity, error) {
	priv, err := Rand(curve25519.ScalarSize)
	if err != nil {
		return Identity{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Public: pub, Private: priv}, nil
}

// NewRoomKey generates a fresh symmetric room key.
func NewRoomKey() (model.RoomKey, error) {
	raw, err := Rand(KeyLen)
	if err != nil {
		return model.RoomKey{}, err
	}
	return model.RoomKey{Raw: raw, Algorithm: model.RoomKeyAlgorithm}, nil
}

// DeriveRoomKey derives a room key deterministically from a shared passphrase
// using Argon2id. Peers configured with the same passphrase derive the same
// key with no network exchange (offline fallback).
func DeriveRoomKey(passphrase string) model.RoomKey {
	raw := argon2.IDKey([]byte(passphrase), passphraseSalt, argonTime, argonMemory, argonThreads, KeyLen)
	return model.RoomKey{Raw: raw, Algorithm: model.RoomKeyAlgorithm}
}

// wrappingKey derives the symmetric envelope key from an X25519 shared secret
// and a per-envelope salt via HKDF-SHA256.
func wrappingKey(shared, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, salt, wrapInfo)
	key := make([]byte, KeyLen)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapKey encrypts the room key for one recipient: ephemeral X25519 agreement
// with the recipient's identity public key, HKDF over the shared secret plus
// a fresh salt, then XChaCha20-Poly1305 with a fresh nonce. Each envelope is
// independently decryptable only by the recipient's identity private key.
func WrapKey(key model.RoomKey, recipientPub []byte) (model.KeyEnvelope, error) {
	if len(recipientPub) != curve25519.PointSize {
		return model.KeyEnvelope{}, fmt.Errorf("wrap key: bad recipient public key length %d", len(recipientPub))
	}
	eph, err := GenerateIdentity()
	if err != nil {
		return model.KeyEnvelope{}, fmt.Errorf("wrap key: ephemeral pair: %w", err)
	}
	shared, err := curve25519.X25519(eph.Private, recipientPub)
	if err != nil {
		return model.KeyEnvelope{}, fmt.Errorf("wrap key: agreement: %w", err)
	}
	salt, err := Rand(SaltLen)
	if err != nil {
		return model.KeyEnvelope{}, err
	}
	wk, err := wrappingKey(shared, salt)
	if err != nil {
		return model.KeyEnvelope{}, err
	}
	aead, err := chacha20poly1305.NewX(wk)
	if err != nil {
		return model.KeyEnvelope{}, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return model.KeyEnvelope{}, err
	}
	return model.KeyEnvelope{
		EphemeralPub: eph.Public,
		Salt:         salt,
		Nonce:        nonce,
		Ciphertext:   aead.Seal(nil, nonce, key.Raw, nil),
	}, nil
}

// UnwrapKey recovers the room key from an envelope using the local identity
// private key. Any failure maps to errs.ErrBadEnvelope; the envelope is
// single-use and the caller drops it either way.
func UnwrapKey(identityPriv []byte, env model.KeyEnvelope) (model.RoomKey, error) {
	if len(env.EphemeralPub) != curve25519.PointSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return model.RoomKey{}, errs.ErrBadEnvelope
	}
	shared, err := curve25519.X25519(identityPriv, env.EphemeralPub)
	if err != nil {
		return model.RoomKey{}, errs.ErrBadEnvelope
	}
	wk, err := wrappingKey(shared, env.Salt)
	if err != nil {
		return model.RoomKey{}, errs.ErrBadEnvelope
	}
	aead, err := chacha20poly1305.NewX(wk)
	if err != nil {
		return model.RoomKey{}, errs.ErrBadEnvelope
	}
	raw, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return model.RoomKey{}, errs.ErrBadEnvelope
	}
	return model.RoomKey{Raw: raw, Algorithm: model.RoomKeyAlgorithm}, nil
}

// Seal encrypts plaintext under the room key with a fresh nonce. Ciphertext
// and nonce travel separately on the wire.
func Seal(key model.RoomKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(key.Raw) != KeyLen {
		return nil, nil, errs.ErrNoKey
	}
	aead, err := chacha20poly1305.NewX(key.Raw)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext produced by Seal.
func Open(key model.RoomKey, ciphertext, nonce []byte) ([]byte, error) {
	if len(key.Raw) != KeyLen {
		return nil, errs.ErrNoKey
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("open: bad nonce length")
	}
	aead, err := chacha20poly1305.NewX(key.Raw)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}
