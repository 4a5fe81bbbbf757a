package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/box"

	"github.com/opd-ai/chatcore/limits"
)

// NonceSize is the size of a NaCl box nonce in bytes.
const NonceSize = 24

// Nonce is a 24-byte value used for encryption. A fresh nonce is
// generated for every sealed message and is never reused for a key pair.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// NonceFromBytes converts a raw byte slice into a Nonce, validating length.
func NonceFromBytes(b []byte) (Nonce, error) {
	var nonce Nonce
	if len(b) != NonceSize {
		return nonce, ErrMalformedNonce
	}
	copy(nonce[:], b)
	return nonce, nil
}

// Seal encrypts a plaintext message for a recipient using authenticated
// public-key encryption. A fresh random nonce is generated per call and
// returned alongside the ciphertext; both travel in the wire envelope.
func Seal(plaintext []byte, recipientPK [KeySize]byte, senderSK [KeySize]byte) ([]byte, Nonce, error) {
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return nil, Nonce{}, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, Nonce{}, err
	}

	ciphertext := box.Seal(nil, plaintext, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&recipientPK), (*[KeySize]byte)(&senderSK))
	return ciphertext, nonce, nil
}
