package crypto

import (
	"golang.org/x/crypto/nacl/box"

	"github.com/opd-ai/chatcore/limits"
)

// Open decrypts and authenticates a message sealed by a peer. It fails
// with ErrAuthenticationFailed on any tampering or key mismatch; it
// never returns corrupted plaintext.
func Open(ciphertext []byte, nonce Nonce, senderPK [KeySize]byte, recipientSK [KeySize]byte) ([]byte, error) {
	if err := limits.ValidateEncryptedMessage(ciphertext); err != nil {
		return nil, err
	}

	plaintext, ok := box.Open(nil, ciphertext, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&senderPK), (*[KeySize]byte)(&recipientSK))
	if !ok {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}
