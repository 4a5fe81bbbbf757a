// Package limits provides centralized message size limits for the messaging core.
// This ensures consistent validation across the crypto and transport layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPlaintextMessage is the maximum accepted plaintext message size.
	MaxPlaintextMessage = 4096

	// MaxEncryptedMessage is the maximum size after encryption overhead.
	// This includes the plaintext + NaCl box overhead (Poly1305 MAC tag).
	MaxEncryptedMessage = MaxPlaintextMessage + EncryptionOverhead

	// MaxEnvelope is the absolute maximum for any inbound wire envelope.
	// This prevents memory exhaustion from a misbehaving server.
	MaxEnvelope = 64 * 1024

	// EncryptionOverhead is the overhead added by NaCl box encryption.
	// This is the Poly1305 MAC tag added by box.Seal(); the nonce
	// (24 bytes) travels separately in the envelope.
	EncryptionOverhead = 16 // golang.org/x/crypto/nacl/box.Overhead
)

var (
	// ErrMessageEmpty indicates an empty message was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size.
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidatePlaintextMessage validates a plaintext message size against MaxPlaintextMessage.
// Returns an error with context if the message is empty or exceeds the limit.
func ValidatePlaintextMessage(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxPlaintextMessage {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxPlaintextMessage)
	}
	return nil
}

// ValidateEncryptedMessage validates an encrypted message size against MaxEncryptedMessage.
// Returns an error with context if the message is empty or exceeds the limit.
func ValidateEncryptedMessage(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxEncryptedMessage {
		return fmt.Errorf("%w: encrypted size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxEncryptedMessage)
	}
	return nil
}

// ValidateEnvelope validates a raw wire envelope against MaxEnvelope.
// This limit should be applied to all untrusted inbound data.
func ValidateEnvelope(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxEnvelope {
		return fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxEnvelope)
	}
	return nil
}
