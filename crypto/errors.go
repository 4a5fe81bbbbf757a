package crypto

import (
	"errors"
	"fmt"
)

// Sentinel reasons for a failed Open. Callers branch on these with
// errors.Is to decide whether a retry (after a key fetch) can succeed.
var (
	// ErrMissingRemoteKey indicates the sender's public key is not cached
	// locally. The message may become readable once the key is fetched.
	ErrMissingRemoteKey = errors.New("missing remote public key")

	// ErrAuthenticationFailed indicates the ciphertext failed authentication:
	// it was corrupted, forged, or sealed for a different key pair. The
	// message must be discarded, never rendered.
	ErrAuthenticationFailed = errors.New("message authentication failed")

	// ErrMalformedNonce indicates the nonce has the wrong length.
	ErrMalformedNonce = errors.New("malformed nonce")
)

// DecryptionError wraps one of the sentinel reasons above with the
// message id it applies to. It is isolated to a single message and is
// never fatal to the conversation.
type DecryptionError struct {
	MessageID string
	Reason    error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed for message %q: %v", e.MessageID, e.Reason)
}

func (e *DecryptionError) Unwrap() error {
	return e.Reason
}
