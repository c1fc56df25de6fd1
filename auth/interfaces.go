package auth

import "context"

// Cipher defines the contract for the component that seals token material at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Alerter is notified of failures an operator must look at, such as a missing
// decryption key. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, err error, tags map[string]string)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, error, map[string]string) {}
