package crypto

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// GenerateSessionKey creates a fresh ephemeral key pair. A session key lives
// only in memory and is replaced on every authentication attempt.
func GenerateSessionKey() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/session: generate key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}
