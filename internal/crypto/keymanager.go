// Package crypto provides wallet key management and the signatures used by
// the clearnode protocol and the custody contract.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 2
)

// ErrNoKeySource is returned by LoadSigner when neither a raw key nor a key
// file is configured.
var ErrNoKeySource = errors.New("crypto/keymanager: no wallet key configured")

// keyFile is the on-disk format of an encrypted wallet key. Address is
// stored in clear so a wrong password or a swapped file is detected after
// decryption.
type keyFile struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	Salt       string         `json:"salt"`
	Nonce      string         `json:"nonce"`
	Ciphertext string         `json:"ciphertext"`
}

// KeyConfig says where the wallet key comes from.
type KeyConfig struct {
	// PrivateKey is a hex key, with or without 0x. Takes precedence.
	PrivateKey string
	// KeyFile is a path produced by EncryptKey.
	KeyFile     string
	KeyPassword string
}

// LoadSigner resolves the wallet key from cfg and wraps it in a Signer.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	switch {
	case cfg.PrivateKey != "":
		return NewSigner(cfg.PrivateKey)
	case cfg.KeyFile != "":
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("crypto/keymanager: read key file: %w", err)
		}
		keyHex, err := DecryptKey(data, cfg.KeyPassword)
		if err != nil {
			return nil, err
		}
		return NewSigner(keyHex)
	default:
		return nil, ErrNoKeySource
	}
}

// EncryptKey seals a hex private key with a password (PBKDF2-SHA256 then
// AES-256-GCM) and returns the key file JSON.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto/keymanager: password must not be empty")
	}
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: invalid key hex: %w", err)
	}
	pk, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: invalid key: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto/keymanager: salt: %w", err)
	}
	gcm, err := newAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/keymanager: nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, nil)),
	}, "", "  ")
}

// DecryptKey opens a key file and returns the hex private key without 0x.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto/keymanager: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto/keymanager: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto/keymanager: unsupported key file version %d", kf.Version)
	}

	var parts [3][]byte
	for i, field := range []string{kf.Salt, kf.Nonce, kf.Ciphertext} {
		b, err := base64.StdEncoding.DecodeString(field)
		if err != nil {
			return "", fmt.Errorf("crypto/keymanager: decode key file: %w", err)
		}
		parts[i] = b
	}

	gcm, err := newAEAD(password, parts[0])
	if err != nil {
		return "", err
	}
	if len(parts[1]) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto/keymanager: nonce length %d", len(parts[1]))
	}
	plain, err := gcm.Open(nil, parts[1], parts[2], nil)
	if err != nil {
		return "", fmt.Errorf("crypto/keymanager: decryption failed (wrong password?): %w", err)
	}

	pk, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return "", fmt.Errorf("crypto/keymanager: decrypted key invalid: %w", err)
	}
	if got := ethcrypto.PubkeyToAddress(pk.PublicKey); got != kf.Address {
		return "", fmt.Errorf("crypto/keymanager: key file address %s does not match key %s", kf.Address.Hex(), got.Hex())
	}
	return hex.EncodeToString(plain), nil
}

func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: gcm: %w", err)
	}
	return gcm, nil
}
