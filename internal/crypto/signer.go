package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name)"),
	)

	// Policy(...) with its referenced Allowance type appended.
	policyTypeHash = ethcrypto.Keccak256(
		[]byte("Policy(string challenge,string scope,address wallet,address session_key,uint64 expires_at,Allowance[] allowances)Allowance(string asset,string amount)"),
	)

	// Allowance(string asset,string amount)
	allowanceTypeHash = ethcrypto.Keccak256(
		[]byte("Allowance(string asset,string amount)"),
	)
)

// stateArgs is abi.encode(bytes32 channelId, uint8 intent, uint256 version,
// bytes data, Allocation[] allocations), the packed form custody verifies.
var stateArgs = mustStateArgs()

// Allowance is a per-asset spending cap granted to a session key.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AuthPolicy is the typed message a wallet signs to delegate to a session
// key during the clearnode handshake.
type AuthPolicy struct {
	Challenge  string
	Scope      string
	Wallet     common.Address
	SessionKey common.Address
	ExpiresAt  uint64
	Allowances []Allowance
}

// Signer holds a secp256k1 key and produces the three signature kinds the
// clearnode protocol uses: EIP-712 auth policies, EIP-191 channel states and
// raw keccak signatures over request payloads.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs an Ethereum transaction for chainID.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// SignAuthPolicy signs p under the EIP-712 domain named domainName and
// returns a 0x-prefixed 65-byte signature.
func (s *Signer) SignAuthPolicy(domainName string, p AuthPolicy) (string, error) {
	sig, err := s.signDigest(AuthPolicyDigest(domainName, p))
	if err != nil {
		return "", err
	}
	return encodeSig(sig), nil
}

// SignPayload signs keccak256(payload) without a message prefix. This is
// the signature carried in the "sig" slot of request frames.
func (s *Signer) SignPayload(payload []byte) (string, error) {
	sig, err := s.signDigest(ethcrypto.Keccak256(payload))
	if err != nil {
		return "", err
	}
	return encodeSig(sig), nil
}

// SignState returns the participant signature over a channel state as
// expected by the custody contract.
func (s *Signer) SignState(channelID common.Hash, st domain.State) ([]byte, error) {
	digest, err := StateDigest(channelID, st)
	if err != nil {
		return nil, err
	}
	return s.signDigest(digest)
}

// AuthPolicyDigest returns the EIP-712 digest of p.
func AuthPolicyDigest(domainName string, p AuthPolicy) []byte {
	domainSep := ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
		),
	)
	return eip712Hash(domainSep, policyStructHash(p))
}

// StateDigest returns the EIP-191 digest of the packed state.
func StateDigest(channelID common.Hash, st domain.State) ([]byte, error) {
	packed, err := PackState(channelID, st)
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(ethcrypto.Keccak256(packed)), nil
}

// PackState abi-encodes a state together with its channel id.
func PackState(channelID common.Hash, st domain.State) ([]byte, error) {
	allocs := make([]abiAllocation, 0, len(st.Allocations))
	for _, a := range st.Allocations {
		amt := a.Amount
		if amt == nil {
			amt = new(big.Int)
		}
		allocs = append(allocs, abiAllocation{Destination: a.Destination, Token: a.Token, Amount: amt})
	}
	data := st.Data
	if data == nil {
		data = []byte{}
	}
	packed, err := stateArgs.Pack(
		[32]byte(channelID),
		uint8(st.Intent),
		new(big.Int).SetUint64(st.Version),
		data,
		allocs,
	)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: pack state: %w", err)
	}
	return packed, nil
}

// RecoverAddress returns the address that produced sig over digest. Both
// v encodings (0/1 and 27/28) are accepted.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature length %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

type abiAllocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

func mustStateArgs() abi.Arguments {
	mustType := func(t string, components []abi.ArgumentMarshaling) abi.Type {
		typ, err := abi.NewType(t, "", components)
		if err != nil {
			panic(fmt.Sprintf("crypto/signer: abi type %s: %v", t, err))
		}
		return typ
	}
	return abi.Arguments{
		{Type: mustType("bytes32", nil)},
		{Type: mustType("uint8", nil)},
		{Type: mustType("uint256", nil)},
		{Type: mustType("bytes", nil)},
		{Type: mustType("tuple[]", []abi.ArgumentMarshaling{
			{Name: "destination", Type: "address"},
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		})},
	}
}

// policyStructHash encodes and hashes an AuthPolicy according to EIP-712.
// Dynamic strings are hashed, the allowance array is the keccak of its
// concatenated element hashes.
func policyStructHash(p AuthPolicy) []byte {
	elems := make([][]byte, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		elems = append(elems, ethcrypto.Keccak256(
			concatBytes(
				allowanceTypeHash,
				ethcrypto.Keccak256([]byte(a.Asset)),
				ethcrypto.Keccak256([]byte(a.Amount)),
			),
		))
	}

	return ethcrypto.Keccak256(
		concatBytes(
			policyTypeHash,
			ethcrypto.Keccak256([]byte(p.Challenge)),
			ethcrypto.Keccak256([]byte(p.Scope)),
			common.LeftPadBytes(p.Wallet.Bytes(), 32),
			common.LeftPadBytes(p.SessionKey.Bytes(), 32),
			bigIntTo32Bytes(new(big.Int).SetUint64(p.ExpiresAt)),
			ethcrypto.Keccak256(concatBytes(elems...)),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the raw
// signature (r || s || v, 65 bytes) with v in {27,28}.
func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; contracts and the clearnode expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

func encodeSig(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
