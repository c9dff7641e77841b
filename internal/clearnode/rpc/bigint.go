package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// BigInt is an arbitrary-precision integer that encodes as a decimal string
// and decodes from a decimal string, a 0x-prefixed hex string or a JSON
// number. The clearnode is not consistent about which it sends.
type BigInt struct {
	big.Int
}

// NewBigInt copies x into a BigInt. A nil x yields zero.
func NewBigInt(x *big.Int) *BigInt {
	b := new(BigInt)
	if x != nil {
		b.Set(x)
	}
	return b
}

// Big returns a copy of the value as a *big.Int.
func (b BigInt) Big() *big.Int {
	return new(big.Int).Set(&b.Int)
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Int.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		b.SetInt64(0)
		return nil
	}

	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("rpc: bigint: %w", err)
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		b.SetInt64(0)
		return nil
	}

	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	if _, ok := b.SetString(s, base); !ok {
		return fmt.Errorf("rpc: bigint: invalid value %q", string(data))
	}
	return nil
}
