package signing

import (
	"bytes"
	"fmt"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the [R || S || V] length.
const SignatureLength = 65

// ParseExpectedKey decodes a configured governor key: 20 byte address,
// 33 byte compressed, 64 byte raw or 65 byte uncompressed public key.
func ParseExpectedKey(s string) ([]byte, error) {
	raw, err := hexutil.Decode(ensure0x(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	switch len(raw) {
	case 20, 33, 64, 65:
		return raw, nil
	default:
		return nil, fmt.Errorf("public key %q has unsupported length %d", s, len(raw))
	}
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// KeyAddress reduces any supported key form to its Ethereum address.
func KeyAddress(key []byte) (ethcommon.Address, error) {
	switch len(key) {
	case 20:
		return ethcommon.BytesToAddress(key), nil
	case 33:
		pub, err := crypto.DecompressPubkey(key)
		if err != nil {
			return ethcommon.Address{}, err
		}
		return crypto.PubkeyToAddress(*pub), nil
	case 64:
		pub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, key...))
		if err != nil {
			return ethcommon.Address{}, err
		}
		return crypto.PubkeyToAddress(*pub), nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(key)
		if err != nil {
			return ethcommon.Address{}, err
		}
		return crypto.PubkeyToAddress(*pub), nil
	default:
		return ethcommon.Address{}, fmt.Errorf("unsupported key length %d", len(key))
	}
}

// NormalizeSignature returns a copy of sig with V in {0, 1}.
func NormalizeSignature(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	out := bytes.Clone(sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	if out[64] > 1 {
		return nil, fmt.Errorf("invalid signature recovery id %d", sig[64])
	}
	return out, nil
}

// EthereumSignature returns a copy of sig with V in {27, 28} as contracts expect.
func EthereumSignature(sig []byte) ([]byte, error) {
	out, err := NormalizeSignature(sig)
	if err != nil {
		return nil, err
	}
	out[64] += 27
	return out, nil
}

// Recover returns the address that signed keccak256(message).
func Recover(message, sig []byte) (ethcommon.Address, error) {
	normalized, err := NormalizeSignature(sig)
	if err != nil {
		return ethcommon.Address{}, err
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(message), normalized)
	if err != nil {
		return ethcommon.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over message was produced by expected.
func Verify(message, sig, expected []byte) error {
	want, err := KeyAddress(expected)
	if err != nil {
		return fmt.Errorf("invalid expected key: %w", err)
	}
	got, err := Recover(message, sig)
	if err != nil {
		return fmt.Errorf("unrecoverable signature: %w", err)
	}
	if got != want {
		return fmt.Errorf("signature by %s, expected %s", got.Hex(), want.Hex())
	}
	return nil
}
