// Package proof holds the proof and merkle root checks run before a
// withdrawal is accepted.
package proof

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// Groth16ProofLength is eight bn254 field elements: a (2), b (4), c (2).
const Groth16ProofLength = 8 * 32

var (
	// bn254 scalar field, bounds public inputs.
	fieldModulus = uint256.MustFromDecimal("21888242871839275222246405745257275088548364400416034343698204186575808495617")
	// bn254 base field, bounds proof point coordinates.
	baseModulus = uint256.MustFromDecimal("21888242871839275222246405745257275088696311157297823662689037894645226208583")
)

// Verifier checks a zero-knowledge proof against its public inputs.
type Verifier interface {
	Verify(ctx context.Context, publicInputs [][]byte, proof []byte) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, publicInputs [][]byte, proof []byte) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, publicInputs [][]byte, proof []byte) (bool, error) {
	return f(ctx, publicInputs, proof)
}

// StructuralVerifier rejects proofs that cannot be valid Groth16 proofs over
// bn254 and delegates the rest to Next. With a nil Next it only checks shape.
type StructuralVerifier struct {
	Next Verifier
}

func (v StructuralVerifier) Verify(ctx context.Context, publicInputs [][]byte, proof []byte) (bool, error) {
	if len(proof) != Groth16ProofLength {
		return false, nil
	}
	for i := 0; i < len(proof); i += 32 {
		if !below(proof[i:i+32], baseModulus) {
			return false, nil
		}
	}
	for _, input := range publicInputs {
		if len(input) != 32 || !below(input, fieldModulus) {
			return false, nil
		}
	}
	if v.Next == nil {
		return true, nil
	}
	return v.Next.Verify(ctx, publicInputs, proof)
}

func below(b []byte, modulus *uint256.Int) bool {
	return new(uint256.Int).SetBytes(b).Lt(modulus)
}

// ParseFieldElement decodes a 32 byte big endian scalar.
func ParseFieldElement(b []byte) (*uint256.Int, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("field element must be 32 bytes, got %d", len(b))
	}
	x := new(uint256.Int).SetBytes(b)
	if !x.Lt(fieldModulus) {
		return nil, fmt.Errorf("value %s is outside the scalar field", x.Hex())
	}
	return x, nil
}
