// Package signing produces and checks governor signatures over bridge proposals.
package signing

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
)

// HeaderLength is resource id (32) + function signature (4) + nonce (4).
const HeaderLength = 32 + 4 + 4

// ProposalHeader prefixes every proposal payload.
type ProposalHeader struct {
	ResourceID  common.ResourceID
	FunctionSig [4]byte
	Nonce       uint32
}

// Encode returns the 40 byte wire form.
func (h ProposalHeader) Encode() []byte {
	out := make([]byte, HeaderLength)
	copy(out[:32], h.ResourceID[:])
	copy(out[32:36], h.FunctionSig[:])
	binary.BigEndian.PutUint32(out[36:], h.Nonce)
	return out
}

// DecodeProposalHeader reads the header at the start of raw.
func DecodeProposalHeader(raw []byte) (ProposalHeader, error) {
	var h ProposalHeader
	if len(raw) < HeaderLength {
		return h, fmt.Errorf("proposal of %d bytes is shorter than its header", len(raw))
	}
	copy(h.ResourceID[:], raw[:32])
	copy(h.FunctionSig[:], raw[32:36])
	h.Nonce = binary.BigEndian.Uint32(raw[36:HeaderLength])
	return h, nil
}

// FunctionSig returns the 4 byte selector of a solidity signature.
func FunctionSig(signature string) [4]byte {
	var sig [4]byte
	copy(sig[:], crypto.Keccak256([]byte(signature))[:4])
	return sig
}

// Proposal is a governance message addressed to one target resource.
type Proposal struct {
	TargetChain common.ChainIdentifier
	Header      ProposalHeader
	Payload     []byte
	Signature   []byte
}

// Bytes is the signed message: header followed by payload.
func (p *Proposal) Bytes() []byte {
	out := p.Header.Encode()
	return append(out, p.Payload...)
}

// ParseProposal splits raw proposal bytes into header and payload.
func ParseProposal(target common.ChainIdentifier, raw []byte) (*Proposal, error) {
	header, err := DecodeProposalHeader(raw)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, len(raw)-HeaderLength)
	copy(payload, raw[HeaderLength:])
	return &Proposal{TargetChain: target, Header: header, Payload: payload}, nil
}

// LogicalKey identifies a proposal across retries: resource id and nonce.
func (p *Proposal) LogicalKey() string {
	return fmt.Sprintf("%s:%d", p.Header.ResourceID.Hex(), p.Header.Nonce)
}
