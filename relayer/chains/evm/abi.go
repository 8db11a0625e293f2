package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Event and method names of the bridge contracts.
const (
	EventNewCommitment                  = "NewCommitment"
	EventInsertion                      = "Insertion"
	EventGovernanceProposal             = "GovernanceProposal"
	EventGovernanceOwnershipTransferred = "GovernanceOwnershipTransferred"

	MethodExecuteProposalWithSignature = "executeProposalWithSignature"
	MethodTransferOwnershipWithSig     = "transferOwnershipWithSignaturePubKey"
	MethodTransact                     = "transact"
	MethodIsKnownRoot                  = "isKnownRoot"
	MethodIsValidRoots                 = "isValidRoots"
	MethodGetLastRoot                  = "getLastRoot"
	MethodGetLinkedAnchors             = "getLinkedAnchors"
)

const bridgeABIJSON = `[
  {"type":"event","name":"NewCommitment","anonymous":false,"inputs":[
    {"name":"commitment","type":"uint256","indexed":false},
    {"name":"subTreeIndex","type":"uint256","indexed":false},
    {"name":"leafIndex","type":"uint256","indexed":false},
    {"name":"encryptedOutput","type":"bytes","indexed":false}]},
  {"type":"event","name":"Insertion","anonymous":false,"inputs":[
    {"name":"commitment","type":"uint256","indexed":true},
    {"name":"leafIndex","type":"uint32","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false},
    {"name":"newMerkleRoot","type":"uint256","indexed":true}]},
  {"type":"event","name":"GovernanceProposal","anonymous":false,"inputs":[
    {"name":"resourceId","type":"bytes32","indexed":true},
    {"name":"nonce","type":"uint32","indexed":false},
    {"name":"proposalData","type":"bytes","indexed":false}]},
  {"type":"event","name":"GovernanceOwnershipTransferred","anonymous":false,"inputs":[
    {"name":"previousOwner","type":"address","indexed":true},
    {"name":"newOwner","type":"address","indexed":true},
    {"name":"nonce","type":"uint32","indexed":false}]},
  {"type":"function","name":"executeProposalWithSignature","stateMutability":"nonpayable","inputs":[
    {"name":"data","type":"bytes"},
    {"name":"sig","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"transferOwnershipWithSignaturePubKey","stateMutability":"nonpayable","inputs":[
    {"name":"publicKey","type":"bytes"},
    {"name":"nonce","type":"uint32"},
    {"name":"sig","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"transact","stateMutability":"payable","inputs":[
    {"name":"proof","type":"bytes"},
    {"name":"roots","type":"bytes"},
    {"name":"inputNullifiers","type":"uint256[]"},
    {"name":"outputCommitments","type":"uint256[2]"},
    {"name":"publicAmount","type":"uint256"},
    {"name":"extDataHash","type":"bytes32"},
    {"name":"recipient","type":"address"},
    {"name":"extAmount","type":"int256"},
    {"name":"relayer","type":"address"},
    {"name":"fee","type":"uint256"},
    {"name":"refund","type":"uint256"},
    {"name":"token","type":"address"},
    {"name":"encryptedOutput1","type":"bytes"},
    {"name":"encryptedOutput2","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"isKnownRoot","stateMutability":"view","inputs":[
    {"name":"root","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isValidRoots","stateMutability":"view","inputs":[
    {"name":"roots","type":"uint256[]"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getLastRoot","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getLinkedAnchors","stateMutability":"view","inputs":[
    {"name":"resourceId","type":"bytes32"}],"outputs":[{"name":"","type":"bytes32[]"}]}
]`

// BridgeABI is the combined interface of the anchor, bridge and registry contracts.
var BridgeABI = mustParseABI(bridgeABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid bridge ABI: %v", err))
	}
	return parsed
}

// EventTopic returns topic0 of a bridge event.
func EventTopic(name string) ethcommon.Hash {
	return BridgeABI.Events[name].ID
}

// PackExecuteProposal encodes a signed proposal for the signature bridge.
func PackExecuteProposal(proposal, signature []byte) ([]byte, error) {
	return BridgeABI.Pack(MethodExecuteProposalWithSignature, proposal, signature)
}

// PackTransferOwnership encodes a governor key rotation for the signature bridge.
func PackTransferOwnership(publicKey []byte, nonce uint32, signature []byte) ([]byte, error) {
	return BridgeABI.Pack(MethodTransferOwnershipWithSig, publicKey, nonce, signature)
}

// PackIsKnownRoot encodes isKnownRoot(root).
func PackIsKnownRoot(root [32]byte) ([]byte, error) {
	return BridgeABI.Pack(MethodIsKnownRoot, new(big.Int).SetBytes(root[:]))
}

// PackIsValidRoots encodes isValidRoots(roots).
func PackIsValidRoots(roots [][32]byte) ([]byte, error) {
	values := make([]*big.Int, len(roots))
	for i, root := range roots {
		values[i] = new(big.Int).SetBytes(root[:])
	}
	return BridgeABI.Pack(MethodIsValidRoots, values)
}

// PackGetLastRoot encodes getLastRoot().
func PackGetLastRoot() ([]byte, error) {
	return BridgeABI.Pack(MethodGetLastRoot)
}

// PackGetLinkedAnchors encodes getLinkedAnchors(resourceId).
func PackGetLinkedAnchors(resourceID [32]byte) ([]byte, error) {
	return BridgeABI.Pack(MethodGetLinkedAnchors, resourceID)
}

// UnpackBool decodes a single bool return value of method.
func UnpackBool(method string, out []byte) (bool, error) {
	values, err := BridgeABI.Unpack(method, out)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("%s: expected 1 return value, got %d", method, len(values))
	}
	v, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected return type %T", method, values[0])
	}
	return v, nil
}

// UnpackRoot decodes the uint256 returned by getLastRoot.
func UnpackRoot(out []byte) ([32]byte, error) {
	var root [32]byte
	values, err := BridgeABI.Unpack(MethodGetLastRoot, out)
	if err != nil {
		return root, err
	}
	if len(values) != 1 {
		return root, fmt.Errorf("getLastRoot: expected 1 return value, got %d", len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return root, fmt.Errorf("getLastRoot: unexpected return type %T", values[0])
	}
	v.FillBytes(root[:])
	return root, nil
}

// UnpackLinkedAnchors decodes the bytes32[] returned by getLinkedAnchors.
func UnpackLinkedAnchors(out []byte) ([][32]byte, error) {
	values, err := BridgeABI.Unpack(MethodGetLinkedAnchors, out)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("getLinkedAnchors: expected 1 return value, got %d", len(values))
	}
	ids, ok := values[0].([][32]byte)
	if !ok {
		return nil, fmt.Errorf("getLinkedAnchors: unexpected return type %T", values[0])
	}
	return ids, nil
}

// TransactArgs are the flattened arguments of an anchor withdrawal.
type TransactArgs struct {
	Proof             []byte
	Roots             [][32]byte
	InputNullifiers   []*big.Int
	OutputCommitments [2]*big.Int
	PublicAmount      *big.Int
	ExtDataHash       [32]byte
	Recipient         ethcommon.Address
	ExtAmount         *big.Int
	Relayer           ethcommon.Address
	Fee               *big.Int
	Refund            *big.Int
	Token             ethcommon.Address
	EncryptedOutput1  []byte
	EncryptedOutput2  []byte
}

// PackTransact encodes a withdrawal call.
func PackTransact(args TransactArgs) ([]byte, error) {
	roots := make([]byte, 0, 32*len(args.Roots))
	for _, root := range args.Roots {
		roots = append(roots, root[:]...)
	}
	commitments := [2]*big.Int{orZero(args.OutputCommitments[0]), orZero(args.OutputCommitments[1])}
	return BridgeABI.Pack(MethodTransact,
		args.Proof,
		roots,
		args.InputNullifiers,
		commitments,
		orZero(args.PublicAmount),
		args.ExtDataHash,
		args.Recipient,
		orZero(args.ExtAmount),
		args.Relayer,
		orZero(args.Fee),
		orZero(args.Refund),
		args.Token,
		args.EncryptedOutput1,
		args.EncryptedOutput2,
	)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
