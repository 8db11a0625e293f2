package common

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cast"
)

// ChainKind discriminates the chain families the relayer talks to.
type ChainKind string

const (
	ChainKindEVM       ChainKind = "evm"
	ChainKindSubstrate ChainKind = "substrate"
)

// ChainIdentifier is the partition key of every per-chain resource.
type ChainIdentifier struct {
	Kind ChainKind
	ID   uint64
}

// EVMChain returns the identifier of an EVM chain.
func EVMChain(id uint64) ChainIdentifier {
	return ChainIdentifier{Kind: ChainKindEVM, ID: id}
}

// SubstrateChain returns the identifier of a Substrate chain.
func SubstrateChain(id uint32) ChainIdentifier {
	return ChainIdentifier{Kind: ChainKindSubstrate, ID: uint64(id)}
}

// NewChainIdentifier validates kind and id, e.g. ("substrate", 1080).
func NewChainIdentifier(kind string, id uint64) (ChainIdentifier, error) {
	switch ChainKind(strings.ToLower(kind)) {
	case ChainKindEVM:
		return EVMChain(id), nil
	case ChainKindSubstrate:
		if id > math.MaxUint32 {
			return ChainIdentifier{}, fmt.Errorf("substrate chain id %d exceeds u32", id)
		}
		return SubstrateChain(uint32(id)), nil
	default:
		return ChainIdentifier{}, fmt.Errorf("unsupported chain kind %q", kind)
	}
}

// ParseChainIdentifier parses the "kind:id" form produced by String.
func ParseChainIdentifier(s string) (ChainIdentifier, error) {
	kind, rawID, ok := strings.Cut(s, ":")
	if !ok {
		return ChainIdentifier{}, fmt.Errorf("invalid chain identifier %q", s)
	}
	id, err := cast.ToUint64E(rawID)
	if err != nil {
		return ChainIdentifier{}, fmt.Errorf("invalid chain id in %q: %w", s, err)
	}
	return NewChainIdentifier(kind, id)
}

func (c ChainIdentifier) String() string {
	return fmt.Sprintf("%s:%d", c.Kind, c.ID)
}

// TypedChainID is the 6 byte chain reference embedded in resource ids:
// 2 bytes chain family followed by the 4 byte chain id.
func (c ChainIdentifier) TypedChainID() [6]byte {
	var out [6]byte
	switch c.Kind {
	case ChainKindEVM:
		out[0] = 0x01
	case ChainKindSubstrate:
		out[0] = 0x02
	}
	binary.BigEndian.PutUint32(out[2:], uint32(c.ID))
	return out
}

// ResourceID addresses one bridged contract or pallet across chains.
type ResourceID [32]byte

// ParseResourceID decodes a 0x prefixed 32 byte hex string.
func ParseResourceID(s string) (ResourceID, error) {
	var id ResourceID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid resource id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("resource id %q must be 32 bytes, got %d", s, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (r ResourceID) Hex() string {
	return "0x" + hex.EncodeToString(r[:])
}

// TypedChainID returns the trailing chain reference of the resource id.
func (r ResourceID) TypedChainID() [6]byte {
	var out [6]byte
	copy(out[:], r[26:])
	return out
}

// NewResourceID builds the resource id of a target (contract address or
// pallet index bytes, right aligned in 26 bytes) on chain.
func NewResourceID(target []byte, chain ChainIdentifier) ResourceID {
	var id ResourceID
	if len(target) > 26 {
		target = target[len(target)-26:]
	}
	copy(id[26-len(target):26], target)
	typed := chain.TypedChainID()
	copy(id[26:], typed[:])
	return id
}

// Chain decodes the typed chain id embedded in the resource id.
func (r ResourceID) Chain() (ChainIdentifier, error) {
	id := uint64(binary.BigEndian.Uint32(r[28:]))
	switch {
	case r[26] == 0x01 && r[27] == 0x00:
		return EVMChain(id), nil
	case r[26] == 0x02 && r[27] == 0x00:
		return SubstrateChain(uint32(id)), nil
	default:
		return ChainIdentifier{}, fmt.Errorf("unknown chain type 0x%02x%02x in resource id %s", r[26], r[27], r.Hex())
	}
}

// TargetAddress returns the 20 byte contract address part of an EVM resource id.
func (r ResourceID) TargetAddress() []byte {
	out := make([]byte, 20)
	copy(out, r[6:26])
	return out
}

// WatchedItem is one (chain, contract or pallet) pair under observation.
type WatchedItem struct {
	Chain             ChainIdentifier
	Address           string // hex contract address or pallet name
	Kind              string
	StartBlock        uint64
	SyncFrom          *uint64
	PollInterval      time.Duration
	ConfirmationDepth uint64
	MaxBlockRange     uint64
	ResourceID        *ResourceID
}

func (w WatchedItem) String() string {
	return w.Chain.String() + "/" + w.Address
}

// EventKind names the DomainEvent variants.
type EventKind string

const (
	EventDeposit         EventKind = "deposit"
	EventEncryptedOutput EventKind = "encrypted_output"
	EventGovernance      EventKind = "governance"
	EventKeyRotation     EventKind = "key_rotation"
)

// Deposit is a leaf inserted into an anchor's merkle tree.
type Deposit struct {
	LeafIndex uint64
	Leaf      [32]byte
	// Commitment is the tree root after insertion when the log carries it, zero otherwise.
	Commitment [32]byte
}

// EncryptedOutput is an encrypted note emitted alongside a deposit.
type EncryptedOutput struct {
	Index uint64
	Data  []byte
}

// GovernanceEvent carries a raw proposal to relay.
type GovernanceEvent struct {
	ProposalBytes []byte
	Nonce         uint64
	// Signature over ProposalBytes, when the source already signed it.
	Signature []byte
}

// KeyRotation announces a new governor key.
type KeyRotation struct {
	OldKey []byte
	NewKey []byte
	Nonce  uint64
	// Signature over NewKey by the old governor, when the source already provides it.
	Signature []byte
}

// DomainEvent is a typed chain event; exactly one variant pointer is set, matching Kind.
type DomainEvent struct {
	Kind        EventKind
	Chain       ChainIdentifier
	Contract    string
	BlockNumber uint64
	BlockHash   string
	LogIndex    uint
	TxHash      string

	Deposit         *Deposit
	EncryptedOutput *EncryptedOutput
	Governance      *GovernanceEvent
	KeyRotation     *KeyRotation
}

// Hash identifies the event independently of how it was fetched.
func (e DomainEvent) Hash() string {
	key := fmt.Sprintf("%s|%s|%d|%d|%s|%s", e.Chain, strings.ToLower(e.Contract), e.BlockNumber, e.LogIndex, e.TxHash, e.Kind)
	return crypto.Keccak256Hash([]byte(key)).Hex()
}

// Before orders events by (block, log index).
func (e DomainEvent) Before(other DomainEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	if e.LogIndex != other.LogIndex {
		return e.LogIndex < other.LogIndex
	}
	return e.Kind < other.Kind
}

// Validate checks the variant pointer matches Kind.
func (e DomainEvent) Validate() error {
	var ok bool
	switch e.Kind {
	case EventDeposit:
		ok = e.Deposit != nil
	case EventEncryptedOutput:
		ok = e.EncryptedOutput != nil
	case EventGovernance:
		ok = e.Governance != nil
	case EventKeyRotation:
		ok = e.KeyRotation != nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("event kind %q without payload", e.Kind)
	}
	return nil
}

// Actionable reports whether the event leads to proposals, as opposed to only
// feeding the caches.
func (e DomainEvent) Actionable() bool {
	switch e.Kind {
	case EventDeposit, EventGovernance, EventKeyRotation:
		return true
	}
	return false
}

// EncodeEvent serializes e for the pending event table.
func EncodeEvent(e DomainEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an event written by EncodeEvent.
func DecodeEvent(raw []byte) (DomainEvent, error) {
	var e DomainEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("invalid stored event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}
