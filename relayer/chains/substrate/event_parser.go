package substrate

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/constant"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

// Pallet events the relayer reacts to.
const (
	EventPublicKeySignatureChanged = "DKG.PublicKeySignatureChanged"
	EventProposalSigned            = "DKGProposalHandler.ProposalSigned"
	EventExtrinsicFailed           = "System.ExtrinsicFailed"
)

// proposalNonceOffset is where the 4 byte nonce sits in a proposal header.
const proposalNonceOffset = 32 + 4

// EventsFor returns the event names a pallet of the given kind emits.
func EventsFor(kind string) []string {
	switch kind {
	case constant.KindDKG:
		return []string{EventPublicKeySignatureChanged}
	case constant.KindGovernance:
		return []string{EventProposalSigned}
	default:
		return nil
	}
}

// eventParser converts decoded pallet events into domain events.
type eventParser struct {
	chain common.ChainIdentifier
}

// parse decodes the event at position index of block. Events of other kinds yield nothing.
func (p eventParser) parse(item common.WatchedItem, block uint64, blockHash string, index int, ev *parser.Event) (*common.DomainEvent, error) {
	if ev == nil || !strings.HasPrefix(ev.Name, item.Address+".") {
		return nil, nil
	}
	wanted := false
	for _, name := range EventsFor(item.Kind) {
		if ev.Name == name {
			wanted = true
			break
		}
	}
	if !wanted {
		return nil, nil
	}

	out := &common.DomainEvent{
		Chain:       p.chain,
		Contract:    item.Address,
		BlockNumber: block,
		BlockHash:   blockHash,
		LogIndex:    uint(index),
		TxHash:      fmt.Sprintf("%s-%d", blockHash, index),
	}

	switch ev.Name {
	case EventPublicKeySignatureChanged:
		newKey, err := bytesField(ev.Fields, "compressed_pub_key", "uncompressed_pub_key", "pub_key")
		if err != nil {
			return nil, p.malformed(ev, err)
		}
		sig, err := bytesField(ev.Fields, "pub_key_sig", "signature")
		if err != nil {
			return nil, p.malformed(ev, err)
		}
		nonce, err := uintField(ev.Fields, "nonce", "refresh_nonce")
		if err != nil {
			// the event carries no nonce on older runtimes; block height is monotonic too
			nonce = block
		}
		out.Kind = common.EventKeyRotation
		out.KeyRotation = &common.KeyRotation{NewKey: newKey, Signature: sig, Nonce: nonce}

	case EventProposalSigned:
		data, err := bytesField(ev.Fields, "data", "proposal")
		if err != nil {
			return nil, p.malformed(ev, err)
		}
		if len(data) < proposalNonceOffset+4 {
			return nil, p.malformed(ev, fmt.Errorf("proposal of %d bytes is shorter than its header", len(data)))
		}
		nonce := binary.BigEndian.Uint32(data[proposalNonceOffset : proposalNonceOffset+4])
		// unsigned proposals are signed by the relayer's own backend
		sig, _ := bytesField(ev.Fields, "signature")
		out.Kind = common.EventGovernance
		out.Governance = &common.GovernanceEvent{ProposalBytes: data, Nonce: uint64(nonce), Signature: sig}
	}
	return out, nil
}

func (p eventParser) malformed(ev *parser.Event, err error) error {
	return relayererrors.NewMalformedError(p.chain.String(), "failed to decode "+ev.Name, err)
}

func findField(fields registry.DecodedFields, names ...string) (any, bool) {
	for _, name := range names {
		for _, f := range fields {
			if f != nil && f.Name == name {
				return f.Value, true
			}
		}
	}
	return nil, false
}

func bytesField(fields registry.DecodedFields, names ...string) ([]byte, error) {
	v, ok := findField(fields, names...)
	if !ok {
		return nil, fmt.Errorf("missing field %s", strings.Join(names, "|"))
	}
	return toBytes(v)
}

func uintField(fields registry.DecodedFields, names ...string) (uint64, error) {
	v, ok := findField(fields, names...)
	if !ok {
		return 0, fmt.Errorf("missing field %s", strings.Join(names, "|"))
	}
	return toUint(v)
}

// toBytes flattens the shapes the registry decoder produces for byte sequences.
func toBytes(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case types.Bytes:
		return []byte(val), nil
	case types.Data:
		return []byte(val), nil
	case []types.U8:
		out := make([]byte, len(val))
		for i, b := range val {
			out[i] = byte(b)
		}
		return out, nil
	case []any:
		out := make([]byte, len(val))
		for i, item := range val {
			n, err := toUint(item)
			if err != nil || n > 0xff {
				return nil, fmt.Errorf("element %d is not a byte", i)
			}
			out[i] = byte(n)
		}
		return out, nil
	case registry.DecodedFields:
		// newtype wrappers such as BoundedVec decode as a single inner field
		if len(val) == 1 && val[0] != nil {
			return toBytes(val[0].Value)
		}
	}
	return nil, fmt.Errorf("unsupported byte value %T", v)
}

func toUint(v any) (uint64, error) {
	switch val := v.(type) {
	case types.U8:
		return uint64(val), nil
	case types.U16:
		return uint64(val), nil
	case types.U32:
		return uint64(val), nil
	case types.U64:
		return uint64(val), nil
	case types.UCompact:
		b := big.Int(val)
		if !b.IsUint64() {
			return 0, fmt.Errorf("compact value %s overflows u64", b.String())
		}
		return b.Uint64(), nil
	case types.U128:
		if val.Int == nil || !val.IsUint64() {
			return 0, fmt.Errorf("u128 value overflows u64")
		}
		return val.Uint64(), nil
	case uint8:
		return uint64(val), nil
	case uint16:
		return uint64(val), nil
	case uint32:
		return uint64(val), nil
	case uint64:
		return val, nil
	case registry.DecodedFields:
		if len(val) == 1 && val[0] != nil {
			return toUint(val[0].Value)
		}
	}
	return 0, fmt.Errorf("unsupported integer value %T", v)
}
