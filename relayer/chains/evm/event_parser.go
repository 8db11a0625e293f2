package evm

import (
	"fmt"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/constant"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

// EventParser turns bridge contract logs into domain events.
type EventParser struct {
	chain  common.ChainIdentifier
	logger zerolog.Logger
}

// NewEventParser creates a parser for logs of chain.
func NewEventParser(chain common.ChainIdentifier, logger zerolog.Logger) *EventParser {
	return &EventParser{
		chain:  chain,
		logger: logger.With().Str("component", "evm_event_parser").Logger(),
	}
}

// TopicsFor returns the topic0 values a contract of the given kind emits.
func (p *EventParser) TopicsFor(kind string) []ethcommon.Hash {
	switch kind {
	case constant.KindVAnchor:
		return []ethcommon.Hash{EventTopic(EventNewCommitment)}
	case constant.KindAnchor:
		return []ethcommon.Hash{EventTopic(EventInsertion)}
	case constant.KindGovernance:
		return []ethcommon.Hash{EventTopic(EventGovernanceProposal)}
	case constant.KindSignatureBridge:
		return []ethcommon.Hash{EventTopic(EventGovernanceOwnershipTransferred)}
	default:
		return nil
	}
}

// Parse decodes one log. Logs of unknown events yield no events and no error.
func (p *EventParser) Parse(log *types.Log) ([]common.DomainEvent, error) {
	if log == nil || len(log.Topics) == 0 {
		return nil, nil
	}
	if log.Removed {
		return nil, nil
	}

	base := common.DomainEvent{
		Chain:       p.chain,
		Contract:    strings.ToLower(log.Address.Hex()),
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		LogIndex:    log.Index,
		TxHash:      log.TxHash.Hex(),
	}

	switch log.Topics[0] {
	case EventTopic(EventNewCommitment):
		return p.parseNewCommitment(base, log)
	case EventTopic(EventInsertion):
		return p.parseInsertion(base, log)
	case EventTopic(EventGovernanceProposal):
		return p.parseGovernanceProposal(base, log)
	case EventTopic(EventGovernanceOwnershipTransferred):
		return p.parseOwnershipTransferred(base, log)
	default:
		return nil, nil
	}
}

func (p *EventParser) malformed(log *types.Log, format string, args ...any) error {
	return relayererrors.NewMalformedError(p.chain.String(), fmt.Sprintf(format, args...), nil).
		WithContext("tx_hash", log.TxHash.Hex()).
		WithContext("log_index", log.Index)
}

func (p *EventParser) parseNewCommitment(base common.DomainEvent, log *types.Log) ([]common.DomainEvent, error) {
	values, err := BridgeABI.Unpack(EventNewCommitment, log.Data)
	if err != nil {
		return nil, p.malformed(log, "failed to decode NewCommitment: %v", err)
	}
	if len(values) != 4 {
		return nil, p.malformed(log, "NewCommitment has %d fields", len(values))
	}
	commitment, ok1 := values[0].(*big.Int)
	leafIndex, ok2 := values[2].(*big.Int)
	output, ok3 := values[3].([]byte)
	if !ok1 || !ok2 || !ok3 {
		return nil, p.malformed(log, "unexpected NewCommitment field types")
	}
	if !leafIndex.IsUint64() || leafIndex.Uint64() > 0xffffffff {
		return nil, p.malformed(log, "leaf index %s out of range", leafIndex)
	}
	if commitment.BitLen() > 256 {
		return nil, p.malformed(log, "commitment exceeds 32 bytes")
	}

	deposit := base
	deposit.Kind = common.EventDeposit
	deposit.Deposit = &common.Deposit{LeafIndex: leafIndex.Uint64()}
	commitment.FillBytes(deposit.Deposit.Leaf[:])

	encrypted := base
	encrypted.Kind = common.EventEncryptedOutput
	encrypted.EncryptedOutput = &common.EncryptedOutput{Index: leafIndex.Uint64(), Data: output}

	return []common.DomainEvent{deposit, encrypted}, nil
}

func (p *EventParser) parseInsertion(base common.DomainEvent, log *types.Log) ([]common.DomainEvent, error) {
	if len(log.Topics) != 3 {
		return nil, p.malformed(log, "Insertion has %d topics", len(log.Topics))
	}
	values, err := BridgeABI.Unpack(EventInsertion, log.Data)
	if err != nil {
		return nil, p.malformed(log, "failed to decode Insertion: %v", err)
	}
	if len(values) != 2 {
		return nil, p.malformed(log, "Insertion has %d data fields", len(values))
	}
	leafIndex, ok := values[0].(uint32)
	if !ok {
		return nil, p.malformed(log, "unexpected Insertion leaf index type %T", values[0])
	}

	deposit := base
	deposit.Kind = common.EventDeposit
	deposit.Deposit = &common.Deposit{
		LeafIndex:  uint64(leafIndex),
		Leaf:       log.Topics[1],
		Commitment: log.Topics[2],
	}
	return []common.DomainEvent{deposit}, nil
}

func (p *EventParser) parseGovernanceProposal(base common.DomainEvent, log *types.Log) ([]common.DomainEvent, error) {
	if len(log.Topics) != 2 {
		return nil, p.malformed(log, "GovernanceProposal has %d topics", len(log.Topics))
	}
	values, err := BridgeABI.Unpack(EventGovernanceProposal, log.Data)
	if err != nil {
		return nil, p.malformed(log, "failed to decode GovernanceProposal: %v", err)
	}
	if len(values) != 2 {
		return nil, p.malformed(log, "GovernanceProposal has %d data fields", len(values))
	}
	nonce, ok1 := values[0].(uint32)
	data, ok2 := values[1].([]byte)
	if !ok1 || !ok2 {
		return nil, p.malformed(log, "unexpected GovernanceProposal field types")
	}
	if len(data) == 0 {
		return nil, p.malformed(log, "empty governance proposal")
	}

	ev := base
	ev.Kind = common.EventGovernance
	ev.Governance = &common.GovernanceEvent{ProposalBytes: data, Nonce: uint64(nonce)}
	return []common.DomainEvent{ev}, nil
}

func (p *EventParser) parseOwnershipTransferred(base common.DomainEvent, log *types.Log) ([]common.DomainEvent, error) {
	if len(log.Topics) != 3 {
		return nil, p.malformed(log, "GovernanceOwnershipTransferred has %d topics", len(log.Topics))
	}
	values, err := BridgeABI.Unpack(EventGovernanceOwnershipTransferred, log.Data)
	if err != nil {
		return nil, p.malformed(log, "failed to decode GovernanceOwnershipTransferred: %v", err)
	}
	if len(values) != 1 {
		return nil, p.malformed(log, "GovernanceOwnershipTransferred has %d data fields", len(values))
	}
	nonce, ok := values[0].(uint32)
	if !ok {
		return nil, p.malformed(log, "unexpected ownership nonce type %T", values[0])
	}

	ev := base
	ev.Kind = common.EventKeyRotation
	ev.KeyRotation = &common.KeyRotation{
		OldKey: ethcommon.BytesToAddress(log.Topics[1].Bytes()).Bytes(),
		NewKey: ethcommon.BytesToAddress(log.Topics[2].Bytes()).Bytes(),
		Nonce:  uint64(nonce),
	}
	return []common.DomainEvent{ev}, nil
}
