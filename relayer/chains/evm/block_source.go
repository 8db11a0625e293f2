package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
)

// BlockSource serves headers and parsed bridge events of one EVM chain to the watchers.
type BlockSource struct {
	rpc    *RPCClient
	parser *EventParser
	logger zerolog.Logger
}

// NewBlockSource creates a block source on top of rpc.
func NewBlockSource(rpc *RPCClient, parser *EventParser, logger zerolog.Logger) *BlockSource {
	return &BlockSource{
		rpc:    rpc,
		parser: parser,
		logger: logger.With().Str("component", "evm_block_source").Logger(),
	}
}

func (s *BlockSource) LatestBlock(ctx context.Context) (uint64, error) {
	return s.rpc.LatestBlock(ctx)
}

func (s *BlockSource) BlockHash(ctx context.Context, number uint64) (string, error) {
	header, err := s.rpc.HeaderByNumber(ctx, number)
	if err != nil {
		return "", err
	}
	return header.Hash().Hex(), nil
}

func (s *BlockSource) ParentHash(ctx context.Context, number uint64) (string, error) {
	header, err := s.rpc.HeaderByNumber(ctx, number)
	if err != nil {
		return "", err
	}
	return header.ParentHash.Hex(), nil
}

// FetchEvents filters the item's logs in [from, to] and parses them. Logs that
// fail to parse are logged and skipped.
func (s *BlockSource) FetchEvents(ctx context.Context, item common.WatchedItem, from, to uint64) ([]common.DomainEvent, error) {
	topics := s.parser.TopicsFor(item.Kind)
	if len(topics) == 0 {
		return nil, nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []ethcommon.Address{ethcommon.HexToAddress(item.Address)},
		Topics:    [][]ethcommon.Hash{topics},
	}
	logs, err := s.rpc.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	if len(logs) > 0 {
		s.logger.Debug().
			Uint64("from_block", from).
			Uint64("to_block", to).
			Int("logs_found", len(logs)).
			Str("contract", item.Address).
			Msg("found bridge events")
	}

	events := make([]common.DomainEvent, 0, len(logs))
	for i := range logs {
		parsed, err := s.parser.Parse(&logs[i])
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("tx_hash", logs[i].TxHash.Hex()).
				Uint64("block", logs[i].BlockNumber).
				Msg("skipping malformed log")
			continue
		}
		events = append(events, parsed...)
	}
	return events, nil
}
