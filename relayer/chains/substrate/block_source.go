package substrate

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
)

// BlockSource serves headers and pallet events of one Substrate chain to the watchers.
type BlockSource struct {
	node   nodeAPI
	parser eventParser
	logger zerolog.Logger
}

// NewBlockSource shares the node connection of client.
func NewBlockSource(client *Client, logger zerolog.Logger) *BlockSource {
	return newBlockSource(client.chain, client.node, logger)
}

func newBlockSource(chain common.ChainIdentifier, node nodeAPI, logger zerolog.Logger) *BlockSource {
	return &BlockSource{
		node:   node,
		parser: eventParser{chain: chain},
		logger: logger.With().
			Str("component", "substrate_block_source").
			Str("chain", chain.String()).
			Logger(),
	}
}

func (s *BlockSource) LatestBlock(ctx context.Context) (uint64, error) {
	return s.node.BestNumber(ctx)
}

func (s *BlockSource) BlockHash(ctx context.Context, number uint64) (string, error) {
	hash, err := s.node.BlockHash(ctx, number)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (s *BlockSource) ParentHash(ctx context.Context, number uint64) (string, error) {
	hash, err := s.node.BlockHash(ctx, number)
	if err != nil {
		return "", err
	}
	header, err := s.node.Header(ctx, hash)
	if err != nil {
		return "", err
	}
	return header.ParentHash.Hex(), nil
}

// FetchEvents reads the events of every block in [from, to] and keeps the
// item's pallet events. Undecodable events are logged and skipped.
func (s *BlockSource) FetchEvents(ctx context.Context, item common.WatchedItem, from, to uint64) ([]common.DomainEvent, error) {
	if len(EventsFor(item.Kind)) == 0 {
		return nil, nil
	}

	var out []common.DomainEvent
	for n := from; n <= to; n++ {
		hash, err := s.node.BlockHash(ctx, n)
		if err != nil {
			return nil, err
		}
		events, err := s.node.Events(ctx, hash)
		if err != nil {
			return nil, err
		}
		for i, ev := range events {
			parsed, err := s.parser.parse(item, n, hash.Hex(), i, ev)
			if err != nil {
				s.logger.Warn().Err(err).Uint64("block", n).Int("event_index", i).Msg("skipping malformed event")
				continue
			}
			if parsed != nil {
				out = append(out, *parsed)
			}
		}
	}
	return out, nil
}
