// Package watcher drives one watched contract or pallet: it polls confirmed
// blocks above the persisted watermark, commits the resulting cache entries
// with the new watermark, and hands the events downstream.
package watcher

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	relayerlog "github.com/pushchain/anchor-relayer/relayer/logger"
	"github.com/pushchain/anchor-relayer/relayer/metrics"
	"github.com/pushchain/anchor-relayer/relayer/store"
)

const (
	defaultPollInterval = 6 * time.Second
	maxBackoff          = 2 * time.Minute
	maxRollbackSteps    = 64
)

// BlockSource is the chain specific half of a watcher.
type BlockSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (string, error)
	ParentHash(ctx context.Context, number uint64) (string, error)
	// FetchEvents returns the events of item within [from, to]. Entries that
	// cannot be parsed are skipped by the source, never returned as errors.
	FetchEvents(ctx context.Context, item common.WatchedItem, from, to uint64) ([]common.DomainEvent, error)
}

// EventHandler receives committed events in (block, log index) order.
type EventHandler interface {
	HandleEvents(ctx context.Context, item common.WatchedItem, events []common.DomainEvent)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, item common.WatchedItem, events []common.DomainEvent)

func (f EventHandlerFunc) HandleEvents(ctx context.Context, item common.WatchedItem, events []common.DomainEvent) {
	f(ctx, item, events)
}

// Watcher polls one WatchedItem.
type Watcher struct {
	item    common.WatchedItem
	source  BlockSource
	store   *common.ChainStore
	handler EventHandler
	metrics *metrics.Metrics
	onFatal func(error)
	logger  zerolog.Logger

	failures uint

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher. onFatal is called once when persisted state becomes untrustworthy.
func New(
	item common.WatchedItem,
	source BlockSource,
	chainStore *common.ChainStore,
	handler EventHandler,
	m *metrics.Metrics,
	onFatal func(error),
	logger zerolog.Logger,
) *Watcher {
	if item.PollInterval <= 0 {
		item.PollInterval = defaultPollInterval
	}
	return &Watcher{
		item:    item,
		source:  source,
		store:   chainStore,
		handler: handler,
		metrics: m,
		onFatal: onFatal,
		logger: relayerlog.ForChain(logger, "watcher", item.Chain.String()).With().
			Str("contract", item.Address).
			Logger(),
	}
}

// Item returns the watched item.
func (w *Watcher) Item() common.WatchedItem {
	return w.item
}

// Init creates or resets the persisted watermark according to the item's start settings.
func (w *Watcher) Init() error {
	wm, err := w.store.EnsureWatchedItem(w.item.Address, w.item.Kind, w.item.StartBlock, w.item.SyncFrom)
	if err != nil {
		return err
	}
	w.logger.Info().Uint64("watermark", wm.Block).Msg("watcher initialized")
	return nil
}

// Poll processes at most one range of confirmed blocks above the watermark and
// returns the events it committed. Repeated polls without new confirmed blocks
// return nothing and leave the store untouched.
func (w *Watcher) Poll(ctx context.Context) ([]common.DomainEvent, error) {
	chain := w.item.Chain.String()

	wm, err := w.store.GetWatermark(w.item.Address)
	if err != nil {
		return nil, err
	}

	head, err := w.source.LatestBlock(ctx)
	if err != nil {
		w.metrics.RPCError(chain)
		return nil, relayererrors.WrapRelayerError(err, relayererrors.ErrCodeNetwork, chain, "failed to get latest block")
	}
	if head < w.item.ConfirmationDepth {
		return nil, nil
	}

	from := wm.Block + 1
	to := head - w.item.ConfirmationDepth
	if to < from {
		return nil, nil
	}
	if w.item.MaxBlockRange > 0 && to-from+1 > w.item.MaxBlockRange {
		to = from + w.item.MaxBlockRange - 1
	}

	if wm.Hash != "" {
		parent, err := w.source.ParentHash(ctx, from)
		if err != nil {
			w.metrics.RPCError(chain)
			return nil, relayererrors.WrapRelayerError(err, relayererrors.ErrCodeNetwork, chain, "failed to get parent hash")
		}
		if !strings.EqualFold(parent, wm.Hash) {
			return nil, w.rollback(ctx, wm.Block)
		}
	}

	fetched, err := w.source.FetchEvents(ctx, w.item, from, to)
	if err != nil {
		w.metrics.RPCError(chain)
		return nil, relayererrors.WrapRelayerError(err, relayererrors.ErrCodeNetwork, chain, "failed to fetch events")
	}

	toHash, err := w.source.BlockHash(ctx, to)
	if err != nil {
		w.metrics.RPCError(chain)
		return nil, relayererrors.WrapRelayerError(err, relayererrors.ErrCodeNetwork, chain, "failed to get block hash")
	}

	events, err := w.selectNew(fetched, from, to)
	if err != nil {
		return nil, err
	}

	batch, err := w.batch(events, to, toHash)
	if err != nil {
		return nil, err
	}
	if err := w.store.SetWatermarkAndAppend(batch); err != nil {
		return nil, err
	}
	w.metrics.Watermark(chain, w.item.Address, to)

	for _, ev := range events {
		w.metrics.WatcherEvent(chain, w.item.Address, string(ev.Kind))
	}
	w.logger.Debug().
		Uint64("from_block", from).
		Uint64("to_block", to).
		Int("events", len(events)).
		Msg("committed block range")
	return events, nil
}

// selectNew keeps events inside the range that were never committed, ordered by position.
func (w *Watcher) selectNew(fetched []common.DomainEvent, from, to uint64) ([]common.DomainEvent, error) {
	events := make([]common.DomainEvent, 0, len(fetched))
	for _, ev := range fetched {
		if ev.BlockNumber < from || ev.BlockNumber > to {
			continue
		}
		if err := ev.Validate(); err != nil {
			w.logger.Warn().Err(err).Uint64("block", ev.BlockNumber).Msg("skipping malformed event")
			continue
		}
		seen, err := w.store.HasEventHash(ev.Hash())
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
	return events, nil
}

// batch collects the cache rows of events plus a pending row for every event
// the handler still has to turn into proposals.
func (w *Watcher) batch(events []common.DomainEvent, to uint64, toHash string) (common.Batch, error) {
	batch := common.Batch{Contract: w.item.Address, ToBlock: to, ToBlockHash: toHash}
	for _, ev := range events {
		switch ev.Kind {
		case common.EventDeposit:
			batch.Leaves = append(batch.Leaves, store.Leaf{
				Contract:    w.item.Address,
				LeafIndex:   ev.Deposit.LeafIndex,
				Value:       hexutil.Encode(ev.Deposit.Leaf[:]),
				BlockNumber: ev.BlockNumber,
			})
		case common.EventEncryptedOutput:
			batch.Outputs = append(batch.Outputs, store.EncryptedOutput{
				Contract:    w.item.Address,
				OutputIndex: ev.EncryptedOutput.Index,
				Data:        hexutil.Encode(ev.EncryptedOutput.Data),
				BlockNumber: ev.BlockNumber,
			})
		}
		batch.EventHashes = append(batch.EventHashes, store.EventHash{
			Hash:        ev.Hash(),
			Contract:    w.item.Address,
			BlockNumber: ev.BlockNumber,
		})
		if !ev.Actionable() {
			continue
		}
		payload, err := common.EncodeEvent(ev)
		if err != nil {
			return common.Batch{}, relayererrors.NewMalformedError(w.item.Chain.String(), "failed to encode event", err)
		}
		batch.Pending = append(batch.Pending, store.PendingEvent{
			EventHash:   ev.Hash(),
			Contract:    w.item.Address,
			BlockNumber: ev.BlockNumber,
			Payload:     payload,
		})
	}
	return batch, nil
}

// rollback walks back through processed blocks until one still matches the
// chain, moves the watermark there and reports the reorg.
func (w *Watcher) rollback(ctx context.Context, watermark uint64) error {
	chain := w.item.Chain.String()
	w.metrics.WatcherReorg(chain, w.item.Address)

	floor := uint64(0)
	if w.item.StartBlock > 0 {
		floor = w.item.StartBlock - 1
	}

	target := floor
	fallbackDepth := w.item.ConfirmationDepth
	if fallbackDepth == 0 {
		fallbackDepth = 1
	}
	if watermark > floor+fallbackDepth {
		target = watermark - fallbackDepth
	}

	cursor := watermark
	for step := 0; step < maxRollbackSteps && cursor > floor; step++ {
		candidate, err := w.store.LastSafeBlock(w.item.Address, cursor-1)
		if err != nil {
			return err
		}
		if candidate == nil || candidate.Number <= floor {
			break
		}
		hash, err := w.source.BlockHash(ctx, candidate.Number)
		if err != nil {
			w.metrics.RPCError(chain)
			return relayererrors.WrapRelayerError(err, relayererrors.ErrCodeNetwork, chain, "failed to verify rollback block")
		}
		if strings.EqualFold(hash, candidate.Hash) {
			target = candidate.Number
			break
		}
		cursor = candidate.Number
	}

	if err := w.store.RollbackWatermark(w.item.Address, target); err != nil {
		return err
	}
	w.logger.Warn().
		Uint64("watermark", watermark).
		Uint64("rolled_back_to", target).
		Msg("chain reorganization detected, watermark rolled back")
	return relayererrors.NewReorgError(chain, watermark).WithContext("rolled_back_to", target)
}

// Start launches the poll loop.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop stops the poll loop and waits for the in-flight poll to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.running = false
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("context canceled; stopping watcher")
			return
		case <-w.stopCh:
			w.logger.Info().Msg("stop requested; stopping watcher")
			return
		case <-timer.C:
			next, fatal := w.tick(ctx)
			if fatal {
				return
			}
			timer.Reset(next)
		}
	}
}

// tick runs one poll and returns the delay before the next one.
func (w *Watcher) tick(ctx context.Context) (time.Duration, bool) {
	chain := w.item.Chain.String()

	events, err := w.Poll(ctx)
	if err == nil {
		w.failures = 0
		w.metrics.WatcherPoll(chain, w.item.Address, "ok")
		if len(events) > 0 && w.handler != nil {
			w.handler.HandleEvents(ctx, w.item, events)
		}
		return w.item.PollInterval, false
	}

	switch {
	case relayererrors.IsFatal(err):
		w.metrics.WatcherPoll(chain, w.item.Address, "fatal")
		w.logger.Error().Err(err).Msg("store failure; watcher halted")
		if w.onFatal != nil {
			w.onFatal(err)
		}
		return 0, true
	case relayererrors.IsCode(err, relayererrors.ErrCodeReorg):
		w.metrics.WatcherPoll(chain, w.item.Address, "reorg")
		return w.item.PollInterval, false
	default:
		w.failures++
		w.metrics.WatcherPoll(chain, w.item.Address, "error")
		delay := relayererrors.BackoffDelay(w.failures, w.item.PollInterval, maxBackoff)
		w.logger.Warn().
			Err(err).
			Uint("consecutive_failures", w.failures).
			Dur("retry_in", delay).
			Msg("poll failed")
		return delay, false
	}
}
