// Package queue drives the per-chain outbound transaction queue: strict FIFO
// submission, retry classes per error kind and confirmation tracking.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/config"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	relayerlog "github.com/pushchain/anchor-relayer/relayer/logger"
	"github.com/pushchain/anchor-relayer/relayer/metrics"
	"github.com/pushchain/anchor-relayer/relayer/store"
)

// ErrStaleNonce is returned by Enqueue when the proposal nonce is not above the last accepted one.
var ErrStaleNonce = errors.New("stale proposal nonce")

const confirmBatchSize = 100

// Options tune retry and polling behaviour.
type Options struct {
	MaxAttempts        int
	PollInterval       time.Duration
	ConfirmInterval    time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	MaxNotFoundRetries int
}

// OptionsFromConfig converts the queue section of the config.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxAttempts:        cfg.MaxAttempts,
		PollInterval:       time.Duration(cfg.PollIntervalSeconds) * time.Second,
		ConfirmInterval:    time.Duration(cfg.ConfirmIntervalSeconds) * time.Second,
		BackoffBase:        time.Duration(cfg.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.BackoffMaxSeconds) * time.Second,
		MaxNotFoundRetries: cfg.MaxNotFoundRetries,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = 6 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	if o.MaxNotFoundRetries <= 0 {
		o.MaxNotFoundRetries = 10
	}
}

// Tx is a transaction handed to the queue.
type Tx struct {
	Kind       string
	LogicalKey string
	Data       []byte
	// Guard, when set, enforces nonce monotonicity atomically with the insert.
	Guard *common.NonceGuard
}

// Queue owns the outbound transactions of one chain.
type Queue struct {
	chain    common.ChainIdentifier
	store    *common.ChainStore
	client   common.ChainClient
	opts     Options
	notifier *Notifier
	metrics  *metrics.Metrics
	onFatal  func(error)
	logger   zerolog.Logger

	// in-memory counters, reset on restart
	networkFailures map[string]uint
	notFoundCounts  map[string]int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	wakeCh  chan struct{}
}

// New creates the queue of client's chain.
func New(
	chainStore *common.ChainStore,
	client common.ChainClient,
	opts Options,
	notifier *Notifier,
	m *metrics.Metrics,
	onFatal func(error),
	logger zerolog.Logger,
) *Queue {
	opts.applyDefaults()
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &Queue{
		chain:           client.Chain(),
		store:           chainStore,
		client:          client,
		opts:            opts,
		notifier:        notifier,
		metrics:         m,
		onFatal:         onFatal,
		networkFailures: make(map[string]uint),
		notFoundCounts:  make(map[string]int),
		wakeCh:          make(chan struct{}, 1),
		logger:          relayerlog.ForChain(logger, "tx_queue", client.Chain().String()),
	}
}

func (q *Queue) Chain() common.ChainIdentifier {
	return q.chain
}

func (q *Queue) Notifier() *Notifier {
	return q.notifier
}

// Enqueue appends tx to the tail of the queue. An active item with the same
// logical key is returned instead of creating a duplicate.
func (q *Queue) Enqueue(_ context.Context, tx Tx) (*store.QueueItem, error) {
	if tx.LogicalKey == "" {
		return nil, relayererrors.NewValidationError(q.chain.String(), "logical key is required")
	}
	if len(tx.Data) == 0 {
		return nil, relayererrors.NewValidationError(q.chain.String(), "transaction data is required")
	}

	now := time.Now()
	item := &store.QueueItem{
		ItemID:        uuid.NewString(),
		Chain:         q.chain.String(),
		Kind:          tx.Kind,
		LogicalKey:    tx.LogicalKey,
		TxData:        tx.Data,
		Status:        store.StatusPending,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	res, err := q.store.EnqueueItem(item, tx.Guard)
	if err != nil {
		return nil, err
	}
	if res.StaleNonce {
		return nil, pkgerrors.Wrapf(ErrStaleNonce, "nonce %d for resource %s", tx.Guard.Nonce, tx.Guard.ResourceID)
	}
	if !res.Created {
		q.logger.Debug().
			Str("logical_key", tx.LogicalKey).
			Str("item_id", res.Item.ItemID).
			Msg("item already queued")
		return res.Item, nil
	}

	q.logger.Info().
		Str("item_id", item.ItemID).
		Str("logical_key", tx.LogicalKey).
		Str("kind", tx.Kind).
		Msg("transaction enqueued")
	q.metrics.QueueTransition(q.chain.String(), "", store.StatusPending)
	q.wake()
	return item, nil
}

// Get returns an item by id, nil when unknown.
func (q *Queue) Get(itemID string) (*store.QueueItem, error) {
	return q.store.GetItem(itemID)
}

// DequeueAndSubmit submits the head pending item. It returns the item it worked
// on, or nil when the queue is empty or the head is still backing off. Later
// items never overtake the head.
func (q *Queue) DequeueAndSubmit(ctx context.Context) (*store.QueueItem, error) {
	item, err := q.store.HeadPendingItem()
	if err != nil || item == nil {
		return nil, err
	}
	if time.Now().Before(item.NextAttemptAt) {
		return nil, nil
	}
	log := q.logger.With().Str("item_id", item.ItemID).Logger()

	if item.TxHash != "" || item.TxNonce != nil {
		landed, err := q.alreadyOnChain(ctx, item)
		if err != nil {
			return item, q.fail(item, err)
		}
		if landed {
			log.Info().Str("tx_hash", item.TxHash).Msg("transaction already on chain, not resubmitting")
			if _, err := q.transition(item, store.StatusSubmitted, map[string]any{"last_error": ""}); err != nil {
				return item, err
			}
			return item, nil
		}
	}

	signed, err := q.client.SignTransaction(ctx, item.TxData)
	if err != nil {
		return item, q.fail(item, err)
	}

	// hash and nonce are persisted before broadcast so a crash after
	// submission is detected on restart
	nonce := signed.Nonce
	if _, err := q.store.UpdateItemStatus(item.ItemID, store.StatusPending, store.StatusPending, map[string]any{
		"tx_hash":  signed.Hash,
		"tx_nonce": nonce,
	}); err != nil {
		return item, err
	}
	item.TxHash = signed.Hash
	item.TxNonce = &nonce

	hash, err := q.client.SubmitTransaction(ctx, signed)
	if err != nil {
		return item, q.fail(item, err)
	}
	delete(q.networkFailures, item.ItemID)

	if _, err := q.transition(item, store.StatusSubmitted, map[string]any{
		"tx_hash":    hash,
		"last_error": "",
	}); err != nil {
		return item, err
	}
	log.Info().Str("tx_hash", hash).Uint64("nonce", nonce).Msg("transaction submitted")
	return item, nil
}

// alreadyOnChain checks a previously signed item by hash, then by nonce.
func (q *Queue) alreadyOnChain(ctx context.Context, item *store.QueueItem) (bool, error) {
	if item.TxHash != "" {
		status, err := q.client.GetTransactionStatus(ctx, item.TxHash)
		if err != nil {
			return false, err
		}
		if status != common.TxStatusDropped {
			return true, nil
		}
	}
	if item.TxNonce != nil {
		return q.client.NonceConsumed(ctx, *item.TxNonce)
	}
	return false, nil
}

// fail records a failed attempt according to the error's retry class.
func (q *Queue) fail(item *store.QueueItem, cause error) error {
	if relayererrors.IsFatal(cause) {
		return cause
	}
	chain := q.chain.String()
	now := time.Now()
	log := q.logger.With().Str("item_id", item.ItemID).Logger()

	if relayererrors.IsUnbounded(cause) {
		q.metrics.RPCError(chain)
		q.networkFailures[item.ItemID]++
		delay := relayererrors.BackoffDelay(q.networkFailures[item.ItemID], q.opts.BackoffBase, q.opts.BackoffMax)
		log.Warn().Err(cause).Dur("retry_in", delay).Msg("submission deferred on network error")
		_, err := q.store.UpdateItemStatus(item.ItemID, store.StatusPending, store.StatusPending, map[string]any{
			"last_error":      cause.Error(),
			"next_attempt_at": now.Add(delay),
		})
		if err != nil {
			return err
		}
		return cause
	}

	delete(q.networkFailures, item.ItemID)
	attempts := item.AttemptCount + 1
	fields := map[string]any{
		"attempt_count": attempts,
		"last_error":    cause.Error(),
		"tx_hash":       "",
		"tx_nonce":      nil,
	}
	if permanent(cause) || attempts >= q.opts.MaxAttempts {
		log.Error().Err(cause).Int("attempts", attempts).Msg("transaction permanently failed")
		if _, err := q.transition(item, store.StatusPermanentlyFailed, fields); err != nil {
			return err
		}
		return cause
	}

	delay := relayererrors.BackoffDelay(uint(attempts), q.opts.BackoffBase, q.opts.BackoffMax)
	fields["next_attempt_at"] = now.Add(delay)
	log.Warn().Err(cause).Int("attempts", attempts).Dur("retry_in", delay).Msg("submission failed, will retry")
	if _, err := q.store.UpdateItemStatus(item.ItemID, store.StatusPending, store.StatusPending, fields); err != nil {
		return err
	}
	return cause
}

// permanent errors are not worth another attempt.
func permanent(err error) bool {
	switch relayererrors.CodeOf(err) {
	case relayererrors.ErrCodeMalformed, relayererrors.ErrCodeInvalidProposal, relayererrors.ErrCodeConfig, relayererrors.ErrCodeValidation:
		return true
	}
	return false
}

// transition applies a compare-and-set status change, publishing it when it wins.
func (q *Queue) transition(item *store.QueueItem, to string, fields map[string]any) (bool, error) {
	from := item.Status
	if !CanTransition(from, to) {
		return false, relayererrors.NewInternalError(q.chain.String(), "illegal queue transition "+from+" -> "+to, nil)
	}
	n, err := q.store.UpdateItemStatus(item.ItemID, from, to, fields)
	if err != nil {
		return false, err
	}
	if n == 0 {
		q.logger.Debug().Str("item_id", item.ItemID).Str("from", from).Str("to", to).Msg("status changed concurrently")
		return false, nil
	}

	item.Status = to
	if h, ok := fields["tx_hash"].(string); ok {
		item.TxHash = h
	}
	update := Update{ItemID: item.ItemID, Chain: q.chain.String(), From: from, To: to, TxHash: item.TxHash}
	if msg, ok := fields["last_error"].(string); ok {
		update.Error = msg
	}
	q.metrics.QueueTransition(q.chain.String(), from, to)
	q.notifier.Publish(update)
	return true, nil
}

// transitionVia stores from -> to in one compare-and-set write and publishes
// it as two updates, from -> via and via -> to.
func (q *Queue) transitionVia(item *store.QueueItem, via, to string, fields map[string]any) (bool, error) {
	from := item.Status
	if !CanTransition(from, via) || !CanTransition(via, to) {
		return false, relayererrors.NewInternalError(q.chain.String(), "illegal queue transition "+from+" -> "+via+" -> "+to, nil)
	}
	n, err := q.store.UpdateItemStatus(item.ItemID, from, to, fields)
	if err != nil {
		return false, err
	}
	if n == 0 {
		q.logger.Debug().Str("item_id", item.ItemID).Str("from", from).Str("to", to).Msg("status changed concurrently")
		return false, nil
	}

	chain := q.chain.String()
	errMsg, _ := fields["last_error"].(string)
	q.metrics.QueueTransition(chain, from, via)
	q.notifier.Publish(Update{ItemID: item.ItemID, Chain: chain, From: from, To: via, TxHash: item.TxHash, Error: errMsg})

	item.Status = to
	if h, ok := fields["tx_hash"].(string); ok {
		item.TxHash = h
	}
	q.metrics.QueueTransition(chain, via, to)
	q.notifier.Publish(Update{ItemID: item.ItemID, Chain: chain, From: via, To: to, TxHash: item.TxHash})
	return true, nil
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the submitter and confirmer loops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.wg.Add(2)
	go q.runSubmitter(ctx)
	go q.runConfirmer(ctx)
	q.logger.Info().Msg("transaction queue started")
}

// Stop stops both loops; items keep their last persisted status.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Info().Msg("transaction queue stopped")
}

func (q *Queue) runSubmitter(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
		case <-q.wakeCh:
		}
		if q.drain(ctx) {
			return
		}
	}
}

// drain submits pending items until the head blocks; it reports a fatal error.
func (q *Queue) drain(ctx context.Context) bool {
	for ctx.Err() == nil {
		item, err := q.DequeueAndSubmit(ctx)
		if err != nil && relayererrors.IsFatal(err) {
			q.logger.Error().Err(err).Msg("store failure; queue halted")
			if q.onFatal != nil {
				q.onFatal(err)
			}
			return true
		}
		if item == nil || item.Status == store.StatusPending {
			return false
		}
	}
	return false
}

func (q *Queue) runConfirmer(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.ConfirmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			if err := q.ConfirmSubmitted(ctx); err != nil && relayererrors.IsFatal(err) {
				q.logger.Error().Err(err).Msg("store failure; confirmer halted")
				if q.onFatal != nil {
					q.onFatal(err)
				}
				return
			}
			q.refreshGauges()
		}
	}
}

func (q *Queue) refreshGauges() {
	counts, err := q.store.CountItemsByStatus()
	if err != nil {
		return
	}
	q.metrics.QueueItems(q.chain.String(), counts)
}
