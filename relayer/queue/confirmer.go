package queue

import (
	"context"
	"time"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/store"
)

const dropReason = "dropped from mempool"

// ConfirmSubmitted checks every submitted item against the chain once.
// Items submitted before a restart are picked up here as well.
func (q *Queue) ConfirmSubmitted(ctx context.Context) error {
	if _, err := q.RecoverDropped(); err != nil {
		return err
	}
	items, err := q.store.ListItemsByStatus(store.StatusSubmitted, confirmBatchSize)
	if err != nil {
		return err
	}
	for i := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := q.confirm(ctx, &items[i]); err != nil && relayererrors.IsFatal(err) {
			return err
		}
	}
	return nil
}

func (q *Queue) confirm(ctx context.Context, item *store.QueueItem) error {
	hash := item.TxHash
	log := q.logger.With().Str("item_id", item.ItemID).Str("tx_hash", hash).Logger()

	status, err := q.client.GetTransactionStatus(ctx, item.TxHash)
	if err != nil {
		q.metrics.RPCError(q.chain.String())
		log.Debug().Err(err).Msg("status check failed, will retry")
		return nil
	}

	switch status {
	case common.TxStatusFinalized:
		delete(q.notFoundCounts, item.ItemID)
		ok, err := q.transition(item, store.StatusFinalized, nil)
		if err != nil {
			return err
		}
		if ok {
			q.recordGas(ctx, hash)
			q.forget(hash)
			log.Info().Msg("transaction finalized")
		}

	case common.TxStatusDropped:
		q.notFoundCounts[item.ItemID]++
		count := q.notFoundCounts[item.ItemID]
		if count < q.opts.MaxNotFoundRetries {
			log.Debug().Int("not_found_count", count).Msg("transaction not found, will retry")
			return nil
		}
		delete(q.notFoundCounts, item.ItemID)
		q.forget(hash)
		return q.resubmit(item)

	case common.TxStatusReverted:
		delete(q.notFoundCounts, item.ItemID)
		q.recordGas(ctx, hash)
		q.forget(hash)
		return q.reverted(item)

	default:
		delete(q.notFoundCounts, item.ItemID)
	}
	return nil
}

// resubmit moves a dropped item back to pending with its hash and nonce
// cleared, so the submitter signs it again at a fresh nonce right away. The
// store goes from submitted to pending in one write; subscribers still see the
// dropped status in between.
func (q *Queue) resubmit(item *store.QueueItem) error {
	hash := item.TxHash
	ok, err := q.transitionVia(item, store.StatusDropped, store.StatusPending, map[string]any{
		"tx_hash":         "",
		"tx_nonce":        nil,
		"last_error":      dropReason,
		"next_attempt_at": time.Now(),
	})
	if err != nil || !ok {
		return err
	}
	q.logger.Warn().Str("item_id", item.ItemID).Str("tx_hash", hash).Msg("transaction dropped, resubmitting")
	q.wake()
	return nil
}

// RecoverDropped returns items still stored as dropped to pending. Only
// databases written before drops were recorded in one step hold such items.
func (q *Queue) RecoverDropped() (int, error) {
	items, err := q.store.ListItemsByStatus(store.StatusDropped, 0)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range items {
		ok, err := q.transition(&items[i], store.StatusPending, map[string]any{
			"tx_hash":         "",
			"tx_nonce":        nil,
			"next_attempt_at": time.Now(),
		})
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		q.logger.Warn().Int("items", recovered).Msg("dropped items returned to pending")
		q.wake()
	}
	return recovered, nil
}

// reverted spends one attempt; the item fails permanently once none are left.
func (q *Queue) reverted(item *store.QueueItem) error {
	attempts := item.AttemptCount + 1
	reason := "transaction reverted"
	fields := map[string]any{
		"attempt_count": attempts,
		"last_error":    reason,
	}
	if attempts >= q.opts.MaxAttempts {
		q.logger.Error().Str("item_id", item.ItemID).Str("tx_hash", item.TxHash).Int("attempts", attempts).Msg("transaction reverted, no attempts left")
		_, err := q.transition(item, store.StatusPermanentlyFailed, fields)
		return err
	}

	delay := relayererrors.BackoffDelay(uint(attempts), q.opts.BackoffBase, q.opts.BackoffMax)
	fields["tx_hash"] = ""
	fields["tx_nonce"] = nil
	fields["next_attempt_at"] = time.Now().Add(delay)
	q.logger.Warn().Str("item_id", item.ItemID).Str("tx_hash", item.TxHash).Int("attempts", attempts).Msg("transaction reverted, will retry")
	_, err := q.transition(item, store.StatusPending, fields)
	return err
}

func (q *Queue) recordGas(ctx context.Context, hash string) {
	reporter, ok := q.client.(common.GasReporter)
	if !ok {
		return
	}
	gas, err := reporter.GasUsed(ctx, hash)
	if err != nil {
		q.logger.Debug().Err(err).Str("tx_hash", hash).Msg("failed to read gas used")
		return
	}
	q.metrics.GasSpent(q.chain.String(), gas)
}

func (q *Queue) forget(hash string) {
	if tracker, ok := q.client.(common.HashTracker); ok {
		tracker.Forget(hash)
	}
}
