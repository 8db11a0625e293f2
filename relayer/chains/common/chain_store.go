package common

import (
	"fmt"
	"sort"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pushchain/anchor-relayer/relayer/db"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/store"
)

// activeStatuses are the queue statuses that make a logical key "taken".
var activeStatuses = []string{store.StatusPending, store.StatusSubmitted, store.StatusDropped}

// ChainStore is the transactional, chain-scoped view over one chain database.
type ChainStore struct {
	database *db.DB
	chain    string
}

// NewChainStore creates a new chain store
func NewChainStore(database *db.DB, chain ChainIdentifier) *ChainStore {
	return &ChainStore{
		database: database,
		chain:    chain.String(),
	}
}

// Watermark is the last fully processed block of a watched item.
type Watermark struct {
	Block uint64
	Hash  string
}

// Batch is everything one successful poll commits.
type Batch struct {
	Contract    string
	ToBlock     uint64
	ToBlockHash string
	Leaves      []store.Leaf
	Outputs     []store.EncryptedOutput
	EventHashes []store.EventHash
	// Pending are the events still to be turned into proposals.
	Pending []store.PendingEvent
}

// NonceGuard makes EnqueueItem reject proposals whose nonce is not above the last accepted one.
type NonceGuard struct {
	ResourceID string
	Nonce      uint64
}

// EnqueueResult reports what EnqueueItem did.
type EnqueueResult struct {
	Item       *store.QueueItem
	Created    bool
	StaleNonce bool
}

func (cs *ChainStore) client() (*gorm.DB, error) {
	if cs.database == nil {
		return nil, fmt.Errorf("database is nil")
	}
	return cs.database.Client(), nil
}

func (cs *ChainStore) storeErr(err error, message string) error {
	return relayererrors.NewStoreError(cs.chain, message, err)
}

// EnsureWatchedItem creates the watermark row of a watched item on first use.
// A SyncFrom override resets the watermark to syncFrom-1 and drops cached data above it.
func (cs *ChainStore) EnsureWatchedItem(contract, kind string, startBlock uint64, syncFrom *uint64) (Watermark, error) {
	client, err := cs.client()
	if err != nil {
		return Watermark{}, err
	}

	var item store.WatchedItem
	err = client.Where("contract = ?", contract).First(&item).Error
	switch {
	case err == nil:
	case pkgerrors.Is(err, gorm.ErrRecordNotFound):
		item = store.WatchedItem{Contract: contract, Kind: kind, Watermark: blockBefore(startBlock)}
		if err := client.Create(&item).Error; err != nil {
			return Watermark{}, cs.storeErr(err, "failed to create watched item")
		}
	default:
		return Watermark{}, cs.storeErr(err, "failed to load watched item")
	}

	if syncFrom != nil {
		target := blockBefore(*syncFrom)
		if err := cs.resetWatermark(contract, target); err != nil {
			return Watermark{}, err
		}
		return Watermark{Block: target}, nil
	}
	return Watermark{Block: item.Watermark, Hash: item.WatermarkHash}, nil
}

// GetWatermark returns the persisted watermark, zero when the item was never stored.
func (cs *ChainStore) GetWatermark(contract string) (Watermark, error) {
	client, err := cs.client()
	if err != nil {
		return Watermark{}, err
	}

	var item store.WatchedItem
	err = client.Where("contract = ?", contract).First(&item).Error
	if pkgerrors.Is(err, gorm.ErrRecordNotFound) {
		return Watermark{}, nil
	}
	if err != nil {
		return Watermark{}, cs.storeErr(err, "failed to get watermark")
	}
	return Watermark{Block: item.Watermark, Hash: item.WatermarkHash}, nil
}

// SetWatermarkAndAppend commits a poll result in one transaction. A batch ending
// at or below the current watermark is a no-op.
func (cs *ChainStore) SetWatermarkAndAppend(batch Batch) error {
	client, err := cs.client()
	if err != nil {
		return err
	}

	err = client.Transaction(func(tx *gorm.DB) error {
		var item store.WatchedItem
		err := tx.Where("contract = ?", batch.Contract).First(&item).Error
		if pkgerrors.Is(err, gorm.ErrRecordNotFound) {
			item = store.WatchedItem{Contract: batch.Contract}
			if err := tx.Create(&item).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if item.Watermark > 0 && batch.ToBlock <= item.Watermark {
			return nil
		}

		leaves, err := newLeaves(tx, batch.Contract, batch.Leaves)
		if err != nil {
			return err
		}
		if len(leaves) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&leaves).Error; err != nil {
				return err
			}
		}
		if len(batch.Outputs) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch.Outputs).Error; err != nil {
				return err
			}
		}
		if len(batch.EventHashes) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch.EventHashes).Error; err != nil {
				return err
			}
		}
		if len(batch.Pending) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch.Pending).Error; err != nil {
				return err
			}
		}
		if batch.ToBlockHash != "" {
			block := store.ProcessedBlock{Contract: batch.Contract, Number: batch.ToBlock, Hash: batch.ToBlockHash}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "contract"}, {Name: "number"}},
				DoUpdates: clause.AssignmentColumns([]string{"hash"}),
			}).Create(&block).Error; err != nil {
				return err
			}
		}

		return tx.Model(&store.WatchedItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]any{
				"watermark":      batch.ToBlock,
				"watermark_hash": batch.ToBlockHash,
			}).Error
	})
	if err != nil {
		if relayererrors.IsCode(err, relayererrors.ErrCodeValidation) {
			return err
		}
		return cs.storeErr(err, "failed to commit batch")
	}
	return nil
}

// newLeaves drops leaves already stored and rejects gaps in the leaf index sequence.
func newLeaves(tx *gorm.DB, contract string, leaves []store.Leaf) ([]store.Leaf, error) {
	if len(leaves) == 0 {
		return nil, nil
	}

	var maxIndex struct {
		Max   *uint64
		Count int64
	}
	if err := tx.Model(&store.Leaf{}).
		Select("MAX(leaf_index) AS max, COUNT(*) AS count").
		Where("contract = ?", contract).
		Scan(&maxIndex).Error; err != nil {
		return nil, err
	}

	sorted := make([]store.Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LeafIndex < sorted[j].LeafIndex })

	var out []store.Leaf
	hasPrev := maxIndex.Count > 0 && maxIndex.Max != nil
	var prev uint64
	if hasPrev {
		prev = *maxIndex.Max
	}
	for _, leaf := range sorted {
		if hasPrev && leaf.LeafIndex <= prev {
			continue
		}
		if hasPrev && leaf.LeafIndex != prev+1 {
			return nil, relayererrors.NewValidationError("",
				fmt.Sprintf("leaf index gap for %s: expected %d, got %d", contract, prev+1, leaf.LeafIndex))
		}
		leaf.Contract = contract
		out = append(out, leaf)
		prev = leaf.LeafIndex
		hasPrev = true
	}
	return out, nil
}

// RollbackWatermark moves the watermark back to toBlock and removes everything cached above it.
func (cs *ChainStore) RollbackWatermark(contract string, toBlock uint64) error {
	return cs.resetWatermark(contract, toBlock)
}

func (cs *ChainStore) resetWatermark(contract string, toBlock uint64) error {
	client, err := cs.client()
	if err != nil {
		return err
	}

	err = client.Transaction(func(tx *gorm.DB) error {
		var safe store.ProcessedBlock
		hash := ""
		err := tx.Where("contract = ? AND number = ?", contract, toBlock).First(&safe).Error
		if err == nil {
			hash = safe.Hash
		} else if !pkgerrors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		for _, model := range []any{&store.Leaf{}, &store.EncryptedOutput{}, &store.EventHash{}, &store.PendingEvent{}} {
			if err := tx.Where("contract = ? AND block_number > ?", contract, toBlock).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("contract = ? AND number > ?", contract, toBlock).Delete(&store.ProcessedBlock{}).Error; err != nil {
			return err
		}

		res := tx.Model(&store.WatchedItem{}).
			Where("contract = ?", contract).
			Updates(map[string]any{"watermark": toBlock, "watermark_hash": hash})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Create(&store.WatchedItem{Contract: contract, Watermark: toBlock, WatermarkHash: hash}).Error
		}
		return nil
	})
	if err != nil {
		return cs.storeErr(err, "failed to roll back watermark")
	}
	return nil
}

// LastSafeBlock returns the newest processed block at or below the given height, nil if none.
func (cs *ChainStore) LastSafeBlock(contract string, atOrBelow uint64) (*store.ProcessedBlock, error) {
	client, err := cs.client()
	if err != nil {
		return nil, err
	}

	var block store.ProcessedBlock
	err = client.Where("contract = ? AND number <= ?", contract, atOrBelow).
		Order("number DESC").
		First(&block).Error
	if pkgerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, cs.storeErr(err, "failed to load processed block")
	}
	return &block, nil
}

// HasEventHash reports whether an event was already committed.
func (cs *ChainStore) HasEventHash(hash string) (bool, error) {
	client, err := cs.client()
	if err != nil {
		return false, err
	}

	var count int64
	if err := client.Model(&store.EventHash{}).Where("hash = ?", hash).Count(&count).Error; err != nil {
		return false, cs.storeErr(err, "failed to query event hash")
	}
	return count > 0, nil
}

// GetLeaves returns cached leaves with start <= index < end and the watermark they reflect.
func (cs *ChainStore) GetLeaves(contract string, start, end uint64) ([]store.Leaf, uint64, error) {
	client, err := cs.client()
	if err != nil {
		return nil, 0, err
	}

	var leaves []store.Leaf
	if err := client.Where("contract = ? AND leaf_index >= ? AND leaf_index < ?", contract, start, end).
		Order("leaf_index ASC").
		Find(&leaves).Error; err != nil {
		return nil, 0, cs.storeErr(err, "failed to query leaves")
	}

	wm, err := cs.GetWatermark(contract)
	if err != nil {
		return nil, 0, err
	}
	return leaves, wm.Block, nil
}

// GetEncryptedOutputs returns cached outputs with start <= index < end and the watermark they reflect.
func (cs *ChainStore) GetEncryptedOutputs(contract string, start, end uint64) ([]store.EncryptedOutput, uint64, error) {
	client, err := cs.client()
	if err != nil {
		return nil, 0, err
	}

	var outputs []store.EncryptedOutput
	if err := client.Where("contract = ? AND output_index >= ? AND output_index < ?", contract, start, end).
		Order("output_index ASC").
		Find(&outputs).Error; err != nil {
		return nil, 0, cs.storeErr(err, "failed to query encrypted outputs")
	}

	wm, err := cs.GetWatermark(contract)
	if err != nil {
		return nil, 0, err
	}
	return outputs, wm.Block, nil
}

// LastProposalNonce returns the last accepted nonce of a resource on this chain.
func (cs *ChainStore) LastProposalNonce(resourceID string) (uint64, bool, error) {
	client, err := cs.client()
	if err != nil {
		return 0, false, err
	}

	var rec store.ProposalNonce
	err = client.Where("resource_id = ?", resourceID).First(&rec).Error
	if pkgerrors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, cs.storeErr(err, "failed to query proposal nonce")
	}
	return rec.Nonce, true, nil
}

// EnqueueItem appends item to the queue unless an active item with the same
// logical key exists, in which case that item is returned. With a guard, the
// nonce is checked and recorded in the same transaction.
func (cs *ChainStore) EnqueueItem(item *store.QueueItem, guard *NonceGuard) (EnqueueResult, error) {
	client, err := cs.client()
	if err != nil {
		return EnqueueResult{}, err
	}

	var result EnqueueResult
	err = client.Transaction(func(tx *gorm.DB) error {
		var existing store.QueueItem
		err := tx.Where("logical_key = ? AND status IN ?", item.LogicalKey, activeStatuses).
			Order("id ASC").
			First(&existing).Error
		if err == nil {
			result = EnqueueResult{Item: &existing}
			return nil
		}
		if !pkgerrors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if guard != nil {
			var rec store.ProposalNonce
			err := tx.Where("resource_id = ?", guard.ResourceID).First(&rec).Error
			switch {
			case err == nil:
				if guard.Nonce <= rec.Nonce {
					result = EnqueueResult{StaleNonce: true}
					return nil
				}
				if err := tx.Model(&rec).Update("nonce", guard.Nonce).Error; err != nil {
					return err
				}
			case pkgerrors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&store.ProposalNonce{ResourceID: guard.ResourceID, Nonce: guard.Nonce}).Error; err != nil {
					return err
				}
			default:
				return err
			}
		}

		if item.Status == "" {
			item.Status = store.StatusPending
		}
		if item.Chain == "" {
			item.Chain = cs.chain
		}
		if err := tx.Create(item).Error; err != nil {
			return err
		}
		result = EnqueueResult{Item: item, Created: true}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, cs.storeErr(err, "failed to enqueue item")
	}
	return result, nil
}

// UpdateItemStatus moves an item from one status to another and applies extra
// fields in the same statement. It returns the rows affected; zero means the
// item was not in the expected status.
func (cs *ChainStore) UpdateItemStatus(itemID, from, to string, fields map[string]any) (int64, error) {
	client, err := cs.client()
	if err != nil {
		return 0, err
	}

	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := client.Model(&store.QueueItem{}).
		Where("item_id = ? AND status = ?", itemID, from).
		Updates(updates)
	if res.Error != nil {
		return 0, cs.storeErr(res.Error, "failed to update item status")
	}
	return res.RowsAffected, nil
}

// ActiveItem returns the oldest unsettled item with logicalKey, nil if none.
func (cs *ChainStore) ActiveItem(logicalKey string) (*store.QueueItem, error) {
	client, err := cs.client()
	if err != nil {
		return nil, err
	}

	var item store.QueueItem
	err = client.Where("logical_key = ? AND status IN ?", logicalKey, activeStatuses).
		Order("id ASC").
		First(&item).Error
	if pkgerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, cs.storeErr(err, "failed to load item")
	}
	return &item, nil
}

// GetItem loads a queue item by its public id.
func (cs *ChainStore) GetItem(itemID string) (*store.QueueItem, error) {
	client, err := cs.client()
	if err != nil {
		return nil, err
	}

	var item store.QueueItem
	err = client.Where("item_id = ?", itemID).First(&item).Error
	if pkgerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, cs.storeErr(err, "failed to load item")
	}
	return &item, nil
}

// HeadPendingItem returns the oldest pending item, nil if the queue is drained.
func (cs *ChainStore) HeadPendingItem() (*store.QueueItem, error) {
	items, err := cs.ListPendingItems(1)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// ListPendingItems returns pending items in enqueue order.
func (cs *ChainStore) ListPendingItems(limit int) ([]store.QueueItem, error) {
	return cs.ListItemsByStatus(store.StatusPending, limit)
}

// ListItemsByStatus returns items of one status in enqueue order.
func (cs *ChainStore) ListItemsByStatus(status string, limit int) ([]store.QueueItem, error) {
	client, err := cs.client()
	if err != nil {
		return nil, err
	}

	var items []store.QueueItem
	q := client.Where("status = ?", status).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, cs.storeErr(err, "failed to list items")
	}
	return items, nil
}

// CountItemsByStatus returns the queue size per status.
func (cs *ChainStore) CountItemsByStatus() (map[string]int64, error) {
	client, err := cs.client()
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status string
		Count  int64
	}
	if err := client.Model(&store.QueueItem{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, cs.storeErr(err, "failed to count items")
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// SavePendingEvent records the retry state of an unsettled event, creating the
// row when it was already removed.
func (cs *ChainStore) SavePendingEvent(ev store.PendingEvent) error {
	client, err := cs.client()
	if err != nil {
		return err
	}

	err = client.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"attempts", "not_before"}),
	}).Create(&ev).Error
	if err != nil {
		return cs.storeErr(err, "failed to save pending event")
	}
	return nil
}

// DeletePendingEvent removes a settled event. Unknown hashes are ignored.
func (cs *ChainStore) DeletePendingEvent(hash string) error {
	client, err := cs.client()
	if err != nil {
		return err
	}

	if err := client.Where("event_hash = ?", hash).Delete(&store.PendingEvent{}).Error; err != nil {
		return cs.storeErr(err, "failed to delete pending event")
	}
	return nil
}

// ListPendingEvents returns the unsettled events in commit order.
func (cs *ChainStore) ListPendingEvents() ([]store.PendingEvent, error) {
	client, err := cs.client()
	if err != nil {
		return nil, err
	}

	var events []store.PendingEvent
	if err := client.Order("id ASC").Find(&events).Error; err != nil {
		return nil, cs.storeErr(err, "failed to list pending events")
	}
	return events, nil
}

func blockBefore(block uint64) uint64 {
	if block == 0 {
		return 0
	}
	return block - 1
}
