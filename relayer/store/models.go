// Package store contains GORM-backed SQLite models persisted by the relayer.
//
// Database Structure (one database file per chain):
//
//	chains/
//	└── {kind}_{chain_id}/
//	    └── chain_data.db
//	        ├── watched_items
//	        ├── processed_blocks
//	        ├── leaves
//	        ├── encrypted_outputs
//	        ├── event_hashes
//	        ├── proposal_nonces
//	        ├── queue_items
//	        └── pending_events
package store

import (
	"time"

	"gorm.io/gorm"
)

// Queue item statuses.
const (
	StatusPending           = "PENDING"
	StatusSubmitted         = "SUBMITTED"
	StatusFinalized         = "FINALIZED"
	StatusDropped           = "DROPPED"
	StatusPermanentlyFailed = "PERMANENTLY_FAILED"
)

// Queue item kinds.
const (
	ItemKindProposal = "proposal"
	ItemKindWithdraw = "withdraw"
)

// WatchedItem is the persisted watermark of one watched contract or pallet.
type WatchedItem struct {
	gorm.Model
	Contract      string `gorm:"uniqueIndex;not null"` // contract address or pallet name
	Kind          string
	Watermark     uint64 // last fully processed block
	WatermarkHash string // hash of the watermark block, empty when unknown
}

// ProcessedBlock remembers the hash of every block a batch ended on, used to
// find the last known safe block after a reorganization.
type ProcessedBlock struct {
	ID       uint   `gorm:"primaryKey"`
	Contract string `gorm:"uniqueIndex:idx_processed_block"`
	Number   uint64 `gorm:"uniqueIndex:idx_processed_block"`
	Hash     string
}

// Leaf is one cached merkle tree leaf.
type Leaf struct {
	ID          uint   `gorm:"primaryKey"`
	Contract    string `gorm:"uniqueIndex:idx_leaf"`
	LeafIndex   uint64 `gorm:"uniqueIndex:idx_leaf"`
	Value       string // 0x prefixed 32 byte hex
	BlockNumber uint64 `gorm:"index"`
}

// EncryptedOutput is one cached encrypted note output.
type EncryptedOutput struct {
	ID          uint   `gorm:"primaryKey"`
	Contract    string `gorm:"uniqueIndex:idx_output"`
	OutputIndex uint64 `gorm:"uniqueIndex:idx_output"`
	Data        string // 0x prefixed hex
	BlockNumber uint64 `gorm:"index"`
}

// EventHash records an already processed event so replays are ignored.
type EventHash struct {
	Hash        string `gorm:"primaryKey"`
	Contract    string `gorm:"index"`
	BlockNumber uint64 `gorm:"index"`
	CreatedAt   time.Time
}

// ProposalNonce is the last accepted proposal nonce per resource on this (target) chain.
type ProposalNonce struct {
	ResourceID string `gorm:"primaryKey"`
	Nonce      uint64
	UpdatedAt  time.Time
}

// QueueItem is one outbound transaction owned by the chain's queue.
// ID doubles as the FIFO sequence.
type QueueItem struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	ItemID        string `gorm:"uniqueIndex;not null"` // uuid handed to callers
	Chain         string `gorm:"not null"`
	Kind          string
	LogicalKey    string `gorm:"index;not null"`
	TxData        []byte
	TxHash        string `gorm:"index"`
	TxNonce       *uint64
	AttemptCount  int
	Status        string `gorm:"index;not null"`
	LastError     string `gorm:"type:text"`
	NextAttemptAt time.Time
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
}

// PendingEvent is a committed event the proposal handler has not settled yet.
// It is written together with the watermark and removed once the event's
// proposals are queued or dropped.
type PendingEvent struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	EventHash   string `gorm:"uniqueIndex;not null"`
	Contract    string `gorm:"index;not null"`
	BlockNumber uint64 `gorm:"index"`
	Payload     []byte // JSON encoded event
	Attempts    int
	NotBefore   time.Time
	CreatedAt   time.Time
}
