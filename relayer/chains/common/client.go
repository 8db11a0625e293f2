package common

import (
	"context"
)

// TxStatus is the on-chain state of a submitted transaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "PENDING"   // in the pool, not yet included
	TxStatusInBlock   TxStatus = "IN_BLOCK"  // included, not final
	TxStatusFinalized TxStatus = "FINALIZED" // irreversible
	TxStatusDropped   TxStatus = "DROPPED"   // neither included nor in the pool
	TxStatusReverted  TxStatus = "REVERTED"  // included but failed
)

// SignedTx is a transaction ready for broadcast. Hash and Nonce are known
// before broadcast so they can be persisted first.
type SignedTx struct {
	Hash  string
	Nonce uint64
	Raw   []byte
}

// ChainClient is the chain RPC collaborator used by the transaction queue.
type ChainClient interface {
	Chain() ChainIdentifier
	LatestBlock(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (string, error)
	// SignTransaction builds and signs txData with the relayer account at the next free nonce.
	SignTransaction(ctx context.Context, txData []byte) (*SignedTx, error)
	SubmitTransaction(ctx context.Context, tx *SignedTx) (string, error)
	GetTransactionStatus(ctx context.Context, hash string) (TxStatus, error)
	// NonceConsumed reports whether the relayer account already used nonce on chain.
	NonceConsumed(ctx context.Context, nonce uint64) (bool, error)
}

// GasReporter is implemented by clients that can tell the gas a mined transaction used.
type GasReporter interface {
	GasUsed(ctx context.Context, hash string) (uint64, error)
}

// HashTracker is implemented by clients keeping lookup state per submitted hash.
// Forget is called once the queue no longer asks about hash.
type HashTracker interface {
	Forget(hash string)
}

// GasEstimator is implemented by clients that can simulate txData before it is queued.
type GasEstimator interface {
	EstimateGas(ctx context.Context, txData []byte) (uint64, error)
}
