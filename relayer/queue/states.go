package queue

import "github.com/pushchain/anchor-relayer/relayer/store"

// transitions lists the legal moves of a queue item. Submitted -> Pending is
// taken when a reverted transaction still has attempts left.
var transitions = map[string][]string{
	store.StatusPending:   {store.StatusSubmitted, store.StatusPermanentlyFailed},
	store.StatusSubmitted: {store.StatusFinalized, store.StatusDropped, store.StatusPending, store.StatusPermanentlyFailed},
	store.StatusDropped:   {store.StatusPending},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status ends an item's life.
func IsTerminal(status string) bool {
	return status == store.StatusFinalized || status == store.StatusPermanentlyFailed
}
