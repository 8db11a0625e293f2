package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/queue"
	"github.com/pushchain/anchor-relayer/relayer/registry"
	"github.com/pushchain/anchor-relayer/relayer/signing"
	"github.com/pushchain/anchor-relayer/relayer/store"
)

const (
	maxEventRetries  = 20
	retryBackoffBase = 5 * time.Second
	retryBackoffMax  = 5 * time.Minute
)

// UpdateEdgeSig is the function signature of anchor update proposals.
var UpdateEdgeSig = signing.FunctionSig("updateEdge(uint256,uint32,bytes32)")

var (
	errUnknownRoot = errors.New("unknown merkle root")
	errNoRoot      = errors.New("deposit carries no merkle root")
)

// job is one event, or one (event, linked anchor) pair, waiting to be turned into queue items.
type job struct {
	item   common.WatchedItem
	event  common.DomainEvent
	anchor *registry.LinkedAnchor
	root   [32]byte

	attempts  int
	notBefore time.Time
}

func (j job) String() string {
	if j.anchor != nil {
		return j.event.Hash() + "->" + j.anchor.String()
	}
	return j.event.Hash()
}

// ProposalHandler turns committed events into signed proposals on the queues
// of their target chains: resolve, sign, verify, nonce check, enqueue.
//
// An event stays in its chain's pending event table until every proposal it
// leads to was queued or dropped; Restore picks those up after a restart.
type ProposalHandler struct {
	rc     *RelayerContext
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	retries []job
}

// NewProposalHandler creates the handler shared by every watcher.
func NewProposalHandler(rc *RelayerContext) *ProposalHandler {
	return &ProposalHandler{
		rc:     rc,
		now:    time.Now,
		logger: rc.logger.With().Str("component", "proposal_handler").Logger(),
	}
}

// HandleEvents implements watcher.EventHandler.
func (h *ProposalHandler) HandleEvents(ctx context.Context, item common.WatchedItem, events []common.DomainEvent) {
	for _, ev := range events {
		h.dispatch(ctx, job{item: item, event: ev})
	}
}

func (h *ProposalHandler) dispatch(ctx context.Context, j job) {
	var keep bool
	switch j.event.Kind {
	case common.EventDeposit:
		keep = h.handleDeposit(ctx, j)
	case common.EventGovernance:
		keep = h.settle(j, h.handleGovernance(ctx, j))
	case common.EventKeyRotation:
		keep = h.settle(j, h.handleKeyRotation(ctx, j))
	default:
		// encrypted outputs only feed the cache
		return
	}
	if !keep {
		h.release(j)
	}
}

// Restore requeues the events a previous run committed but never settled.
// Events already waiting in memory are skipped.
func (h *ProposalHandler) Restore() (int, error) {
	h.mu.Lock()
	known := make(map[string]bool, len(h.retries))
	for _, j := range h.retries {
		known[j.event.Hash()] = true
	}
	h.mu.Unlock()

	restored := 0
	for _, chain := range h.rc.Chains() {
		rows, err := chain.Store.ListPendingEvents()
		if err != nil {
			return restored, err
		}
		for _, row := range rows {
			if known[row.EventHash] {
				continue
			}
			log := h.logger.With().Str("chain", chain.ID.String()).Str("event", row.EventHash).Logger()
			item, ok := chain.Item(row.Contract)
			if !ok {
				log.Warn().Str("contract", row.Contract).Msg("pending event of an unwatched contract left in place")
				continue
			}
			ev, err := common.DecodeEvent(row.Payload)
			if err != nil {
				log.Error().Err(err).Msg("unreadable pending event removed")
				if err := chain.Store.DeletePendingEvent(row.EventHash); err != nil {
					return restored, err
				}
				continue
			}
			h.requeue(job{item: item, event: ev, attempts: row.Attempts, notBefore: row.NotBefore})
			known[row.EventHash] = true
			restored++
		}
	}
	return restored, nil
}

// Pending returns the number of events waiting for a retry.
func (h *ProposalHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.retries)
}

// RetryDue reprocesses the requeued events whose backoff elapsed and returns how many ran.
func (h *ProposalHandler) RetryDue(ctx context.Context) int {
	now := h.now()

	h.mu.Lock()
	var due, later []job
	for _, j := range h.retries {
		if now.Before(j.notBefore) {
			later = append(later, j)
		} else {
			due = append(due, j)
		}
	}
	h.retries = later
	h.mu.Unlock()

	for _, j := range due {
		if ctx.Err() != nil {
			h.requeue(j)
			continue
		}
		h.dispatch(ctx, j)
	}
	return len(due)
}

// settle records the outcome of a job: done, requeued for later, or dropped.
// It reports whether the job's event must stay pending.
func (h *ProposalHandler) settle(j job, err error) bool {
	if err == nil {
		return false
	}
	logger := h.logger.With().
		Str("event", j.String()).
		Str("kind", string(j.event.Kind)).
		Str("chain", j.item.Chain.String()).
		Logger()

	switch {
	case relayererrors.IsFatal(err):
		h.rc.Fatal(err)
		return true
	case requeueable(err) && j.attempts < maxEventRetries:
		j.attempts++
		j.notBefore = h.now().Add(relayererrors.BackoffDelay(uint(j.attempts), retryBackoffBase, retryBackoffMax))
		h.requeue(j)
		h.persist(j)
		logger.Warn().Err(err).Int("attempt", j.attempts).Time("retry_at", j.notBefore).Msg("event requeued")
		return true
	default:
		reason := dropReason(err)
		h.rc.Metrics.ProposalDropped(reason)
		logger.Warn().Err(err).
			Str("reason", reason).
			Str("severity", string(relayererrors.GetSeverity(err))).
			Msg("proposal dropped")
	}
	return false
}

func (h *ProposalHandler) requeue(j job) {
	h.mu.Lock()
	h.retries = append(h.retries, j)
	h.mu.Unlock()
}

// persist stores the retry state of j's event.
func (h *ProposalHandler) persist(j job) {
	chain := h.rc.Chain(j.item.Chain)
	if chain == nil {
		return
	}
	payload, err := common.EncodeEvent(j.event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", j.String()).Msg("failed to encode pending event")
		return
	}
	err = chain.Store.SavePendingEvent(store.PendingEvent{
		EventHash:   j.event.Hash(),
		Contract:    j.item.Address,
		BlockNumber: j.event.BlockNumber,
		Payload:     payload,
		Attempts:    j.attempts,
		NotBefore:   j.notBefore,
	})
	if err != nil {
		h.rc.Fatal(err)
	}
}

// release removes j's event from the pending table unless another job of the
// same event is still waiting for a retry.
func (h *ProposalHandler) release(j job) {
	hash := j.event.Hash()
	h.mu.Lock()
	for _, other := range h.retries {
		if other.event.Hash() == hash {
			h.mu.Unlock()
			return
		}
	}
	h.mu.Unlock()

	chain := h.rc.Chain(j.item.Chain)
	if chain == nil {
		return
	}
	if err := chain.Store.DeletePendingEvent(hash); err != nil {
		h.rc.Fatal(err)
	}
}

func requeueable(err error) bool {
	var signErr *signing.SigningError
	if errors.As(err, &signErr) {
		return signErr.Requeue()
	}
	return relayererrors.IsUnbounded(err)
}

func dropReason(err error) string {
	var signErr *signing.SigningError
	switch {
	case errors.Is(err, registry.ErrUnregistered):
		return "unregistered"
	case errors.Is(err, queue.ErrStaleNonce):
		return "stale_nonce"
	case errors.Is(err, errUnknownRoot):
		return "invalid_merkle_root"
	case errors.Is(err, errNoRoot):
		return "missing_root"
	case errors.As(err, &signErr):
		return "signing_" + string(signErr.Kind)
	}
	if code := relayererrors.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

// sourceResource is the resource id a watched item's events originate from.
func sourceResource(item common.WatchedItem) common.ResourceID {
	if item.ResourceID != nil {
		return *item.ResourceID
	}
	return common.NewResourceID(ethcommon.FromHex(item.Address), item.Chain)
}

// handleDeposit fans a deposit out to every linked anchor. It reports whether
// any part of it still waits for a retry.
func (h *ProposalHandler) handleDeposit(ctx context.Context, j job) bool {
	if j.anchor != nil {
		return h.settle(j, h.proposeEdge(ctx, j))
	}
	// the leaf index becomes the u32 proposal nonce
	if j.event.Deposit.LeafIndex > math.MaxUint32 {
		return h.settle(j, relayererrors.NewMalformedError(j.item.Chain.String(),
			fmt.Sprintf("leaf index %d does not fit a proposal nonce", j.event.Deposit.LeafIndex), nil))
	}

	root, err := h.depositRoot(ctx, j)
	if err != nil {
		return h.settle(j, err)
	}
	anchors, err := h.rc.Resolver.Resolve(ctx, sourceResource(j.item))
	if err != nil {
		return h.settle(j, err)
	}

	keep := false
	for _, anchor := range anchors {
		if anchor.Chain == j.item.Chain && strings.EqualFold(anchor.Address, j.item.Address) {
			continue
		}
		target := anchor
		sub := job{item: j.item, event: j.event, anchor: &target, root: root}
		if h.settle(sub, h.proposeEdge(ctx, sub)) {
			keep = true
		}
	}
	return keep
}

// depositRoot returns the merkle root an anchor update should carry, checking a
// root reported by the log against the anchor's root history.
func (h *ProposalHandler) depositRoot(ctx context.Context, j job) ([32]byte, error) {
	var zero [32]byte
	deposit := j.event.Deposit
	chain := h.rc.Chain(j.item.Chain)

	if chain == nil || chain.Roots == nil {
		if deposit.Commitment == zero {
			return zero, relayererrors.WrapRelayerError(errNoRoot, relayererrors.ErrCodeInvalidProposal, j.item.Chain.String(), "cannot build anchor update")
		}
		return deposit.Commitment, nil
	}

	anchor := ethcommon.HexToAddress(j.item.Address)
	if deposit.Commitment == zero {
		return chain.Roots.LastRoot(ctx, anchor)
	}
	known, err := chain.Roots.IsKnownRoot(ctx, anchor, deposit.Commitment)
	if err != nil {
		return zero, err
	}
	if !known {
		return zero, relayererrors.WrapRelayerError(errUnknownRoot, relayererrors.ErrCodeInvalidProposal, j.item.Chain.String(), "deposit root rejected by anchor")
	}
	return deposit.Commitment, nil
}

// proposeEdge builds the anchor update of one linked anchor. The leaf index is
// the proposal nonce; payload is the new root followed by the source resource id.
func (h *ProposalHandler) proposeEdge(ctx context.Context, j job) error {
	source := sourceResource(j.item)
	payload := make([]byte, 0, 64)
	payload = append(payload, j.root[:]...)
	payload = append(payload, source[:]...)

	p := &signing.Proposal{
		TargetChain: j.anchor.Chain,
		Header: signing.ProposalHeader{
			ResourceID:  j.anchor.ResourceID,
			FunctionSig: UpdateEdgeSig,
			Nonce:       uint32(j.event.Deposit.LeafIndex),
		},
		Payload: payload,
	}
	// edges of different sources share the target resource, so nonces are tracked per source
	key := p.LogicalKey() + ":" + source.Hex()
	guard := p.Header.ResourceID.Hex() + "/" + source.Hex()
	return h.submit(ctx, p, key, guard)
}

func (h *ProposalHandler) handleGovernance(ctx context.Context, j job) error {
	gov := j.event.Governance
	header, err := signing.DecodeProposalHeader(gov.ProposalBytes)
	if err != nil {
		return relayererrors.NewMalformedError(j.item.Chain.String(), "invalid governance proposal", err)
	}
	target, err := header.ResourceID.Chain()
	if err != nil {
		return relayererrors.NewMalformedError(j.item.Chain.String(), "invalid proposal target", err)
	}
	p, err := signing.ParseProposal(target, gov.ProposalBytes)
	if err != nil {
		return relayererrors.NewMalformedError(j.item.Chain.String(), "invalid governance proposal", err)
	}
	if len(gov.Signature) > 0 {
		p.Signature = bytes.Clone(gov.Signature)
	}
	return h.submit(ctx, p, p.LogicalKey(), p.Header.ResourceID.Hex())
}

// submit signs p when it is not signed yet, verifies the signature against the
// expected key and enqueues it on the target chain under the nonce guard.
func (h *ProposalHandler) submit(ctx context.Context, p *signing.Proposal, logicalKey, guardKey string) error {
	target := h.rc.Chain(p.TargetChain)
	if target == nil {
		return relayererrors.NewInvalidProposalError(p.TargetChain.String(), "target chain is not configured")
	}

	backend := "source"
	if len(p.Signature) == 0 {
		if err := h.rc.Signer.Sign(ctx, p); err != nil {
			return err
		}
		backend = string(h.rc.Signer.Kind)
	}

	expected := h.rc.Keys.ExpectedKey(p.Header.ResourceID)
	if len(expected) == 0 {
		return relayererrors.NewInvalidProposalError(target.ID.String(), "no expected signer key for "+p.Header.ResourceID.Hex())
	}
	if err := signing.Verify(p.Bytes(), p.Signature, expected); err != nil {
		return relayererrors.NewInvalidProposalError(target.ID.String(), "signature verification failed: "+err.Error())
	}
	h.rc.Metrics.ProposalSigned(backend)

	data, err := target.ProposalTx(p)
	if err != nil {
		return err
	}
	item, err := target.Queue.Enqueue(ctx, queue.Tx{
		Kind:       store.ItemKindProposal,
		LogicalKey: logicalKey,
		Data:       data,
		Guard:      &common.NonceGuard{ResourceID: guardKey, Nonce: uint64(p.Header.Nonce)},
	})
	if err != nil {
		return err
	}

	h.logger.Info().
		Str("target", target.ID.String()).
		Str("resource_id", p.Header.ResourceID.Hex()).
		Uint32("nonce", p.Header.Nonce).
		Str("item_id", item.ItemID).
		Msg("proposal queued")
	return nil
}

// handleKeyRotation moves the expected governor key forward. A rotation signed
// by the current governor is also propagated to every EVM signature bridge.
func (h *ProposalHandler) handleKeyRotation(ctx context.Context, j job) error {
	rotation := j.event.KeyRotation

	if len(rotation.Signature) > 0 {
		governor, _ := h.rc.Keys.Governor()
		if len(governor) == 0 {
			return relayererrors.NewInvalidProposalError(j.item.Chain.String(), "no governor key to verify the rotation")
		}
		if err := signing.Verify(rotation.NewKey, rotation.Signature, governor); err != nil {
			return relayererrors.NewInvalidProposalError(j.item.Chain.String(), "rotation signature verification failed: "+err.Error())
		}
		if err := h.propagateRotation(ctx, rotation); err != nil {
			return err
		}
	}

	if h.rc.Keys.Rotate(rotation.NewKey, rotation.Nonce) {
		h.logger.Info().
			Str("chain", j.item.Chain.String()).
			Uint64("nonce", rotation.Nonce).
			Msg("governor key rotated")
	}
	return nil
}

func (h *ProposalHandler) propagateRotation(ctx context.Context, rotation *common.KeyRotation) error {
	var firstErr error
	for _, chain := range h.rc.Chains() {
		if chain.ID.Kind != common.ChainKindEVM || chain.Bridge == "" {
			continue
		}
		data, err := chain.RotationTx(rotation.NewKey, uint32(rotation.Nonce), rotation.Signature)
		if err == nil {
			bridge := strings.ToLower(chain.Bridge)
			_, err = chain.Queue.Enqueue(ctx, queue.Tx{
				Kind:       store.ItemKindProposal,
				LogicalKey: fmt.Sprintf("rotation:%s:%d", bridge, rotation.Nonce),
				Data:       data,
				Guard:      &common.NonceGuard{ResourceID: "governor:" + bridge, Nonce: rotation.Nonce},
			})
		}
		switch {
		case err == nil:
			h.logger.Info().Str("target", chain.ID.String()).Uint64("nonce", rotation.Nonce).Msg("key rotation queued")
		case errors.Is(err, queue.ErrStaleNonce):
			h.logger.Debug().Str("target", chain.ID.String()).Uint64("nonce", rotation.Nonce).Msg("key rotation already queued")
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
