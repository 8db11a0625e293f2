// Package withdraw relays user withdrawals to anchor contracts and reports
// their lifecycle as network:* and withdraw:* messages.
package withdraw

import (
	"context"
	"math/big"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/chains/evm"
	"github.com/pushchain/anchor-relayer/relayer/core"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/queue"
	"github.com/pushchain/anchor-relayer/relayer/store"
)

const (
	defaultCheckTimeout = 10 * time.Second
	// estimates get a fifth on top
	gasHeadroomDivisor = 5
)

// Emitter delivers one message to the client. An error ends the session.
type Emitter func(Message) error

// Service runs withdraw sessions against the chains of a relayer context.
type Service struct {
	rc           *core.RelayerContext
	checkTimeout time.Duration
	logger       zerolog.Logger
}

func NewService(rc *core.RelayerContext, logger zerolog.Logger) *Service {
	return &Service{
		rc:           rc,
		checkTimeout: defaultCheckTimeout,
		logger:       logger.With().Str("component", "withdraw").Logger(),
	}
}

// Handle validates cmd, queues the withdrawal and emits its lifecycle until a
// terminal message, ctx cancellation or an emit failure. Dropped transactions
// are resubmitted by the queue, so droppedFromMemPool is followed by another
// submitted message.
func (s *Service) Handle(ctx context.Context, cmd Command, emit Emitter) error {
	sess := &session{svc: s, cmd: cmd, emit: emit}
	result, err := sess.run(ctx)
	if result != "" {
		s.rc.Metrics.WithdrawSession(result)
	}
	return err
}

type session struct {
	svc  *Service
	cmd  Command
	emit Emitter

	chain  *core.Chain
	args   evm.TransactArgs
	logger zerolog.Logger
}

// send emits m and returns its status when m ends the flow.
func (s *session) send(m Message) (string, error) {
	if err := s.emit(m); err != nil {
		return "", err
	}
	if m.Terminal() {
		return m.Status, nil
	}
	return "", nil
}

func (s *session) run(ctx context.Context) (string, error) {
	rc := s.svc.rc
	s.logger = s.svc.logger.With().
		Str("chain_kind", s.cmd.ChainKind).
		Uint64("chain_id", s.cmd.ChainID).
		Str("target", s.cmd.Target).
		Logger()

	id, err := common.NewChainIdentifier(s.cmd.ChainKind, s.cmd.ChainID)
	if err == nil {
		s.chain = rc.Chain(id)
	}
	// withdrawals are relayed to EVM anchors only
	if s.chain == nil || id.Kind != common.ChainKindEVM {
		return s.send(network(NetworkUnsupportedChain))
	}

	if _, err := s.send(network(NetworkConnecting)); err != nil {
		return "", err
	}
	checkCtx, cancel := context.WithTimeout(ctx, s.svc.checkTimeout)
	_, err = s.chain.Client.LatestBlock(checkCtx)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Msg("chain unreachable")
		return s.send(network(NetworkFailed))
	}
	if _, err := s.send(network(NetworkConnected)); err != nil {
		return "", err
	}

	if !ethcommon.IsHexAddress(s.cmd.Target) || !s.chain.Withdrawable[strings.ToLower(s.cmd.Target)] {
		return s.send(network(NetworkUnsupportedContract))
	}
	if s.chain.Relayer == "" || !strings.EqualFold(s.cmd.ExtData.Relayer.Hex(), s.chain.Relayer) {
		return s.send(network(NetworkInvalidRelayerAddress))
	}

	s.args, err = s.cmd.TransactArgs()
	if err != nil {
		return s.send(errored(string(relayererrors.ErrCodeMalformed), err.Error()))
	}
	if msg, ok := s.check(ctx); !ok {
		return s.send(msg)
	}

	data, err := evm.PackTransact(s.args)
	if err != nil {
		return s.send(errored(string(relayererrors.ErrCodeMalformed), err.Error()))
	}
	// a replayed command follows the already queued withdrawal
	key := "withdraw:" + crypto.Keccak256Hash(data).Hex()
	active, err := s.chain.Store.ActiveItem(key)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to look up withdrawal")
		return s.send(errored(codeOf(err), err.Error()))
	}
	if active != nil {
		return s.follow(ctx, active)
	}

	req, err := s.txRequest(ctx, data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("withdrawal failed simulation")
		return s.send(errored(codeOf(err), err.Error()))
	}
	item, err := s.enqueue(ctx, key, req)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to queue withdrawal")
		return s.send(errored(codeOf(err), err.Error()))
	}
	return s.follow(ctx, item)
}

// check runs the root, proof and fee checks; on rejection it returns the message to send.
func (s *session) check(ctx context.Context) (Message, bool) {
	rc := s.svc.rc
	anchor := ethcommon.HexToAddress(s.cmd.Target)

	if s.chain.Roots != nil {
		checkCtx, cancel := context.WithTimeout(ctx, s.svc.checkTimeout)
		valid, err := s.chain.Roots.IsValidRoots(checkCtx, anchor, s.cmd.ProofData.roots())
		cancel()
		if err != nil {
			return errored(codeOf(err), "root check failed: "+err.Error()), false
		}
		if !valid {
			return Message{Kind: KindWithdraw, Status: WithdrawInvalidMerkleRoots}, false
		}
	}

	ok, err := rc.Verifier.Verify(ctx, s.cmd.ProofData.PublicInputs(), s.cmd.ProofData.Proof)
	if err != nil {
		return errored(codeOf(err), "proof verification failed: "+err.Error()), false
	}
	if !ok {
		return errored(string(relayererrors.ErrCodeMalformed), "invalid proof"), false
	}

	info, err := rc.Fees.GetFeeInfo(ctx, s.chain.ID, s.cmd.Target, nil)
	switch {
	case relayererrors.IsCode(err, relayererrors.ErrCodeValidation):
		// no fee policy for this chain
	case err != nil:
		return errored(codeOf(err), err.Error()), false
	default:
		fee, overflow := uint256.FromBig(s.args.Fee)
		if overflow || fee.Lt(info.EstimatedFee) {
			return errored(string(relayererrors.ErrCodeValidation), "fee below estimated fee "+info.EstimatedFee.Dec()), false
		}
	}
	return Message{}, true
}

// txRequest wraps the transact call data and, when the client can simulate
// it, sets the gas limit from the estimate. A call that would revert is rejected.
func (s *session) txRequest(ctx context.Context, data []byte) (evm.TxRequest, error) {
	req := evm.TxRequest{To: ethcommon.HexToAddress(s.cmd.Target).Hex(), Data: data}

	estimator, ok := s.chain.Client.(common.GasEstimator)
	if !ok {
		return req, nil
	}
	raw, err := req.Encode()
	if err != nil {
		return evm.TxRequest{}, relayererrors.NewInternalError(s.chain.ID.String(), "failed to encode tx request", err)
	}
	simCtx, cancel := context.WithTimeout(ctx, s.svc.checkTimeout)
	gas, err := estimator.EstimateGas(simCtx, raw)
	cancel()
	if err != nil {
		return evm.TxRequest{}, err
	}
	req.GasLimit = gas + gas/gasHeadroomDivisor
	return req, nil
}

func (s *session) enqueue(ctx context.Context, key string, req evm.TxRequest) (*store.QueueItem, error) {
	raw, err := req.Encode()
	if err != nil {
		return nil, relayererrors.NewInternalError(s.chain.ID.String(), "failed to encode tx request", err)
	}
	return s.chain.Queue.Enqueue(ctx, queue.Tx{Kind: store.ItemKindWithdraw, LogicalKey: key, Data: raw})
}

// follow relays the queue updates of item until it finalizes or fails.
func (s *session) follow(ctx context.Context, item *store.QueueItem) (string, error) {
	rc := s.svc.rc
	updates, cancel := rc.Notifier.Subscribe(item.ItemID)
	defer cancel()

	log := s.logger.With().Str("item_id", item.ItemID).Logger()
	log.Info().Msg("withdrawal queued")
	if _, err := s.send(Message{Kind: KindWithdraw, Status: WithdrawSent}); err != nil {
		return "", err
	}

	var last queue.Update
	relay := func(u queue.Update) (string, error) {
		if u.To == last.To && u.TxHash == last.TxHash {
			return "", nil
		}
		last = u
		msg, ok := s.message(u)
		if !ok {
			return "", nil
		}
		log.Debug().Str("message", msg.String()).Str("tx_hash", u.TxHash).Msg("withdraw update")
		return s.send(msg)
	}

	// updates published before the subscription are recovered from the store
	current, err := s.chain.Queue.Get(item.ItemID)
	if err != nil {
		return s.send(errored(codeOf(err), err.Error()))
	}
	if current.Status != store.StatusPending {
		result, err := relay(queue.Update{ItemID: current.ItemID, To: current.Status, TxHash: current.TxHash, Error: current.LastError})
		if result != "" || err != nil {
			return result, err
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("session closed before the withdrawal settled")
			return "", ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return "", nil
			}
			result, err := relay(u)
			if result != "" || err != nil {
				return result, err
			}
		}
	}
}

func (s *session) message(u queue.Update) (Message, bool) {
	switch u.To {
	case store.StatusSubmitted:
		return Message{Kind: KindWithdraw, Status: WithdrawSubmitted, TxHash: u.TxHash}, true
	case store.StatusDropped:
		return Message{Kind: KindWithdraw, Status: WithdrawDroppedFromMemPool, TxHash: u.TxHash}, true
	case store.StatusFinalized:
		s.svc.rc.Metrics.FeeEarned(s.chain.ID.String(), weiFloat(s.args.Fee))
		return Message{Kind: KindWithdraw, Status: WithdrawFinalized, TxHash: u.TxHash}, true
	case store.StatusPermanentlyFailed:
		reason := u.Error
		if reason == "" {
			reason = "transaction failed"
		}
		return errored(string(relayererrors.ErrCodeSubmission), reason), true
	}
	return Message{}, false
}

func codeOf(err error) string {
	if code := relayererrors.CodeOf(err); code != "" {
		return string(code)
	}
	return string(relayererrors.ErrCodeInternal)
}

func weiFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
