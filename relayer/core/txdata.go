package core

import (
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/chains/evm"
	"github.com/pushchain/anchor-relayer/relayer/chains/substrate"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/signing"
)

const (
	substrateBridgePallet = "SignatureBridge"
	substrateExecuteCall  = "execute_proposal"
)

// ProposalTx encodes the transaction executing the signed proposal p on c.
func (c *Chain) ProposalTx(p *signing.Proposal) ([]byte, error) {
	switch c.ID.Kind {
	case common.ChainKindEVM:
		bridge := c.BridgeFor(p.Header.ResourceID)
		if !ethcommon.IsHexAddress(bridge) {
			return nil, relayererrors.NewConfigError(c.ID.String(), "no signature bridge for resource "+p.Header.ResourceID.Hex())
		}
		sig, err := signing.EthereumSignature(p.Signature)
		if err != nil {
			return nil, relayererrors.NewInvalidProposalError(c.ID.String(), err.Error())
		}
		data, err := evm.PackExecuteProposal(p.Bytes(), sig)
		if err != nil {
			return nil, relayererrors.NewMalformedError(c.ID.String(), "failed to pack executeProposalWithSignature", err)
		}
		return evm.TxRequest{To: bridge, Data: data}.Encode()
	case common.ChainKindSubstrate:
		return substrateCall(substrateBridgePallet, substrateExecuteCall, p.Bytes(), p.Signature)
	default:
		return nil, relayererrors.NewConfigError(c.ID.String(), "unsupported chain kind")
	}
}

// RotationTx encodes transferOwnershipWithSignaturePubKey on the chain's signature bridge.
func (c *Chain) RotationTx(newKey []byte, nonce uint32, signature []byte) ([]byte, error) {
	if c.ID.Kind != common.ChainKindEVM || !ethcommon.IsHexAddress(c.Bridge) {
		return nil, relayererrors.NewConfigError(c.ID.String(), "chain has no evm signature bridge")
	}
	sig, err := signing.EthereumSignature(signature)
	if err != nil {
		return nil, relayererrors.NewInvalidProposalError(c.ID.String(), err.Error())
	}
	data, err := evm.PackTransferOwnership(newKey, nonce, sig)
	if err != nil {
		return nil, relayererrors.NewMalformedError(c.ID.String(), "failed to pack transferOwnership", err)
	}
	return evm.TxRequest{To: c.Bridge, Data: data}.Encode()
}

// substrateCall builds a call request whose arguments are SCALE encoded byte vectors.
func substrateCall(pallet, call string, args ...[]byte) ([]byte, error) {
	req := substrate.CallRequest{Pallet: pallet, Call: call}
	for _, arg := range args {
		encoded, err := codec.Encode(types.NewBytes(arg))
		if err != nil {
			return nil, relayererrors.NewMalformedError("", "failed to encode call argument", err)
		}
		req.Args = append(req.Args, encoded)
	}
	return req.Encode()
}
