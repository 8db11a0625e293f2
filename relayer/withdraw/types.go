package withdraw

import (
	"encoding/json"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"

	"github.com/pushchain/anchor-relayer/relayer/chains/evm"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Command asks the relayer to submit one anchor withdrawal.
type Command struct {
	ChainKind string    `json:"chain_kind" validate:"oneof=evm substrate"`
	ChainID   uint64    `json:"chain_id" validate:"required"`
	Target    string    `json:"target" validate:"required"`
	ProofData ProofData `json:"proof_data"`
	ExtData   ExtData   `json:"ext_data"`
}

// ProofData carries the zero-knowledge proof and its public inputs.
type ProofData struct {
	Proof             hexutil.Bytes     `json:"proof" validate:"required"`
	PublicAmount      ethcommon.Hash    `json:"public_amount"`
	Roots             []ethcommon.Hash  `json:"roots" validate:"required,min=1"`
	InputNullifiers   []ethcommon.Hash  `json:"input_nullifiers" validate:"required,min=1"`
	OutputCommitments [2]ethcommon.Hash `json:"output_commitments"`
	ExtDataHash       ethcommon.Hash    `json:"ext_data_hash"`
}

// ExtData carries the arguments bound by ext_data_hash. Amounts are decimal or
// 0x-prefixed integers; ext_amount may be negative.
type ExtData struct {
	Recipient        ethcommon.Address `json:"recipient"`
	Relayer          ethcommon.Address `json:"relayer"`
	ExtAmount        string            `json:"ext_amount"`
	Fee              string            `json:"fee"`
	Refund           string            `json:"refund"`
	Token            ethcommon.Address `json:"token"`
	EncryptedOutput1 hexutil.Bytes     `json:"encrypted_output1"`
	EncryptedOutput2 hexutil.Bytes     `json:"encrypted_output2"`
}

// ParseCommand decodes and validates a withdraw command.
func ParseCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return cmd, pkgerrors.Wrap(err, "invalid withdraw command")
	}
	if err := validate.Struct(cmd); err != nil {
		return cmd, pkgerrors.Wrap(err, "invalid withdraw command")
	}
	return cmd, nil
}

// PublicInputs lists the circuit inputs in verifier order: public amount,
// ext data hash, nullifiers, output commitments, roots.
func (p ProofData) PublicInputs() [][]byte {
	inputs := make([][]byte, 0, 2+len(p.InputNullifiers)+2+len(p.Roots))
	inputs = append(inputs, p.PublicAmount.Bytes(), p.ExtDataHash.Bytes())
	for _, n := range p.InputNullifiers {
		inputs = append(inputs, n.Bytes())
	}
	inputs = append(inputs, p.OutputCommitments[0].Bytes(), p.OutputCommitments[1].Bytes())
	for _, r := range p.Roots {
		inputs = append(inputs, r.Bytes())
	}
	return inputs
}

func (p ProofData) roots() [][32]byte {
	out := make([][32]byte, len(p.Roots))
	for i, r := range p.Roots {
		out[i] = r
	}
	return out
}

// TransactArgs flattens the command into the anchor's transact call.
func (c Command) TransactArgs() (evm.TransactArgs, error) {
	extAmount, err := parseInt(c.ExtData.ExtAmount, true)
	if err != nil {
		return evm.TransactArgs{}, pkgerrors.Wrap(err, "ext_amount")
	}
	fee, err := parseInt(c.ExtData.Fee, false)
	if err != nil {
		return evm.TransactArgs{}, pkgerrors.Wrap(err, "fee")
	}
	refund, err := parseInt(c.ExtData.Refund, false)
	if err != nil {
		return evm.TransactArgs{}, pkgerrors.Wrap(err, "refund")
	}

	nullifiers := make([]*big.Int, len(c.ProofData.InputNullifiers))
	for i, n := range c.ProofData.InputNullifiers {
		nullifiers[i] = n.Big()
	}
	return evm.TransactArgs{
		Proof:           c.ProofData.Proof,
		Roots:           c.ProofData.roots(),
		InputNullifiers: nullifiers,
		OutputCommitments: [2]*big.Int{
			c.ProofData.OutputCommitments[0].Big(),
			c.ProofData.OutputCommitments[1].Big(),
		},
		PublicAmount:     c.ProofData.PublicAmount.Big(),
		ExtDataHash:      c.ProofData.ExtDataHash,
		Recipient:        c.ExtData.Recipient,
		ExtAmount:        extAmount,
		Relayer:          c.ExtData.Relayer,
		Fee:              fee,
		Refund:           refund,
		Token:            c.ExtData.Token,
		EncryptedOutput1: c.ExtData.EncryptedOutput1,
		EncryptedOutput2: c.ExtData.EncryptedOutput2,
	}, nil
}

func parseInt(s string, signed bool) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	neg := strings.HasPrefix(s, "-")
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "-"), 0)
	if !ok {
		return nil, pkgerrors.Errorf("invalid integer %q", s)
	}
	if neg {
		if !signed {
			return nil, pkgerrors.Errorf("negative value %q", s)
		}
		v.Neg(v)
	}
	limit := 256
	if signed {
		limit = 255
	}
	if v.BitLen() > limit {
		return nil, pkgerrors.Errorf("value %q out of range", s)
	}
	return v, nil
}

// Message kinds.
const (
	KindNetwork  = "network"
	KindWithdraw = "withdraw"
)

// Network statuses.
const (
	NetworkConnecting            = "connecting"
	NetworkConnected             = "connected"
	NetworkFailed                = "failed"
	NetworkDisconnected          = "disconnected"
	NetworkUnsupportedChain      = "unsupportedChain"
	NetworkUnsupportedContract   = "unsupportedContract"
	NetworkInvalidRelayerAddress = "invalidRelayerAddress"
)

// Withdraw statuses.
const (
	WithdrawSent               = "sent"
	WithdrawSubmitted          = "submitted"
	WithdrawFinalized          = "finalized"
	WithdrawInvalidMerkleRoots = "invalidMerkleRoots"
	WithdrawDroppedFromMemPool = "droppedFromMemPool"
	WithdrawErrored            = "errored"
)

// Message is one lifecycle notification of a withdraw flow.
type Message struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
	TxHash string `json:"tx_hash,omitempty"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (m Message) String() string {
	return m.Kind + ":" + m.Status
}

// Terminal reports whether no further message follows m.
func (m Message) Terminal() bool {
	switch m.Kind {
	case KindNetwork:
		return m.Status != NetworkConnecting && m.Status != NetworkConnected
	case KindWithdraw:
		switch m.Status {
		case WithdrawFinalized, WithdrawErrored, WithdrawInvalidMerkleRoots:
			return true
		}
	}
	return false
}

func network(status string) Message { return Message{Kind: KindNetwork, Status: status} }

func errored(code, reason string) Message {
	return Message{Kind: KindWithdraw, Status: WithdrawErrored, Code: code, Reason: reason}
}
