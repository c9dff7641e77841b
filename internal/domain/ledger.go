package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerChannelStatus is the custody contract's view of a channel.
type LedgerChannelStatus uint8

const (
	LedgerVoid LedgerChannelStatus = iota
	LedgerInitial
	LedgerActive
	LedgerDispute
	LedgerFinal
)

// ChannelData is what the custody contract records for a channel.
type ChannelData struct {
	Definition      ChannelDefinition   `json:"definition"`
	Status          LedgerChannelStatus `json:"status"`
	Wallets         []common.Address    `json:"wallets"`
	ChallengeExpiry *big.Int            `json:"challenge_expiry"`
	LastValidState  State               `json:"last_valid_state"`
}

// Receipt is a confirmed transaction outcome.
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
}

// Ledger is the on-chain settlement contract. Writes return once the
// transaction is broadcast; WaitReceipt blocks until it is mined and fails
// with ErrTxReverted when execution reverted.
type Ledger interface {
	AccountBalance(ctx context.Context, user, token common.Address) (*big.Int, error)
	ChannelBalance(ctx context.Context, channelID common.Hash, token common.Address) (*big.Int, error)
	ChannelData(ctx context.Context, channelID common.Hash) (ChannelData, error)
	OpenChannels(ctx context.Context, user common.Address) ([]common.Hash, error)

	SubmitCreate(ctx context.Context, channelID common.Hash, def ChannelDefinition, initial State, serverSig []byte) (common.Hash, error)
	SubmitResize(ctx context.Context, channelID common.Hash, candidate State, serverSig []byte, proofs []State) (common.Hash, error)
	SubmitClose(ctx context.Context, channelID common.Hash, final State, serverSig []byte, proofs []State) (common.Hash, error)
	SubmitWithdrawal(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)

	WaitReceipt(ctx context.Context, tx common.Hash) (Receipt, error)
}
