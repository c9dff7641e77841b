package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ChannelStatus is the lifecycle status of a payment channel as mirrored by
// the coordinator.
type ChannelStatus string

const (
	ChannelStatusNone            ChannelStatus = "none"
	ChannelStatusCreating        ChannelStatus = "creating"
	ChannelStatusAwaitingFunding ChannelStatus = "awaiting_funding"
	ChannelStatusResizing        ChannelStatus = "resizing"
	ChannelStatusOpen            ChannelStatus = "open"
	ChannelStatusClosing         ChannelStatus = "closing"
	ChannelStatusClosed          ChannelStatus = "closed"
	ChannelStatusFailed          ChannelStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ChannelStatus) Terminal() bool {
	return s == ChannelStatusClosed || s == ChannelStatusFailed
}

// StateIntent tags the purpose of a signed channel state.
type StateIntent uint8

const (
	IntentOperate    StateIntent = 0
	IntentInitialize StateIntent = 1
	IntentResize     StateIntent = 2
	IntentFinalize   StateIntent = 3
)

// Allocation assigns an amount of token to a destination within a channel state.
type Allocation struct {
	Destination common.Address `json:"destination"`
	Token       common.Address `json:"token"`
	Amount      *big.Int       `json:"amount"`
}

// State is a channel state proposal or a ledger-recorded state.
type State struct {
	Intent      StateIntent  `json:"intent"`
	Version     uint64       `json:"version"`
	Data        []byte       `json:"data"`
	Allocations []Allocation `json:"allocations"`
	Sigs        [][]byte     `json:"-"`
}

// TokenTotal sums every allocation held in token.
func (s State) TokenTotal(token common.Address) *big.Int {
	total := new(big.Int)
	for _, a := range s.Allocations {
		if a.Token == token && a.Amount != nil {
			total.Add(total, a.Amount)
		}
	}
	return total
}

// ChannelDefinition is the fixed part of a channel recorded on the ledger.
type ChannelDefinition struct {
	Participants []common.Address `json:"participants"`
	Adjudicator  common.Address   `json:"adjudicator"`
	Challenge    uint64           `json:"challenge"`
	Nonce        uint64           `json:"nonce"`
}

// Channel is the coordinator's provisional mirror of a channel. It only
// becomes durable once the ledger confirms the matching transaction.
type Channel struct {
	ID           common.Hash       `json:"channel_id"`
	Participants [2]common.Address `json:"participants"`
	Adjudicator  common.Address    `json:"adjudicator"`
	ChainID      uint64            `json:"chain_id"`
	Token        common.Address    `json:"token"`
	Status       ChannelStatus     `json:"status"`
	Allocations  []Allocation      `json:"allocations"`
	Version      uint64            `json:"version"`
	Amount       *big.Int          `json:"amount"`
	LastTx       common.Hash       `json:"last_tx"`
	Reason       string            `json:"reason,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate coordinator state.
func (c Channel) Clone() Channel {
	out := c
	if c.Amount != nil {
		out.Amount = new(big.Int).Set(c.Amount)
	}
	out.Allocations = cloneAllocations(c.Allocations)
	return out
}

func cloneAllocations(in []Allocation) []Allocation {
	if in == nil {
		return nil
	}
	out := make([]Allocation, len(in))
	for i, a := range in {
		out[i] = a
		if a.Amount != nil {
			out[i].Amount = new(big.Int).Set(a.Amount)
		}
	}
	return out
}

// OpKind is the kind of a pending lifecycle operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpResize OpKind = "resize"
	OpClose  OpKind = "close"
)

// PendingOperation tracks a protocol request awaiting its response and
// on-chain ratification.
type PendingOperation struct {
	ID             uuid.UUID   `json:"id"`
	Kind           OpKind      `json:"kind"`
	ChannelID      common.Hash `json:"channel_id"`
	ExpectedAmount *big.Int    `json:"expected_amount,omitempty"`
	RequestID      uint64      `json:"request_id"`
	RequestedAt    time.Time   `json:"requested_at"`
}

// ChannelEvent describes one status transition of a channel.
type ChannelEvent struct {
	ChannelID common.Hash   `json:"channel_id"`
	Op        OpKind        `json:"op,omitempty"`
	From      ChannelStatus `json:"from"`
	To        ChannelStatus `json:"to"`
	TxHash    common.Hash   `json:"tx_hash,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Withdrawn *big.Int      `json:"withdrawn,omitempty"`
	Channel   Channel       `json:"channel"`
	At        time.Time     `json:"at"`
}

// LedgerBalance is an off-chain unified balance entry for one asset.
type LedgerBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}
