// Package rpc defines the clearnode protocol message set as a closed group
// of typed variants and converts them to and from the wire format.
//
// A frame on the wire is either a request
//
//	{"req":[request_id, method, params, timestamp], "sig":["0x..."]}
//
// or a response / server push
//
//	{"res":[request_id, method, params, timestamp], "sig":["0x..."]}
//
// Only Encode, RequestPayload and Decode touch that format; everything else
// in the module works with Envelope and the Message variants below.
package rpc

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Method is a protocol method name.
type Method string

const (
	MethodAuthRequest       Method = "auth_request"
	MethodAuthChallenge     Method = "auth_challenge"
	MethodAuthVerify        Method = "auth_verify"
	MethodCreateChannel     Method = "create_channel"
	MethodResizeChannel     Method = "resize_channel"
	MethodCloseChannel      Method = "close_channel"
	MethodChannels          Method = "channels"
	MethodChannelUpdate     Method = "cu"
	MethodBalanceUpdate     Method = "bu"
	MethodGetLedgerBalances Method = "get_ledger_balances"
	MethodError             Method = "error"
)

// Message is one variant of the protocol message set. The set is closed:
// only types in this package implement it.
type Message interface {
	Method() Method
	isResponse() bool
}

// Envelope is a decoded frame.
type Envelope struct {
	RequestID  uint64
	Timestamp  uint64
	Message    Message
	Signatures []string
}

// IsResponse reports whether the frame travelled in a "res" slot.
func (e Envelope) IsResponse() bool {
	return e.Message != nil && e.Message.isResponse()
}

// Allowance is a per-asset spending cap granted to a session key.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Allocation is the wire form of a channel allocation.
type Allocation struct {
	Destination common.Address `json:"destination"`
	Token       common.Address `json:"token"`
	Amount      BigInt         `json:"amount"`
}

// State is the wire form of a channel state proposal.
type State struct {
	Intent      uint8         `json:"intent"`
	Version     uint64        `json:"version"`
	StateData   hexutil.Bytes `json:"state_data"`
	Allocations []Allocation  `json:"allocations"`
}

// ChannelDef is the wire form of the fixed channel definition.
type ChannelDef struct {
	Participants []common.Address `json:"participants"`
	Adjudicator  common.Address   `json:"adjudicator"`
	Challenge    uint64           `json:"challenge"`
	Nonce        uint64           `json:"nonce"`
}

// ChannelInfo is one entry of a channels push.
type ChannelInfo struct {
	ChannelID   common.Hash    `json:"channel_id"`
	Participant common.Address `json:"participant"`
	Wallet      common.Address `json:"wallet"`
	Status      string         `json:"status"`
	Token       common.Address `json:"token"`
	Amount      BigInt         `json:"amount"`
	ChainID     uint64         `json:"chain_id"`
	Adjudicator common.Address `json:"adjudicator"`
	Challenge   uint64         `json:"challenge"`
	Nonce       uint64         `json:"nonce"`
	Version     uint64         `json:"version"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// Balance is one unified ledger balance entry.
type Balance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// ---------------------------------------------------------------------------
// Requests (client -> clearnode)
// ---------------------------------------------------------------------------

// AuthRequest opens the challenge-response handshake.
type AuthRequest struct {
	Address     common.Address `json:"address"`
	SessionKey  common.Address `json:"session_key"`
	Application string         `json:"application"`
	Allowances  []Allowance    `json:"allowances"`
	ExpiresAt   uint64         `json:"expires_at"`
	Scope       string         `json:"scope"`
}

// AuthVerify answers a challenge. The frame signature is the wallet's
// EIP-712 policy signature.
type AuthVerify struct {
	Challenge string `json:"challenge"`
}

// CreateChannel asks the clearnode to prepare a new channel.
type CreateChannel struct {
	ChainID uint64         `json:"chain_id"`
	Token   common.Address `json:"token"`
}

// ResizeChannel moves funds between the unified balance, custody and the
// channel. ResizeAmount moves custody funds in (positive) or out (negative);
// AllocateAmount moves unified balance funds in.
type ResizeChannel struct {
	ChannelID        common.Hash    `json:"channel_id"`
	ResizeAmount     *BigInt        `json:"resize_amount,omitempty"`
	AllocateAmount   *BigInt        `json:"allocate_amount,omitempty"`
	FundsDestination common.Address `json:"funds_destination"`
}

// CloseChannel asks the clearnode to co-sign a final state.
type CloseChannel struct {
	ChannelID        common.Hash    `json:"channel_id"`
	FundsDestination common.Address `json:"funds_destination"`
}

// GetLedgerBalances requests the unified balances of a participant.
type GetLedgerBalances struct {
	Participant common.Address `json:"participant"`
}

// ---------------------------------------------------------------------------
// Responses and pushes (clearnode -> client)
// ---------------------------------------------------------------------------

// AuthChallenge carries the challenge the wallet must sign.
type AuthChallenge struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerified is the result of an auth_verify request.
type AuthVerified struct {
	Address    common.Address `json:"address"`
	SessionKey common.Address `json:"session_key"`
	JWTToken   string         `json:"jwt_token"`
	Success    bool           `json:"success"`
}

// ChannelCreated carries the counterparty's channel skeleton and unsigned
// initial state.
type ChannelCreated struct {
	ChannelID       common.Hash   `json:"channel_id"`
	Channel         ChannelDef    `json:"channel"`
	State           State         `json:"state"`
	ServerSignature hexutil.Bytes `json:"server_signature"`
}

// ChannelResized carries the co-signed resize state.
type ChannelResized struct {
	ChannelID       common.Hash   `json:"channel_id"`
	State           State         `json:"state"`
	ServerSignature hexutil.Bytes `json:"server_signature"`
}

// ChannelClosed carries the co-signed final state.
type ChannelClosed struct {
	ChannelID       common.Hash   `json:"channel_id"`
	State           State         `json:"state"`
	ServerSignature hexutil.Bytes `json:"server_signature"`
}

// ChannelsPush lists the participant's channels. Sent after authentication.
type ChannelsPush struct {
	Channels []ChannelInfo `json:"channels"`
}

// ChannelUpdate pushes a change to a single channel.
type ChannelUpdate struct {
	ChannelInfo
}

// BalanceUpdate pushes changed unified balances.
type BalanceUpdate struct {
	BalanceUpdates []Balance `json:"balance_updates"`
}

// LedgerBalances answers get_ledger_balances.
type LedgerBalances struct {
	LedgerBalances []Balance `json:"ledger_balances"`
}

// ErrorReply is a protocol-level error reply.
type ErrorReply struct {
	Reason string `json:"error"`
}

func (AuthRequest) Method() Method       { return MethodAuthRequest }
func (AuthVerify) Method() Method        { return MethodAuthVerify }
func (CreateChannel) Method() Method     { return MethodCreateChannel }
func (ResizeChannel) Method() Method     { return MethodResizeChannel }
func (CloseChannel) Method() Method      { return MethodCloseChannel }
func (GetLedgerBalances) Method() Method { return MethodGetLedgerBalances }
func (AuthChallenge) Method() Method     { return MethodAuthChallenge }
func (AuthVerified) Method() Method      { return MethodAuthVerify }
func (ChannelCreated) Method() Method    { return MethodCreateChannel }
func (ChannelResized) Method() Method    { return MethodResizeChannel }
func (ChannelClosed) Method() Method     { return MethodCloseChannel }
func (ChannelsPush) Method() Method      { return MethodChannels }
func (ChannelUpdate) Method() Method     { return MethodChannelUpdate }
func (BalanceUpdate) Method() Method     { return MethodBalanceUpdate }
func (LedgerBalances) Method() Method    { return MethodGetLedgerBalances }
func (ErrorReply) Method() Method        { return MethodError }

func (AuthRequest) isResponse() bool       { return false }
func (AuthVerify) isResponse() bool        { return false }
func (CreateChannel) isResponse() bool     { return false }
func (ResizeChannel) isResponse() bool     { return false }
func (CloseChannel) isResponse() bool      { return false }
func (GetLedgerBalances) isResponse() bool { return false }
func (AuthChallenge) isResponse() bool     { return true }
func (AuthVerified) isResponse() bool      { return true }
func (ChannelCreated) isResponse() bool    { return true }
func (ChannelResized) isResponse() bool    { return true }
func (ChannelClosed) isResponse() bool     { return true }
func (ChannelsPush) isResponse() bool      { return true }
func (ChannelUpdate) isResponse() bool     { return true }
func (BalanceUpdate) isResponse() bool     { return true }
func (LedgerBalances) isResponse() bool    { return true }
func (ErrorReply) isResponse() bool        { return true }
