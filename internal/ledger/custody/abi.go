package custody

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// custodyABI covers the subset of the custody contract the coordinator uses.
const custodyABI = `[
{"type":"function","name":"create","stateMutability":"nonpayable",
 "inputs":[{"name":"ch","type":"tuple","components":[
   {"name":"participants","type":"address[]"},{"name":"adjudicator","type":"address"},
   {"name":"challenge","type":"uint64"},{"name":"nonce","type":"uint64"}]},
  {"name":"initial","type":"tuple","components":[
   {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
   {"name":"allocations","type":"tuple[]","components":[
     {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
   {"name":"sigs","type":"bytes[]"}]}],
 "outputs":[{"name":"channelId","type":"bytes32"}]},
{"type":"function","name":"resize","stateMutability":"nonpayable",
 "inputs":[{"name":"channelId","type":"bytes32"},
  {"name":"candidate","type":"tuple","components":[
   {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
   {"name":"allocations","type":"tuple[]","components":[
     {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
   {"name":"sigs","type":"bytes[]"}]},
  {"name":"proofs","type":"tuple[]","components":[
   {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
   {"name":"allocations","type":"tuple[]","components":[
     {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
   {"name":"sigs","type":"bytes[]"}]}],
 "outputs":[]},
{"type":"function","name":"close","stateMutability":"nonpayable",
 "inputs":[{"name":"channelId","type":"bytes32"},
  {"name":"candidate","type":"tuple","components":[
   {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
   {"name":"allocations","type":"tuple[]","components":[
     {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
   {"name":"sigs","type":"bytes[]"}]},
  {"name":"proofs","type":"tuple[]","components":[
   {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
   {"name":"allocations","type":"tuple[]","components":[
     {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
   {"name":"sigs","type":"bytes[]"}]}],
 "outputs":[]},
{"type":"function","name":"withdraw","stateMutability":"nonpayable",
 "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],
 "outputs":[]},
{"type":"function","name":"getAccountsBalances","stateMutability":"view",
 "inputs":[{"name":"users","type":"address[]"},{"name":"tokens","type":"address[]"}],
 "outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"getChannelBalances","stateMutability":"view",
 "inputs":[{"name":"channelId","type":"bytes32"},{"name":"tokens","type":"address[]"}],
 "outputs":[{"name":"balances","type":"uint256[]"}]},
{"type":"function","name":"getOpenChannels","stateMutability":"view",
 "inputs":[{"name":"accounts","type":"address[]"}],
 "outputs":[{"name":"","type":"bytes32[][]"}]},
{"type":"function","name":"getChannelData","stateMutability":"view",
 "inputs":[{"name":"channelId","type":"bytes32"}],
 "outputs":[
  {"name":"channel","type":"tuple","components":[
   {"name":"participants","type":"address[]"},{"name":"adjudicator","type":"address"},
   {"name":"challenge","type":"uint64"},{"name":"nonce","type":"uint64"}]},
  {"name":"status","type":"uint8"},
  {"name":"wallets","type":"address[]"},
  {"name":"challengeExpiry","type":"uint256"},
  {"name":"lastValidState","type":"tuple","components":[
   {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
   {"name":"allocations","type":"tuple[]","components":[
     {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
   {"name":"sigs","type":"bytes[]"}]}]}
]`

var parsedABI = mustParse(custodyABI)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("custody: parse abi: " + err.Error())
	}
	return parsed
}

// ABI returns the parsed custody contract ABI.
func ABI() abi.ABI {
	return parsedABI
}

// Tuple mirrors. Field names follow the ABI component names so the abi
// package can pack and convert them.

type abiChannel struct {
	Participants []common.Address
	Adjudicator  common.Address
	Challenge    uint64
	Nonce        uint64
}

type abiAllocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

type abiState struct {
	Intent      uint8
	Version     *big.Int
	Data        []byte
	Allocations []abiAllocation
	Sigs        [][]byte
}

func toABIChannel(def domain.ChannelDefinition) abiChannel {
	return abiChannel{
		Participants: def.Participants,
		Adjudicator:  def.Adjudicator,
		Challenge:    def.Challenge,
		Nonce:        def.Nonce,
	}
}

func toABIState(st domain.State) abiState {
	out := abiState{
		Intent:      uint8(st.Intent),
		Version:     new(big.Int).SetUint64(st.Version),
		Data:        st.Data,
		Allocations: make([]abiAllocation, 0, len(st.Allocations)),
		Sigs:        st.Sigs,
	}
	if out.Data == nil {
		out.Data = []byte{}
	}
	if out.Sigs == nil {
		out.Sigs = [][]byte{}
	}
	for _, a := range st.Allocations {
		amt := a.Amount
		if amt == nil {
			amt = new(big.Int)
		}
		out.Allocations = append(out.Allocations, abiAllocation{
			Destination: a.Destination,
			Token:       a.Token,
			Amount:      amt,
		})
	}
	return out
}

func toABIStates(states []domain.State) []abiState {
	out := make([]abiState, 0, len(states))
	for _, st := range states {
		out = append(out, toABIState(st))
	}
	return out
}

func fromABIState(st abiState) domain.State {
	out := domain.State{
		Intent:      domain.StateIntent(st.Intent),
		Data:        st.Data,
		Allocations: make([]domain.Allocation, 0, len(st.Allocations)),
		Sigs:        st.Sigs,
	}
	if st.Version != nil {
		out.Version = st.Version.Uint64()
	}
	for _, a := range st.Allocations {
		amt := new(big.Int)
		if a.Amount != nil {
			amt.Set(a.Amount)
		}
		out.Allocations = append(out.Allocations, domain.Allocation{
			Destination: a.Destination,
			Token:       a.Token,
			Amount:      amt,
		})
	}
	return out
}
