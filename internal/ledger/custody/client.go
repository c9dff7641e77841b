// Package custody talks to the on-chain custody contract that anchors
// payment channels: balance and channel reads, state submissions and
// withdrawals, each awaited to a mined receipt.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// Compile-time interface check.
var _ domain.Ledger = (*Client)(nil)

// Backend is the JSON-RPC surface the client needs. *ethclient.Client
// implements it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Wallet signs channel states and transactions. *crypto.Signer implements it.
type Wallet interface {
	Address() common.Address
	SignState(channelID common.Hash, st domain.State) ([]byte, error)
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Config holds the client settings.
type Config struct {
	ChainID uint64
	Custody common.Address
	// ConfirmTimeout bounds WaitReceipt.
	ConfirmTimeout time.Duration
	// PollInterval is the receipt polling interval.
	PollInterval time.Duration
	// GasMargin is added to estimates, in percent.
	GasMargin uint64
}

// Client is the go-ethereum implementation of domain.Ledger.
type Client struct {
	backend Backend
	wallet  Wallet
	cfg     Config
	chainID *big.Int
	logger  *slog.Logger

	// sendMu serialises nonce assignment for this wallet.
	sendMu sync.Mutex
}

// NewClient creates a custody client.
func NewClient(backend Backend, wallet Wallet, cfg Config, logger *slog.Logger) *Client {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 3 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.GasMargin == 0 {
		cfg.GasMargin = 20
	}
	return &Client{
		backend: backend,
		wallet:  wallet,
		cfg:     cfg,
		chainID: new(big.Int).SetUint64(cfg.ChainID),
		logger:  logger.With(slog.String("component", "custody")),
	}
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("custody: dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// AccountBalance returns the user's withdrawable custody balance of token.
func (c *Client) AccountBalance(ctx context.Context, user, token common.Address) (*big.Int, error) {
	out, err := c.call(ctx, "getAccountsBalances", []common.Address{user}, []common.Address{token})
	if err != nil {
		return nil, err
	}
	balances := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	if len(balances) == 0 {
		return new(big.Int), nil
	}
	return balances[0], nil
}

// ChannelBalance returns the amount of token locked in a channel.
func (c *Client) ChannelBalance(ctx context.Context, channelID common.Hash, token common.Address) (*big.Int, error) {
	out, err := c.call(ctx, "getChannelBalances", [32]byte(channelID), []common.Address{token})
	if err != nil {
		return nil, err
	}
	balances := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	if len(balances) == 0 {
		return new(big.Int), nil
	}
	return balances[0], nil
}

// ChannelData returns the ledger's record of a channel.
func (c *Client) ChannelData(ctx context.Context, channelID common.Hash) (domain.ChannelData, error) {
	out, err := c.call(ctx, "getChannelData", [32]byte(channelID))
	if err != nil {
		return domain.ChannelData{}, err
	}
	if len(out) != 5 {
		return domain.ChannelData{}, fmt.Errorf("custody: getChannelData: %d outputs", len(out))
	}

	ch := *abi.ConvertType(out[0], new(abiChannel)).(*abiChannel)
	status := *abi.ConvertType(out[1], new(uint8)).(*uint8)
	wallets := *abi.ConvertType(out[2], new([]common.Address)).(*[]common.Address)
	expiry := *abi.ConvertType(out[3], new(*big.Int)).(**big.Int)
	last := *abi.ConvertType(out[4], new(abiState)).(*abiState)

	return domain.ChannelData{
		Definition: domain.ChannelDefinition{
			Participants: ch.Participants,
			Adjudicator:  ch.Adjudicator,
			Challenge:    ch.Challenge,
			Nonce:        ch.Nonce,
		},
		Status:          domain.LedgerChannelStatus(status),
		Wallets:         wallets,
		ChallengeExpiry: expiry,
		LastValidState:  fromABIState(last),
	}, nil
}

// OpenChannels lists the ids of the user's open channels.
func (c *Client) OpenChannels(ctx context.Context, user common.Address) ([]common.Hash, error) {
	out, err := c.call(ctx, "getOpenChannels", []common.Address{user})
	if err != nil {
		return nil, err
	}
	ids := *abi.ConvertType(out[0], new([][][32]byte)).(*[][][32]byte)
	if len(ids) == 0 {
		return nil, nil
	}
	hashes := make([]common.Hash, 0, len(ids[0]))
	for _, id := range ids[0] {
		hashes = append(hashes, common.Hash(id))
	}
	return hashes, nil
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// SubmitCreate records a channel with its initial state, countersigned by
// the wallet.
func (c *Client) SubmitCreate(ctx context.Context, channelID common.Hash, def domain.ChannelDefinition, initial domain.State, serverSig []byte) (common.Hash, error) {
	signed, err := c.countersign(channelID, initial, serverSig)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transact(ctx, "create", toABIChannel(def), toABIState(signed))
}

// SubmitResize ratifies a resize state, proving it against the last valid
// states.
func (c *Client) SubmitResize(ctx context.Context, channelID common.Hash, candidate domain.State, serverSig []byte, proofs []domain.State) (common.Hash, error) {
	signed, err := c.countersign(channelID, candidate, serverSig)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transact(ctx, "resize", [32]byte(channelID), toABIState(signed), toABIStates(proofs))
}

// SubmitClose finalises a channel with a co-signed final state.
func (c *Client) SubmitClose(ctx context.Context, channelID common.Hash, final domain.State, serverSig []byte, proofs []domain.State) (common.Hash, error) {
	signed, err := c.countersign(channelID, final, serverSig)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transact(ctx, "close", [32]byte(channelID), toABIState(signed), toABIStates(proofs))
}

// SubmitWithdrawal moves custody funds back to the wallet.
func (c *Client) SubmitWithdrawal(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("custody: withdraw %v: %w", amount, domain.ErrInvalidArgument)
	}
	return c.transact(ctx, "withdraw", token, amount)
}

// WaitReceipt polls until tx is mined. A reverted transaction fails with
// domain.ErrTxReverted; exceeding ConfirmTimeout fails with domain.ErrTimeout.
func (c *Client) WaitReceipt(ctx context.Context, tx common.Hash) (domain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return domain.Receipt{}, fmt.Errorf("custody: tx %s: %w", tx.Hex(), domain.ErrTxReverted)
			}
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			c.logger.InfoContext(ctx, "transaction confirmed",
				slog.String("tx", tx.Hex()),
				slog.Uint64("block", block),
			)
			return domain.Receipt{TxHash: tx, BlockNumber: block, GasUsed: receipt.GasUsed}, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.WarnContext(ctx, "receipt lookup failed", slog.String("tx", tx.Hex()), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return domain.Receipt{}, fmt.Errorf("custody: tx %s not mined: %w", tx.Hex(), domain.ErrTimeout)
			}
			return domain.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// countersign prepends the wallet's state signature to the counterparty's.
func (c *Client) countersign(channelID common.Hash, st domain.State, serverSig []byte) (domain.State, error) {
	userSig, err := c.wallet.SignState(channelID, st)
	if err != nil {
		return domain.State{}, fmt.Errorf("custody: sign state: %w", err)
	}
	st.Sigs = [][]byte{userSig}
	if len(serverSig) > 0 {
		st.Sigs = append(st.Sigs, serverSig)
	}
	return st, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("custody: pack %s: %w", method, err)
	}
	to := c.cfg.Custody
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.wallet.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("custody: call %s: %w", method, err)
	}
	out, err := parsedABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("custody: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("custody: %s returned no values", method)
	}
	return out, nil
}

// transact builds, signs and broadcasts an EIP-1559 transaction.
func (c *Client) transact(ctx context.Context, method string, args ...any) (common.Hash, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: pack %s: %w", method, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := c.wallet.Address()
	to := c.cfg.Custody

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: %s: nonce: %w", method, err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: %s: gas tip: %w", method, err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: %s: head: %w", method, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: %s: estimate gas: %w", method, err)
	}
	gas += gas * c.cfg.GasMargin / 100

	tx, err := c.wallet.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	}), c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: %s: %w", method, err)
	}

	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("custody: %s: send: %w", method, err)
	}
	c.logger.InfoContext(ctx, "transaction sent",
		slog.String("method", method),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return tx.Hash(), nil
}
