package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// ChannelStore implements domain.ChannelStore using PostgreSQL.
type ChannelStore struct {
	pool *pgxpool.Pool
}

var _ domain.ChannelStore = (*ChannelStore)(nil)

// NewChannelStore creates a new ChannelStore backed by the given connection pool.
func NewChannelStore(pool *pgxpool.Pool) *ChannelStore {
	return &ChannelStore{pool: pool}
}

const channelSelectCols = `channel_id, participant, counterparty, adjudicator, chain_id,
	token, status, allocations, version, amount::text, last_tx, reason,
	created_at, updated_at`

// channelRow is the column form of a domain.Channel.
type channelRow struct {
	ID           string
	Participant  string
	Counterparty string
	Adjudicator  string
	ChainID      int64
	Token        string
	Status       string
	Allocations  []byte
	Version      int64
	Amount       string
	LastTx       string
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func toRow(ch domain.Channel) (channelRow, error) {
	allocs := ch.Allocations
	if allocs == nil {
		allocs = []domain.Allocation{}
	}
	allocJSON, err := json.Marshal(allocs)
	if err != nil {
		return channelRow{}, fmt.Errorf("marshal allocations: %w", err)
	}
	amount := "0"
	if ch.Amount != nil {
		amount = ch.Amount.String()
	}
	lastTx := ""
	if ch.LastTx != (common.Hash{}) {
		lastTx = ch.LastTx.Hex()
	}
	return channelRow{
		ID:           ch.ID.Hex(),
		Participant:  ch.Participants[0].Hex(),
		Counterparty: ch.Participants[1].Hex(),
		Adjudicator:  ch.Adjudicator.Hex(),
		ChainID:      int64(ch.ChainID),
		Token:        ch.Token.Hex(),
		Status:       string(ch.Status),
		Allocations:  allocJSON,
		Version:      int64(ch.Version),
		Amount:       amount,
		LastTx:       lastTx,
		Reason:       ch.Reason,
		CreatedAt:    ch.CreatedAt,
		UpdatedAt:    ch.UpdatedAt,
	}, nil
}

func (r channelRow) channel() (domain.Channel, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return domain.Channel{}, fmt.Errorf("channel %s: bad amount %q", r.ID, r.Amount)
	}
	var allocs []domain.Allocation
	if len(r.Allocations) > 0 {
		if err := json.Unmarshal(r.Allocations, &allocs); err != nil {
			return domain.Channel{}, fmt.Errorf("channel %s: unmarshal allocations: %w", r.ID, err)
		}
	}
	ch := domain.Channel{
		ID:           common.HexToHash(r.ID),
		Participants: [2]common.Address{common.HexToAddress(r.Participant), common.HexToAddress(r.Counterparty)},
		Adjudicator:  common.HexToAddress(r.Adjudicator),
		ChainID:      uint64(r.ChainID),
		Token:        common.HexToAddress(r.Token),
		Status:       domain.ChannelStatus(r.Status),
		Allocations:  allocs,
		Version:      uint64(r.Version),
		Amount:       amount,
		Reason:       r.Reason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastTx != "" {
		ch.LastTx = common.HexToHash(r.LastTx)
	}
	return ch, nil
}

func scanChannel(row pgx.Row) (domain.Channel, error) {
	var r channelRow
	if err := row.Scan(
		&r.ID, &r.Participant, &r.Counterparty, &r.Adjudicator, &r.ChainID,
		&r.Token, &r.Status, &r.Allocations, &r.Version, &r.Amount, &r.LastTx, &r.Reason,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return domain.Channel{}, err
	}
	return r.channel()
}

func scanChannels(rows pgx.Rows) ([]domain.Channel, error) {
	defer rows.Close()
	var out []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Upsert writes the snapshot. An older snapshot never overwrites a newer
// one, so out-of-order observer deliveries are harmless.
func (s *ChannelStore) Upsert(ctx context.Context, ch domain.Channel) error {
	r, err := toRow(ch)
	if err != nil {
		return fmt.Errorf("postgres: upsert channel %s: %w", ch.ID.Hex(), err)
	}

	const query = `
		INSERT INTO channels (
			channel_id, participant, counterparty, adjudicator, chain_id,
			token, status, allocations, version, amount, last_tx, reason,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10::numeric, $11, $12,
			$13, $14
		)
		ON CONFLICT (channel_id) DO UPDATE SET
			participant  = EXCLUDED.participant,
			counterparty = EXCLUDED.counterparty,
			adjudicator  = EXCLUDED.adjudicator,
			chain_id     = EXCLUDED.chain_id,
			token        = EXCLUDED.token,
			status       = EXCLUDED.status,
			allocations  = EXCLUDED.allocations,
			version      = EXCLUDED.version,
			amount       = EXCLUDED.amount,
			last_tx      = EXCLUDED.last_tx,
			reason       = EXCLUDED.reason,
			updated_at   = EXCLUDED.updated_at
		WHERE channels.updated_at <= EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		r.ID, r.Participant, r.Counterparty, r.Adjudicator, r.ChainID,
		r.Token, r.Status, r.Allocations, r.Version, r.Amount, r.LastTx, r.Reason,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert channel %s: %w", r.ID, err)
	}
	return nil
}

// GetByID returns the snapshot of one channel.
func (s *ChannelStore) GetByID(ctx context.Context, id common.Hash) (domain.Channel, error) {
	query := `SELECT ` + channelSelectCols + ` FROM channels WHERE channel_id = $1`
	ch, err := scanChannel(s.pool.QueryRow(ctx, query, id.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Channel{}, fmt.Errorf("postgres: channel %s: %w", id.Hex(), domain.ErrNotFound)
		}
		return domain.Channel{}, fmt.Errorf("postgres: get channel %s: %w", id.Hex(), err)
	}
	return ch, nil
}

// ListByParticipant returns the user's channels, newest first.
func (s *ChannelStore) ListByParticipant(ctx context.Context, participant common.Address, opts domain.ListOpts) ([]domain.Channel, error) {
	query := `SELECT ` + channelSelectCols + ` FROM channels WHERE participant = $1`
	args := []any{participant.Hex()}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list channels for %s: %w", participant.Hex(), err)
	}
	out, err := scanChannels(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan channels: %w", err)
	}
	return out, nil
}

// ListByStatus returns every channel in status, oldest update first.
func (s *ChannelStore) ListByStatus(ctx context.Context, status domain.ChannelStatus) ([]domain.Channel, error) {
	query := `SELECT ` + channelSelectCols + ` FROM channels WHERE status = $1 ORDER BY updated_at ASC`
	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s channels: %w", status, err)
	}
	out, err := scanChannels(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan channels: %w", err)
	}
	return out, nil
}
