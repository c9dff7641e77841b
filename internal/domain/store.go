package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ChannelStore persists snapshots of the coordinator's channel mirror.
type ChannelStore interface {
	Upsert(ctx context.Context, ch Channel) error
	GetByID(ctx context.Context, id common.Hash) (Channel, error)
	ListByParticipant(ctx context.Context, participant common.Address, opts ListOpts) ([]Channel, error)
	ListByStatus(ctx context.Context, status ChannelStatus) ([]Channel, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
