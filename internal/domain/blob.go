package domain

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Settlement is the archived record of a closed channel: the final mirrored
// channel plus every transition it went through.
type Settlement struct {
	Channel    Channel        `json:"channel"`
	Events     []ChannelEvent `json:"events"`
	Withdrawn  string         `json:"withdrawn,omitempty"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// SettlementArchive stores settlements of closed channels in cold storage.
type SettlementArchive interface {
	Archive(ctx context.Context, s Settlement) (string, error)
	Load(ctx context.Context, channelID common.Hash) (Settlement, error)
}
