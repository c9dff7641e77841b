package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// multipartThreshold is the settlement size above which uploads go through
// the multipart uploader.
const multipartThreshold = 8 * 1024 * 1024

// SettlementArchive implements domain.SettlementArchive. Each closed channel
// becomes two objects under the prefix:
//
//	settlements/<channel id>.json          the settlement document
//	settlements/<channel id>.events.jsonl  its transitions, one per line
//
// Archiving is recorded in the audit log when one is set.
type SettlementArchive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	prefix string
	now    func() time.Time
}

var _ domain.SettlementArchive = (*SettlementArchive)(nil)

// NewSettlementArchive creates a SettlementArchive. audit may be nil.
func NewSettlementArchive(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *SettlementArchive {
	return &SettlementArchive{
		writer: writer,
		reader: reader,
		audit:  audit,
		prefix: "settlements",
		now:    time.Now,
	}
}

// Archive uploads s and returns the path of the settlement document.
func (a *SettlementArchive) Archive(ctx context.Context, s domain.Settlement) (string, error) {
	if s.ArchivedAt.IsZero() {
		s.ArchivedAt = a.now().UTC()
	}
	id := s.Channel.ID

	doc, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", id.Hex(), err)
	}
	path := a.documentPath(id)
	if len(doc) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(doc), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(doc), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", id.Hex(), err)
	}

	if len(s.Events) > 0 {
		lines, err := marshalJSONL(s.Events)
		if err != nil {
			return path, fmt.Errorf("s3blob: archive %s events marshal: %w", id.Hex(), err)
		}
		if err := a.writer.Put(ctx, a.eventsPath(id), bytes.NewReader(lines), "application/x-ndjson"); err != nil {
			return path, fmt.Errorf("s3blob: archive %s events upload: %w", id.Hex(), err)
		}
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.settlement", map[string]any{
			"channel_id": id.Hex(),
			"path":       path,
			"events":     len(s.Events),
			"withdrawn":  s.Withdrawn,
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive %s audit log: %w", id.Hex(), err)
		}
	}
	return path, nil
}

// Load reads back the settlement of a channel. It fails with
// domain.ErrNotFound when none was archived.
func (a *SettlementArchive) Load(ctx context.Context, channelID common.Hash) (domain.Settlement, error) {
	body, err := a.reader.Get(ctx, a.documentPath(channelID))
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("s3blob: load settlement %s: %w", channelID.Hex(), err)
	}
	defer body.Close()

	var s domain.Settlement
	if err := json.NewDecoder(body).Decode(&s); err != nil {
		return domain.Settlement{}, fmt.Errorf("s3blob: decode settlement %s: %w", channelID.Hex(), err)
	}
	return s, nil
}

func (a *SettlementArchive) documentPath(id common.Hash) string {
	return fmt.Sprintf("%s/%s.json", a.prefix, id.Hex())
}

func (a *SettlementArchive) eventsPath(id common.Hash) string {
	return fmt.Sprintf("%s/%s.events.jsonl", a.prefix, id.Hex())
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
