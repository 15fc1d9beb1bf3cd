package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 16 << 20
)

// ExecutionSource lists execution records by completion time.
type ExecutionSource interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]domain.Order, error)
}

// Archiver implements domain.Archiver. It copies one UTC day of execution
// records to archive/executions/YYYY-MM-DD.jsonl. Records stay in the
// primary store; pruning is a separate decision.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	source ExecutionSource
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, source ExecutionSource, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		source: source,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchivePath is the object key for day's execution archive.
func ArchivePath(day time.Time) string {
	return fmt.Sprintf("archive/executions/%s.jsonl", day.UTC().Format("2006-01-02"))
}

// ArchiveExecutions uploads the records completed on day. A day that is
// already archived, or has no records, is skipped and returns 0.
func (a *Archiver) ArchiveExecutions(ctx context.Context, day time.Time) (int64, error) {
	d := day.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	path := ArchivePath(from)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
	}
	if exists {
		a.logger.DebugContext(ctx, "archiver: day already archived", slog.String("path", path))
		return 0, nil
	}

	orders, err := a.source.ListBetween(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query %s: %w", path, err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	count := int64(len(orders))
	a.logger.InfoContext(ctx, "archiver: executions archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int("bytes", len(buf)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.executions", map[string]any{
			"path":  path,
			"count": count,
			"day":   from.Format("2006-01-02"),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return count, nil
}

// Run archives the previous UTC day once per interval until ctx ends.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		day := time.Now().UTC().AddDate(0, 0, -1)
		if _, err := a.ArchiveExecutions(ctx, day); err != nil {
			a.logger.WarnContext(ctx, "archiver: archive failed",
				slog.String("day", day.Format("2006-01-02")),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// execRecord is the archived line format.
type execRecord struct {
	ID           string     `json:"id"`
	IntentID     string     `json:"intent_id"`
	Scope        string     `json:"scope"`
	Symbol       string     `json:"symbol"`
	Side         string     `json:"side"`
	Effect       string     `json:"effect"`
	Size         float64    `json:"size"`
	SizeType     string     `json:"size_type"`
	Token        uint64     `json:"token"`
	Status       string     `json:"status"`
	VenueOrderID string     `json:"venue_order_id,omitempty"`
	FillPrice    float64    `json:"fill_price,omitempty"`
	FillQuantity float64    `json:"fill_quantity,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// marshalJSONL writes one compact JSON object per line.
func marshalJSONL(orders []domain.Order) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, o := range orders {
		rec := execRecord{
			ID: o.ID, IntentID: o.IntentID, Scope: o.Scope, Symbol: o.Symbol,
			Side: string(o.Side), Effect: string(o.Effect), Size: o.Size, SizeType: string(o.SizeType),
			Token: o.Token, Status: string(o.Status), VenueOrderID: o.VenueOrderID,
			FillPrice: o.FillPrice, FillQuantity: o.FillQuantity, Reason: o.Reason, Error: o.Error,
			CreatedAt: o.CreatedAt, CompletedAt: o.CompletedAt,
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
