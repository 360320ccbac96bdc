package importer

// export.go assembles the current-version export envelope for an owner. The
// exporter pages through storage in engine-sized chunks so an export of the
// maximum record count never materializes more than one page beyond the
// accumulating envelope, and optionally reports paging progress on a channel.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tagvault/internal/store"
)

// Exporter produces round-trippable export envelopes.
type Exporter struct {
	records  store.RecordStore
	progress *Publisher

	pageSize int
	now      func() time.Time
}

// NewExporter creates an exporter that pages through storage pageSize
// records at a time. A non-positive pageSize uses DefaultChunkSize.
func NewExporter(records store.RecordStore, progress *Publisher, pageSize int) *Exporter {
	if pageSize <= 0 {
		pageSize = DefaultChunkSize
	}
	return &Exporter{
		records:  records,
		progress: progress,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// Export returns every record owned by ownerID wrapped in a current-version
// envelope whose metadata echoes the owner's normalization rules. Storage
// failures abort the export; there is no partial envelope.
func (e *Exporter) Export(ctx context.Context, ownerID, channelID string) (*Payload, error) {
	total64, err := e.records.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	total := int(total64)

	e.publish(channelID, ProgressUpdate{
		Total:            total,
		Status:           ProgressStarted,
		CurrentOperation: "exporting records",
	})

	out := make([]ImportRecord, 0, total)
	for offset := 0; ; offset += e.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := e.records.ListByOwner(ctx, ownerID, offset, e.pageSize)
		if err != nil {
			e.publish(channelID, ProgressUpdate{
				Processed: len(out),
				Total:     total,
				Status:    ProgressError,
				Log:       "export aborted by a storage error",
			})
			return nil, fmt.Errorf("list records: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			out = append(out, ImportRecord{
				Content:   rec.Content,
				CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
				UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}

		e.publish(channelID, ProgressUpdate{
			Processed:        len(out),
			Total:            total,
			Status:           ProgressProcessing,
			CurrentOperation: "exporting records",
		})

		if len(page) < e.pageSize {
			break
		}
	}

	rules := DefaultNormalizationRules
	if stored, ok, err := e.records.Settings(ctx, ownerID); err != nil {
		slog.Warn("owner settings lookup failed, using defaults", "owner_id", ownerID, "error", err)
	} else if ok {
		rules = NormalizationRules{
			CaseSensitive: stored.CaseSensitive,
			RemoveAccents: stored.RemoveAccents,
		}
	}

	payload := &Payload{
		Version: VersionCurrent,
		Records: out,
		Metadata: &PayloadMetadata{
			ExportedAt:         e.now().UTC().Format(time.RFC3339),
			RecordCount:        len(out),
			NormalizationRules: &rules,
		},
	}

	e.publish(channelID, ProgressUpdate{
		Processed: len(out),
		Total:     len(out),
		Status:    ProgressCompleted,
	})
	return payload, nil
}

func (e *Exporter) publish(channelID string, update ProgressUpdate) {
	if e.progress == nil || channelID == "" {
		return
	}
	if err := e.progress.Publish(channelID, update); err != nil {
		slog.Warn("progress publish failed", "channel_id", channelID, "error", err)
	}
}
