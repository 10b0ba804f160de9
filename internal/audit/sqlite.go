package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/internal/persistence"
	"execution-core/pkg/db"
)

// SQLiteSink persists entries through a batch writer and prunes each type to its cap on flush.
type SQLiteSink struct {
	writer *persistence.BatchWriter
}

// NewSQLiteSink starts a batched sink on database.
func NewSQLiteSink(database *db.Database, batchSize int, interval time.Duration) *SQLiteSink {
	w := persistence.NewBatchWriter(database.DB, batchSize, interval)
	w.AfterFlush = func(ctx context.Context, tx *sql.Tx) error {
		store := db.NewStore(tx)
		for _, typ := range []Type{TypeRequest, TypeResponse, TypeError, TypeInfo} {
			if err := store.PruneAudit(ctx, string(typ), MaxEntries); err != nil {
				return err
			}
		}
		return store.PruneAudit(ctx, string(TypeTrade), MaxTrades)
	}
	return &SQLiteSink{writer: w}
}

// Persist queues e.
func (s *SQLiteSink) Persist(e Entry) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Msg("Audit payload not serializable")
		return
	}
	s.writer.WriteQuery(db.InsertAuditQuery, e.ID, string(e.Type), string(payload), e.Timestamp.UTC())
}

// Flush commits queued entries now.
func (s *SQLiteSink) Flush(ctx context.Context) error {
	return s.writer.Flush(ctx)
}

// Close flushes and stops the writer.
func (s *SQLiteSink) Close() error {
	return s.writer.Close()
}

// Metrics exposes the underlying writer statistics.
func (s *SQLiteSink) Metrics() persistence.BatchWriterMetrics {
	return s.writer.Metrics()
}

// LoadEntries reads persisted entries, oldest first, for Log.Restore.
func LoadEntries(ctx context.Context, database *db.Database) ([]Entry, error) {
	store := database.Store()
	var out []Entry
	for _, typ := range []Type{TypeRequest, TypeResponse, TypeError, TypeInfo, TypeTrade} {
		limit := MaxEntries
		if typ == TypeTrade {
			limit = MaxTrades
		}
		recs, err := store.ListAudit(ctx, string(typ), limit)
		if err != nil {
			return nil, fmt.Errorf("load audit: %w", err)
		}
		for _, r := range recs {
			e := Entry{ID: r.ID, Type: Type(r.Type), Timestamp: r.CreatedAt}
			if r.Payload != "" && r.Payload != "null" {
				if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
					log.Debug().Err(err).Str("id", r.ID).Msg("Skipping unreadable audit entry")
					continue
				}
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
