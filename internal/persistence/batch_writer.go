// Package persistence buffers SQLite writes and commits them in batches.
package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// WriteOp is one statement queued for the next batch.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriterMetrics reports batch statistics.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// BatchWriter groups writes into one transaction per flush. A flush happens when maxSize ops are
// buffered, every interval, and on Close.
type BatchWriter struct {
	db       *sql.DB
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []WriteOp
	last   struct {
		size int
		at   time.Time
	}

	writes  atomic.Uint64
	batches atomic.Uint64
	errors  atomic.Uint64

	// AfterFlush, when set, runs after every successful commit.
	AfterFlush func(ctx context.Context, tx *sql.Tx) error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBatchWriter starts a writer. Defaults: 50 ops, 500ms.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       db,
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]WriteOp, 0, maxSize),
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// Write queues op and flushes synchronously when the buffer is full.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Batch flush failed")
		}
	}
}

// WriteQuery queues a single statement.
func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{Query: query, Args: args})
}

// Flush commits everything buffered so far in one transaction. On failure the batch is dropped
// and counted as an error.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.execute(ctx, ops)
}

func (bw *BatchWriter) execute(ctx context.Context, ops []WriteOp) error {
	bw.writes.Add(uint64(len(ops)))
	bw.batches.Add(1)
	bw.mu.Lock()
	bw.last.size = len(ops)
	bw.last.at = time.Now()
	bw.mu.Unlock()

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		bw.errors.Add(1)
		return err
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.errors.Add(1)
			return err
		}
	}
	if bw.AfterFlush != nil {
		if err := bw.AfterFlush(ctx, tx); err != nil {
			_ = tx.Rollback()
			bw.errors.Add(1)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		bw.errors.Add(1)
		return err
	}
	log.Debug().Int("ops", len(ops)).Msg("Batch flushed")
	return nil
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Background batch flush failed")
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Final batch flush failed")
			}
			return
		}
	}
}

// Pending returns the number of buffered ops.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics returns a snapshot of batch statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	size, at := bw.last.size, bw.last.at
	bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   bw.writes.Load(),
		TotalBatches:  bw.batches.Load(),
		TotalErrors:   bw.errors.Load(),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close flushes what is left and stops the background loop. Safe to call twice.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
