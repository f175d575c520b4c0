// Package history records binding events into Postgres.
//
// Every applied remote update, committed edit, and failed edit becomes one
// row in binding_history. Listeners only enqueue, so a slow database never
// stalls message delivery; rows are written in batches by a background loop.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/parambind/internal/connection"
)

// Schema creates the history table.
const Schema = `
CREATE TABLE IF NOT EXISTS binding_history (
	id          UUID PRIMARY KEY,
	binding     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	value       TEXT NOT NULL,
	request_id  BIGINT,
	recorded_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS binding_history_binding_idx
	ON binding_history (binding, recorded_at);
`

// DB is the subset of *pgxpool.Pool used by the Writer.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config configures a Writer.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time between flushes
	BufferSize    int           // Initial queue capacity
	MaxBuffer     int           // Queue capacity limit; records beyond it are dropped
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1024,
		MaxBuffer:     65536,
	}
}

// Record is one row of binding_history.
type Record struct {
	ID        uuid.UUID
	Binding   string
	Kind      connection.UpdateKind
	Value     string
	RequestID uint64
	At        time.Time
}

// NewRecord converts a binding update into a Record with a fresh ID.
func NewRecord(u connection.Update) Record {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	return Record{
		ID:        uuid.New(),
		Binding:   u.Name,
		Kind:      u.Kind,
		Value:     u.Value,
		RequestID: u.RequestID,
		At:        at,
	}
}

// Metrics tracks writer performance.
type Metrics struct {
	Inserts   int64      `json:"inserts"`
	Conflicts int64      `json:"conflicts"`
	Errors    int64      `json:"errors"`
	Flushes   int64      `json:"flushes"`
	Queue     QueueStats `json:"queue"`
}

// Writer batches Records into binding_history.
type Writer struct {
	cfg    Config
	db     DB
	logger *slog.Logger

	queue *Queue[Record]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	metrics Metrics
}

// NewWriter creates a Writer.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = def.MaxBuffer
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		queue:  NewQueue[Record](cfg.BufferSize, cfg.MaxBuffer),
	}
}

// EnsureSchema creates the history table if it does not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}

// Watch records every event of b.
func (w *Writer) Watch(b *connection.Binding) {
	for _, kind := range []connection.UpdateKind{
		connection.RemoteUpdate,
		connection.EditCommitted,
		connection.EditFailed,
	} {
		b.AddListener(kind, w.Observe)
	}
}

// Observe queues u. It never blocks.
func (w *Writer) Observe(u connection.Update) {
	if !w.queue.Push(NewRecord(u)) {
		w.logger.Debug("history record dropped", "name", u.Name, "kind", u.Kind)
	}
}

// Start begins writing queued records.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("history writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop flushes what is queued and shuts down the writer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping history writer")

	w.queue.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("history writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	for w.queue.Len() > 0 {
		if !w.flush(ctx) {
			break
		}
	}

	w.logger.Info("history writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.mu.Lock()
	m := w.metrics
	w.mu.Unlock()
	m.Queue = w.queue.Stats()
	return m
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		case <-w.queue.Ready():
			for w.queue.Len() >= w.cfg.BatchSize {
				if !w.flush(w.ctx) {
					break
				}
			}
		}
	}
}

// flush writes up to one batch. It returns false if the insert failed.
func (w *Writer) flush(ctx context.Context) bool {
	rows := w.queue.PopN(w.cfg.BatchSize)
	if len(rows) == 0 {
		return true
	}

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, rows)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(rows))
		w.mu.Lock()
		w.metrics.Errors++
		w.mu.Unlock()
		return false
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(rows) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed history",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return true
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []Record) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO binding_history (id, binding, kind, value, request_id, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.Binding, r.Kind.String(), r.Value, requestID(r), r.At.UnixMicro())
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

// requestID is NULL for unsolicited updates.
func requestID(r Record) *int64 {
	if r.Kind == connection.RemoteUpdate {
		return nil
	}
	id := int64(r.RequestID)
	return &id
}
