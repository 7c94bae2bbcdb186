package recorder

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/router"
)

// Config holds batch writer settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns default settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// Stats holds recorder counters.
type Stats struct {
	Received  int64
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// batchSender is satisfied by *pgxpool.Pool.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// row is one stream_messages record.
type row struct {
	Hash       int64
	ExchangeTs int64
	ReceivedAt int64 // microseconds
	Topic      string
	Type       string
	AssetID    *string
	Market     *string
	Symbol     *string
	Epoch      int64
	Payload    []byte
}

const insertSQL = `
	INSERT INTO stream_messages (msg_hash, exchange_ts, received_at, topic, msg_type, asset_id, market, symbol, epoch, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (msg_hash, exchange_ts) DO NOTHING
`

// Recorder persists routed messages in batches. Messages replayed by the
// server after a reconnect hash the same and are stored once.
type Recorder struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Input, typically a subscription stream
	input <-chan router.Message

	db batchSender

	// Batching
	batch   []row
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

// New creates a Recorder reading from input.
func New(cfg Config, input <-chan router.Message, db batchSender, logger *slog.Logger, m *metrics.Metrics) *Recorder {
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

	return &Recorder{
		cfg:     cfg,
		logger:  logger.With("component", "recorder"),
		metrics: m,
		input:   input,
		db:      db,
		batch:   make([]row, 0, cfg.BatchSize),
	}
}

// Start begins consuming messages and writing to the database.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts down the recorder and flushes what is buffered.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}

	// Final flush uses the caller's deadline; r.ctx is already cancelled.
	r.flush(ctx)

	r.logger.Info("recorder stopped", "inserts", r.Stats().Inserts)
	return nil
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.stats
}

// run consumes input and flushes on size or interval. It returns when the
// input closes or the recorder is stopped.
func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush(r.ctx)
		case msg, ok := <-r.input:
			if !ok {
				r.logger.Info("input closed")
				r.flush(r.ctx)
				return
			}
			r.handleMessage(msg)
		}
	}
}

func (r *Recorder) handleMessage(msg router.Message) {
	rw := transform(msg)

	r.batchMu.Lock()
	r.batch = append(r.batch, rw)
	r.stats.Received++
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush(r.ctx)
	}
}

// transform converts a routed message to a row.
func transform(msg router.Message) row {
	return row{
		Hash:       messageHash(msg),
		ExchangeTs: msg.Timestamp,
		ReceivedAt: msg.ReceivedAt.UnixMicro(),
		Topic:      msg.Topic,
		Type:       msg.Type,
		AssetID:    nullable(msg.AssetID),
		Market:     nullable(msg.Market),
		Symbol:     nullable(msg.Symbol),
		Epoch:      int64(msg.Epoch),
		Payload:    msg.Payload,
	}
}

// messageHash identifies a message by content, independent of when or on
// which epoch it arrived.
func messageHash(msg router.Message) int64 {
	d := xxhash.New()
	for _, s := range []string{msg.Topic, msg.Type, strconv.FormatInt(msg.Timestamp, 10), msg.AssetID, msg.Market, msg.Symbol} {
		d.WriteString(s)
		d.Write([]byte{0})
	}
	d.Write(msg.Payload)
	return int64(d.Sum64())
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// flush writes the current batch to the database.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]row, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(ctx, batch)
	r.metrics.ObserveFlush(time.Since(start))
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.stats.Errors++
		r.batchMu.Unlock()
		r.metrics.AddRecorderRows("error", len(batch))
		return
	}

	inserted := len(batch) - conflicts
	r.batchMu.Lock()
	r.stats.Inserts += int64(inserted)
	r.stats.Conflicts += int64(conflicts)
	r.stats.Flushes++
	r.batchMu.Unlock()

	r.metrics.AddRecorderRows("inserted", inserted)
	r.metrics.AddRecorderRows("conflict", conflicts)

	r.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, rw := range rows {
		batch.Queue(insertSQL,
			rw.Hash, rw.ExchangeTs, rw.ReceivedAt, rw.Topic, rw.Type,
			rw.AssetID, rw.Market, rw.Symbol, rw.Epoch, rw.Payload,
		)
	}

	results := r.db.SendBatch(ctx, batch)
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
