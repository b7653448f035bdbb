package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/Norgate-AV/compilerd/internal/blobstore"
	"github.com/Norgate-AV/compilerd/internal/logging"
	"github.com/Norgate-AV/compilerd/internal/metrics"
	"github.com/Norgate-AV/compilerd/internal/request"
)

// Defaults
const (
	DefaultFlushInterval = 5 * time.Minute
	DefaultMaxBatch      = 1000
	DefaultQueueSize     = 4096
	DefaultPrefix        = "stats"

	shutdownFlushTimeout = 10 * time.Second
)

type Config struct {
	FlushInterval time.Duration
	MaxBatch      int
	QueueSize     int
	Prefix        string
}

// Emitter collects Records and writes them out as NDJSON objects. Note never
// blocks; a single goroutine started by Run owns the buffer.
type Emitter struct {
	store  blobstore.Store
	cfg    Config
	logger logr.Logger
	now    func() time.Time

	queue   chan Record
	dropped atomic.Int64
}

// NewEmitter creates an emitter writing to store. A nil store disables it.
func NewEmitter(store blobstore.Store, cfg Config, logger logr.Logger) *Emitter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}

	return &Emitter{
		store:  store,
		cfg:    cfg,
		logger: logger.WithName("stats"),
		now:    time.Now,
		queue:  make(chan Record, cfg.QueueSize),
	}
}

// Enabled reports whether records go anywhere
func (e *Emitter) Enabled() bool {
	return e != nil && e.store != nil
}

// Note enqueues a record for req, dropping it if the queue is full
func (e *Emitter) Note(req *request.CompilationRequest) {
	if !e.Enabled() {
		return
	}

	select {
	case e.queue <- NewRecord(req):
		metrics.StatsRecords.WithLabelValues("queued").Inc()
	default:
		e.dropped.Add(1)
		metrics.StatsRecords.WithLabelValues("dropped").Inc()
	}
}

// Dropped returns how many records were discarded because the queue was full
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Run flushes on the configured interval or whenever MaxBatch records are
// buffered, and once more when ctx ends
func (e *Emitter) Run(ctx context.Context) error {
	if !e.Enabled() {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	buf := make([]Record, 0, e.cfg.MaxBatch)

	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case rec := <-e.queue:
					buf = append(buf, rec)
				default:
					drained = true
				}
			}

			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			e.flush(flushCtx, buf)
			cancel()

			return nil
		case <-ticker.C:
			buf = e.flush(ctx, buf)
		case rec := <-e.queue:
			buf = append(buf, rec)
			if len(buf) >= e.cfg.MaxBatch {
				buf = e.flush(ctx, buf)
			}
		}
	}
}

// flush writes buf and returns a fresh buffer. Failures are logged and the
// batch is discarded.
func (e *Emitter) flush(ctx context.Context, buf []Record) []Record {
	if len(buf) == 0 {
		return buf
	}

	batch := buf
	fresh := make([]Record, 0, e.cfg.MaxBatch)

	body, err := encode(batch)
	if err != nil {
		e.logger.Error(err, "Failed to encode stats batch", "records", len(batch))
		metrics.StatsRecords.WithLabelValues("lost").Add(float64(len(batch)))

		return fresh
	}

	key := e.objectKey(e.now())
	err = e.store.Put(ctx, key, body, blobstore.PutOptions{
		ContentType:  "application/x-ndjson",
		StorageClass: blobstore.StorageClassReducedRedundancy,
	})
	if err != nil {
		e.logger.Error(err, "Failed to write stats batch", "key", key, "records", len(batch))
		metrics.StatsRecords.WithLabelValues("lost").Add(float64(len(batch)))

		return fresh
	}

	e.logger.V(logging.VERBOSE).Info("Flushed stats", "key", key, "records", len(batch))
	metrics.StatsRecords.WithLabelValues("flushed").Add(float64(len(batch)))

	return fresh
}

// objectKey is <prefix>/YYYY/MM/DD/<timestamp>.json
func (e *Emitter) objectKey(t time.Time) string {
	t = t.UTC()

	return path.Join(
		e.cfg.Prefix,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		t.Format(time.RFC3339Nano)+".json",
	)
}

func encode(records []Record) ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}
