// Package audit implements the non-blocking request audit trail.
//
// Records are written to an internal buffered channel and flushed in batches
// by a background goroutine — so auditing never blocks the proxy hot path.
// If the channel fills up (> 10 000 records), new records are dropped and
// counted. Sink failures are logged and never surfaced to the request.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Sink receives flushed audit batches.
type Sink interface {
	WriteBatch(ctx context.Context, recs []models.AuditRecord) error
	Close() error
}

// Recorder buffers audit records and flushes them to a Sink in batches.
type Recorder struct {
	ch        chan models.AuditRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	sink      Sink
	baseCtx   context.Context
	log       *slog.Logger
	onDropped func()
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithDropCallback installs a hook invoked once per dropped record; used to
// feed the metrics counter.
func WithDropCallback(fn func()) Option {
	return func(r *Recorder) { r.onDropped = fn }
}

// New starts a Recorder flushing into sink. ctx bounds the background
// flushes; Close drains what is buffered.
func New(ctx context.Context, sink Sink, log *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		ch:      make(chan models.AuditRecord, channelBuffer),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: ctx,
		log:     log,
	}
	for _, o := range opts {
		o(r)
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Record enqueues one audit record. Never blocks; a full buffer drops the
// record and bumps the drop counter.
func (r *Recorder) Record(rec models.AuditRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
		if r.onDropped != nil {
			r.onDropped()
		}
	}
}

// Dropped returns the number of records lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains the buffer, flushes, and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]models.AuditRecord, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.sink.WriteBatch(r.baseCtx, batch); err != nil {
			r.log.Error("audit flush failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
