package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/metrics"
	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// Writer performs checkpoint writes asynchronously relative to the
// user-facing response path. A failed write is counted and logged, never
// surfaced to the request. The counters make the "non-fatal but visible"
// contract observable and testable.
type Writer struct {
	store  Store
	queue  chan writeReq
	logger *zap.Logger

	enqueued atomic.Int64
	written  atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type writeReq struct {
	sessionID string
	state     *models.WorkflowState
	sequence  int64
}

// Status is a snapshot of the writer's counters.
type Status struct {
	Enqueued int64 `json:"enqueued"`
	Written  int64 `json:"written"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
	Pending  int64 `json:"pending"`
}

// NewWriter starts the background write loop.
func NewWriter(store Store, queueSize int, logger *zap.Logger) *Writer {
	if queueSize < 1 {
		queueSize = 256
	}
	w := &Writer{
		store:  store,
		queue:  make(chan writeReq, queueSize),
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue snapshots the state and queues it for writing. The clone decouples
// the write from the request, which keeps mutating the original. A full queue
// drops the checkpoint rather than delaying the response.
func (w *Writer) Enqueue(sessionID string, state *models.WorkflowState, sequence int64) {
	snapshot, err := state.Clone()
	if err != nil {
		w.failed.Add(1)
		metrics.CheckpointWriteFailures.Inc()
		w.logger.Error("Failed to snapshot state for checkpoint",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}

	select {
	case w.queue <- writeReq{sessionID: sessionID, state: snapshot, sequence: sequence}:
		w.enqueued.Add(1)
	default:
		w.dropped.Add(1)
		metrics.CheckpointQueueDropped.Inc()
		w.logger.Warn("Checkpoint queue full, dropping checkpoint",
			zap.String("session_id", sessionID),
			zap.Int64("sequence", sequence),
		)
	}
}

// Status returns the current counters.
func (w *Writer) Status() Status {
	enq := w.enqueued.Load()
	wr := w.written.Load()
	fl := w.failed.Load()
	return Status{
		Enqueued: enq,
		Written:  wr,
		Failed:   fl,
		Dropped:  w.dropped.Load(),
		Pending:  enq - wr - fl,
	}
}

// Flush blocks until all enqueued checkpoints have settled or ctx expires.
func (w *Writer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if w.Status().Pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the write loop after draining the queue.
func (w *Writer) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Writer) run() {
	defer close(w.doneCh)
	for {
		select {
		case req := <-w.queue:
			w.write(req)
		case <-w.stopCh:
			// Drain what's left before exiting.
			for {
				select {
				case req := <-w.queue:
					w.write(req)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(req writeReq) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metrics.CheckpointWrites.Inc()
	if err := w.store.Save(ctx, req.sessionID, req.state, req.sequence); err != nil {
		w.failed.Add(1)
		metrics.CheckpointWriteFailures.Inc()
		w.logger.Error("Checkpoint write failed",
			zap.String("session_id", req.sessionID),
			zap.Int64("sequence", req.sequence),
			zap.Error(err),
		)
		return
	}
	w.written.Add(1)
	w.logger.Debug("Checkpoint written",
		zap.String("session_id", req.sessionID),
		zap.Int64("sequence", req.sequence),
	)
}
