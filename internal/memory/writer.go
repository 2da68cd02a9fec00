package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/providers/memorystore"
)

// Writer is the single background worker draining a multi-producer queue of
// memory Operations: it dedupes by hash within a time window, batches
// same-(user,kind) operations arriving close together into one store call,
// and retries failed vendor calls with exponential backoff. Every error is
// retried the same way, whether transient (timeouts, 5xx) or a 4xx rejection.
type Writer struct {
	store  *memorystore.Client
	logger orchestrator.Logger
	cfg    orchestrator.Config

	queue chan Operation

	mu    sync.Mutex
	seen  map[string]time.Time // dedupe hash -> first-seen time

	wg sync.WaitGroup
}

func NewWriter(store *memorystore.Client, cfg orchestrator.Config, logger orchestrator.Logger) *Writer {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Writer{
		store:  store,
		logger: logger,
		cfg:    cfg,
		queue:  make(chan Operation, 1024),
		seen:   make(map[string]time.Time),
	}
}

// Submit enqueues op for writing. Safe to call from many goroutines (live
// Turns and the Background Analyzer both submit here); never blocks the
// caller — when the queue is full the incoming operation is dropped with a
// logged warning rather than stalling a Turn on memory-store latency.
func (w *Writer) Submit(op Operation) {
	select {
	case w.queue <- op:
	default:
		w.logger.Warn("memory writer queue full, dropping operation", "userID", op.UserID, "kind", op.Kind)
	}
}

// Run is the single worker goroutine; call it once from the process's
// lifecycle manager and let ctx cancellation stop it.
func (w *Writer) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	batchWindow := time.Duration(w.cfg.MemoryBatchWindowMS) * time.Millisecond
	pending := make(map[string][]Operation) // batch key -> ops
	timer := time.NewTimer(batchWindow)
	defer timer.Stop()

	flush := func() {
		for key, ops := range pending {
			delete(pending, key)
			w.writeBatch(ctx, ops)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case op, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			if w.isDuplicate(op) {
				continue
			}
			key := op.UserID + "|" + string(op.Kind)
			pending[key] = append(pending[key], op)
			if len(pending[key]) >= w.cfg.MemoryBatchMax {
				ops := pending[key]
				delete(pending, key)
				w.writeBatch(ctx, ops)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(batchWindow)
		case <-timer.C:
			flush()
			timer.Reset(batchWindow)
		}
	}
}

// Wait blocks until Run has returned, for orderly shutdown.
func (w *Writer) Wait() {
	w.wg.Wait()
}

func (w *Writer) isDuplicate(op Operation) bool {
	hash := op.DedupeHash()
	window := time.Duration(w.cfg.MemoryDedupeWindowS) * time.Second

	w.mu.Lock()
	defer w.mu.Unlock()

	if first, ok := w.seen[hash]; ok && time.Since(first) < window {
		return true
	}
	w.seen[hash] = time.Now()

	// opportunistic cleanup so the dedupe set doesn't grow unbounded
	for h, t := range w.seen {
		if time.Since(t) >= window {
			delete(w.seen, h)
		}
	}
	return false
}

// writeBatch issues one vendor call for ops that share a (user_id, kind) key
// (writeBatchOne) when there's more than one, since the store's batch
// endpoint only buys anything once there's something to coalesce; a single
// pending op just goes through writeOne.
func (w *Writer) writeBatch(ctx context.Context, ops []Operation) {
	if len(ops) == 0 {
		return
	}
	if len(ops) == 1 {
		if err := w.writeOne(ctx, ops[0]); err != nil {
			w.logger.Error("memory write failed permanently", "userID", ops[0].UserID, "kind", ops[0].Kind, "error", err)
		}
		return
	}
	if err := w.writeBatchOne(ctx, ops); err != nil {
		w.logger.Error("memory batch write failed permanently", "userID", ops[0].UserID, "kind", ops[0].Kind, "count", len(ops), "error", err)
	}
}

func (w *Writer) retryConfig() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(w.cfg.MemoryRetryBaseMS) * time.Millisecond
	b.MaxInterval = time.Duration(w.cfg.MemoryRetryCapMS) * time.Millisecond
	return b
}

func (w *Writer) writeOne(ctx context.Context, op Operation) error {
	operation := func() (struct{}, error) {
		err := w.store.Upsert(ctx, memorystore.UpsertRequest{
			UserID:  op.UserID,
			Kind:    string(op.Kind),
			Payload: op.Payload,
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("memory write: %w", err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(w.retryConfig()),
		backoff.WithMaxTries(uint(w.cfg.MemoryRetryMaxAttempts)),
	)
	return err
}

// writeBatchOne coalesces same-(user,kind) ops into one BatchUpsert call
// instead of one vendor round trip per op.
func (w *Writer) writeBatchOne(ctx context.Context, ops []Operation) error {
	payloads := make([]map[string]interface{}, len(ops))
	for i, op := range ops {
		payloads[i] = op.Payload
	}

	operation := func() (struct{}, error) {
		err := w.store.BatchUpsert(ctx, memorystore.BatchUpsertRequest{
			UserID:   ops[0].UserID,
			Kind:     string(ops[0].Kind),
			Payloads: payloads,
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("memory batch write: %w", err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(w.retryConfig()),
		backoff.WithMaxTries(uint(w.cfg.MemoryRetryMaxAttempts)),
	)
	return err
}
