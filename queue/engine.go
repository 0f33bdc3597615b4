package queue

import (
	"context"
	"sync"
	"time"

	"github.com/submitd/submitd/applog"
	"github.com/submitd/submitd/metrics"
	"github.com/submitd/submitd/policy"
	"github.com/submitd/submitd/transport"
)

// DefaultWorkers is the default number of concurrent sender goroutines, matching the "multiple
// worker threads (configurable, default 4)" scheduling model.
const DefaultWorkers = 4

// Engine drives destinations through Queued -> Inflight -> PendingCleanup, resolving and sending
// each one via a transport.Transport and consulting a policy.Host for retry/reject decisions.
// There is no global ordering across destinations: only the atomic rename sequence in Storage
// orders anything, and only for a single destination at a time.
type Engine struct {
	Storage   Storage
	Transport transport.Transport
	Policy    policy.Host
	Logger    *applog.Logger
	Workers   int
	// Metrics, if set, receives queue depth and transport outcome observations.
	Metrics *metrics.Collectors

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine constructs an Engine with DefaultWorkers sender goroutines.
func NewEngine(storage Storage, tr transport.Transport, host policy.Host) *Engine {
	return &Engine{
		Storage:   storage,
		Transport: tr,
		Policy:    host,
		Logger:    &applog.Logger{ComponentName: "queue-engine"},
		Workers:   DefaultWorkers,
	}
}

// Run recovers interrupted work, then starts the scanner/scheduler/sender/cleanup goroutines.
// It blocks until ctx is cancelled, then waits for in-flight work started before cancellation to
// return from its current step (sends in progress are not forcibly interrupted; see the
// concurrency model's documented shutdown gap).
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	if err := e.recover(ctx); err != nil {
		return err
	}

	due := make(chan QueueId, 256)
	cleanup := make(chan QueueId, 256)

	e.wg.Add(1)
	go e.runScanner(ctx, due, cleanup)

	for i := 0; i < e.Workers; i++ {
		e.wg.Add(1)
		go e.runSender(ctx, due)
	}
	e.wg.Add(1)
	go e.runCleanupWorker(ctx, cleanup)

	<-ctx.Done()
	e.wg.Wait()
	return nil
}

// Stop requests Run to return and waits for its goroutines to drain their current step.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// recover enumerates Inflight (workers interrupted mid-flight by a prior crash) and
// PendingCleanup (cleanups interrupted) before accepting new scheduling decisions.
func (e *Engine) recover(ctx context.Context) error {
	inflight, err := e.Storage.FindInflight(ctx)
	if err != nil {
		e.Policy.LogStorageError(err, "")
		return nil
	}
	for _, m := range inflight {
		delay := e.Policy.FoundInflightCheckDelay()
		id := m.ID
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			e.sendOne(ctx, id)
		}()
	}

	cleanups, err := e.Storage.FindPendingCleanup(ctx)
	if err != nil {
		e.Policy.LogStorageError(err, "")
		return nil
	}
	for _, m := range cleanups {
		if _, err := e.Storage.Cleanup(ctx, m.ID); err != nil {
			e.Policy.LogStorageError(err, string(m.ID))
		}
	}
	return nil
}

// runScanner polls the Queued sub-queue, pushing destinations whose schedule is due onto due,
// and polls PendingCleanup, pushing everything found onto cleanup.
func (e *Engine) runScanner(ctx context.Context, due chan<- QueueId, cleanup chan<- QueueId) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanOnce(ctx, due, cleanup)
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context, due chan<- QueueId, cleanup chan<- QueueId) {
	queued, err := e.Storage.ListQueue(ctx)
	if err != nil {
		e.Policy.LogStorageError(err, "")
	} else {
		if e.Metrics != nil {
			e.Metrics.QueueDepth.WithLabelValues("queued").Set(float64(len(queued)))
		}
		now := time.Now()
		for _, m := range queued {
			if !m.Schedule.At.After(now) {
				select {
				case due <- m.ID:
				case <-ctx.Done():
					return
				default:
					// channel full; this id will be picked up on the next scan
				}
			}
		}
	}
	pending, err := e.Storage.FindPendingCleanup(ctx)
	if err != nil {
		e.Policy.LogStorageError(err, "")
		return
	}
	if e.Metrics != nil {
		e.Metrics.QueueDepth.WithLabelValues("pending_cleanup").Set(float64(len(pending)))
	}
	for _, m := range pending {
		select {
		case cleanup <- m.ID:
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runSender claims and sends destinations pulled off due. Contention on the same destination is
// resolved entirely by Storage.SendStart; a losing goroutine simply drops the task.
func (e *Engine) runSender(ctx context.Context, due <-chan QueueId) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-due:
			e.sendOne(ctx, id)
		}
	}
}

func (e *Engine) sendOne(ctx context.Context, id QueueId) {
	ok, err := e.Storage.SendStart(ctx, id)
	if err != nil {
		e.Policy.LogStorageError(err, string(id))
		return
	}
	if !ok {
		return // another worker won the claim
	}

	meta, body, err := e.Storage.ReadInflight(ctx, id)
	if err != nil {
		e.Policy.LogStorageError(err, string(id))
		e.Storage.SendCancel(ctx, id)
		return
	}
	defer body.Close()

	sendErr := e.Transport.Send(ctx, meta.Sender, []string{meta.Recipient}, body)
	if e.Metrics != nil {
		label := "delivered"
		if sendErr != nil {
			if sev, ok := transport.SeverityOf(sendErr); ok {
				label = sev.String()
			} else {
				label = "unknown"
			}
		}
		e.Metrics.TransportOutcomes.WithLabelValues(label).Inc()
	}
	if sendErr == nil {
		if err := e.Storage.SendDone(ctx, id); err != nil {
			e.Policy.LogStorageError(err, string(id))
		}
		return
	}

	if transport.IsPermanent(sendErr) {
		// Drop acts on Queued destinations, so the claim is released first.
		if err := e.Storage.SendCancel(ctx, id); err != nil {
			e.Policy.LogStorageError(err, string(id))
			return
		}
		if err := e.Storage.Drop(ctx, id); err != nil {
			e.Policy.LogStorageError(err, string(id))
		}
		return
	}

	if err := e.Storage.SendCancel(ctx, id); err != nil {
		e.Policy.LogStorageError(err, string(id))
		return
	}
	e.rescheduleOrDrop(ctx, id)
}

func (e *Engine) rescheduleOrDrop(ctx context.Context, id QueueId) {
	queued, err := e.Storage.ListQueue(ctx)
	if err != nil {
		e.Policy.LogStorageError(err, string(id))
		return
	}
	var current Schedule
	found := false
	for _, m := range queued {
		if m.ID == id {
			current = m.Schedule
			found = true
			break
		}
	}
	if !found {
		return
	}
	attempt := current.Attempt + 1
	delay, ok := e.Policy.NextInterval(attempt)
	if !ok {
		if err := e.Storage.Drop(ctx, id); err != nil {
			e.Policy.LogStorageError(err, string(id))
		}
		return
	}
	next := Schedule{At: time.Now().Add(delay), LastAttempt: time.Now(), Attempt: attempt}
	if err := e.Storage.Reschedule(ctx, id, next); err != nil {
		e.Policy.LogStorageError(err, string(id))
	}
}

// runCleanupWorker consumes PendingCleanup destinations and removes their on-disk state.
func (e *Engine) runCleanupWorker(ctx context.Context, cleanup <-chan QueueId) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-cleanup:
			if _, err := e.Storage.Cleanup(ctx, id); err != nil {
				e.Policy.LogStorageError(err, string(id))
			}
		}
	}
}
