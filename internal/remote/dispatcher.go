package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/semaphore"

	"github.com/Norgate-AV/compilerd/internal/codes"
	"github.com/Norgate-AV/compilerd/internal/compiler"
	"github.com/Norgate-AV/compilerd/internal/logging"
	"github.com/Norgate-AV/compilerd/internal/metrics"
)

const (
	// DefaultAbandonedTTL is how long an abandoned job still accepts a late result
	DefaultAbandonedTTL = 10 * time.Minute

	// DefaultLateWriters bounds concurrent late result handlers
	DefaultLateWriters = 8
)

// LateResultHandler receives results for jobs whose caller already gave up
type LateResultHandler func(job *Job, result *compiler.Result)

// Dispatcher submits jobs to remote workers and matches completion events back
// to the waiting caller
type Dispatcher struct {
	queue   Queue
	events  EventStream
	workers WorkerDirectory
	retrier *Retrier
	logger  logr.Logger

	mu      sync.Mutex
	waiters map[string]chan Event

	abandoned *ttlcache.Cache[string, *Job]
	late      LateResultHandler

	// Late handlers run off the event stream's read loop
	lateSlots *semaphore.Weighted
	lateWG    sync.WaitGroup
}

// NewDispatcher wires the transports together. Deliver must be installed as
// the event stream's handler.
func NewDispatcher(queue Queue, events EventStream, workers WorkerDirectory, retrier *Retrier, logger logr.Logger) *Dispatcher {
	d := &Dispatcher{
		queue:   queue,
		events:  events,
		workers: workers,
		retrier: retrier,
		logger:  logger.WithName("dispatcher"),
		waiters: make(map[string]chan Event),
		abandoned: ttlcache.New(
			ttlcache.WithTTL[string, *Job](DefaultAbandonedTTL),
			ttlcache.WithDisableTouchOnHit[string, *Job](),
		),
		lateSlots: semaphore.NewWeighted(DefaultLateWriters),
	}

	d.abandoned.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Job]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}

		d.events.Unsubscribe(item.Key())
	})

	return d
}

// SetLateResultHandler installs h. Must be called before any Dispatch.
func (d *Dispatcher) SetLateResultHandler(h LateResultHandler) {
	d.late = h
}

// Run expires abandoned jobs until ctx ends, then waits for in-flight late
// result handlers
func (d *Dispatcher) Run(ctx context.Context) error {
	go d.abandoned.Start()
	<-ctx.Done()
	d.abandoned.Stop()
	d.lateWG.Wait()

	return nil
}

// Dispatch runs job remotely and waits for its result or for ctx to end.
// The caller's deadline bounds the whole exchange including retries.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) (*compiler.Result, error) {
	logger := d.logger.WithValues("job", job.ID.String(), "arch", job.Arch)

	var available bool
	err := d.retrier.Do(ctx, "availability", func(ctx context.Context) error {
		ok, err := d.workers.Available(ctx, job.Arch)
		available = ok

		return err
	})
	if err != nil {
		return nil, err
	}

	if !available {
		return nil, codes.Errorf(codes.Configuration, "no remote worker for arch %q", job.Arch)
	}

	id := job.ID.String()
	ch := d.register(id)

	err = d.retrier.Do(ctx, "subscribe", func(ctx context.Context) error {
		return d.events.Subscribe(ctx, id)
	})
	if err != nil {
		d.unregister(id)
		d.events.Unsubscribe(id)

		return nil, err
	}

	err = d.retrier.Do(ctx, "submit", func(ctx context.Context) error {
		return d.queue.Submit(ctx, job)
	})
	if err != nil {
		if ctx.Err() != nil {
			// The message may have gone out before the deadline hit
			d.abandon(job, ch)
		} else {
			d.unregister(id)
			d.events.Unsubscribe(id)
		}

		return nil, err
	}

	logger.V(logging.VERBOSE).Info("Submitted remote job")

	select {
	case ev := <-ch:
		d.events.Unsubscribe(id)
		return eventResult(ev)
	case <-ctx.Done():
		d.abandon(job, ch)
		logger.V(logging.DEFAULT).Info("Abandoned remote job", "err", ctx.Err().Error())

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, codes.Wrap(codes.Stale, ctx.Err(), "remote job did not complete in time")
		}

		return nil, ctx.Err()
	}
}

func (d *Dispatcher) register(id string) chan Event {
	ch := make(chan Event, 1)

	d.mu.Lock()
	d.waiters[id] = ch
	d.mu.Unlock()

	return ch
}

func (d *Dispatcher) unregister(id string) {
	d.mu.Lock()
	delete(d.waiters, id)
	d.mu.Unlock()
}

// abandon moves job from the waiting set to the abandoned set. An event that
// raced in first is treated as late.
func (d *Dispatcher) abandon(job *Job, ch chan Event) {
	id := job.ID.String()

	d.mu.Lock()
	delete(d.waiters, id)
	d.abandoned.Set(id, job, ttlcache.DefaultTTL)
	d.mu.Unlock()

	select {
	case ev := <-ch:
		d.Deliver(ev)
	default:
	}
}

// Deliver routes a completion event. It is safe to call from any goroutine
// and never waits on the late result handler.
func (d *Dispatcher) Deliver(ev Event) {
	d.mu.Lock()
	if ch, ok := d.waiters[ev.GUID]; ok {
		// buffered and sent at most once, so this never blocks
		delete(d.waiters, ev.GUID)
		ch <- ev
		d.mu.Unlock()

		return
	}
	d.mu.Unlock()

	item := d.abandoned.Get(ev.GUID)
	if item == nil {
		d.logger.V(logging.DEBUG).Info("Ignoring event for unknown job", "job", ev.GUID)
		return
	}

	d.abandoned.Delete(ev.GUID)
	d.events.Unsubscribe(ev.GUID)
	metrics.RemoteLateResults.Inc()

	job := item.Value()
	if ev.Error != "" || ev.Result == nil || d.late == nil || !job.CacheResult {
		return
	}

	if !d.lateSlots.TryAcquire(1) {
		d.logger.V(logging.DEFAULT).Info("Dropping late remote result, handlers busy", "job", ev.GUID)
		return
	}

	d.logger.V(logging.VERBOSE).Info("Late remote result", "job", ev.GUID, "fingerprint", job.Fingerprint.String())

	d.lateWG.Add(1)
	go func() {
		defer d.lateWG.Done()
		defer d.lateSlots.Release(1)

		d.late(job, ev.Result)
	}()
}

// Pending returns the number of jobs waiting on an event
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.waiters)
}

// Abandoned returns the number of abandoned jobs still tracked
func (d *Dispatcher) Abandoned() int {
	return d.abandoned.Len()
}

func eventResult(ev Event) (*compiler.Result, error) {
	if ev.Error != "" {
		return nil, codes.Wrap(codes.BackendUnavailable, fmt.Errorf("%s", ev.Error), "remote worker failed")
	}

	if ev.Result == nil {
		return nil, codes.Errorf(codes.BackendUnavailable, "remote worker sent no result")
	}

	res := *ev.Result
	res.Remote = true

	return &res, nil
}
