// Package orchestrator turns compilation requests into results. It serves from
// the compilation cache when it can, coalesces concurrent identical requests
// onto one unit of work, and runs that work locally under the concurrency gate
// or on a remote worker, abandoning it once the request goes stale.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/Norgate-AV/compilerd/internal/cache"
	"github.com/Norgate-AV/compilerd/internal/codes"
	"github.com/Norgate-AV/compilerd/internal/compiler"
	"github.com/Norgate-AV/compilerd/internal/gate"
	"github.com/Norgate-AV/compilerd/internal/logging"
	"github.com/Norgate-AV/compilerd/internal/metrics"
	"github.com/Norgate-AV/compilerd/internal/remote"
	"github.com/Norgate-AV/compilerd/internal/request"
)

const cacheWriteTimeout = 30 * time.Second

// Dispatcher runs a job on a remote worker
type Dispatcher interface {
	Dispatch(ctx context.Context, job *remote.Job) (*compiler.Result, error)
}

// Noter receives every request for usage statistics. Note must not block.
type Noter interface {
	Note(req *request.CompilationRequest)
}

type Config struct {
	Registry *compiler.Registry
	Cache    *cache.Tiered
	Gate     *gate.Gate
	Guard    Guard

	// Dispatcher and Stats are optional
	Dispatcher Dispatcher
	Stats      Noter

	Logger logr.Logger
}

// Orchestrator is safe for concurrent use. It exclusively owns the registry
// of in-flight work.
type Orchestrator struct {
	registry   *compiler.Registry
	cache      *cache.Tiered
	gate       *gate.Gate
	guard      Guard
	dispatcher Dispatcher
	stats      Noter
	logger     logr.Logger
	now        func() time.Time

	// inflight coalesces work by fingerprint
	inflight singleflight.Group
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("compiler registry is required")
	}

	if cfg.Gate == nil {
		return nil, errors.New("concurrency gate is required")
	}

	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.ChannelCompilation, cfg.Logger)
	}

	if cfg.Guard.MaxAge <= 0 {
		cfg.Guard = NewGuard(0)
	}

	return &Orchestrator{
		registry:   cfg.Registry,
		cache:      cfg.Cache,
		gate:       cfg.Gate,
		guard:      cfg.Guard,
		dispatcher: cfg.Dispatcher,
		stats:      cfg.Stats,
		logger:     cfg.Logger.WithName("orchestrator"),
		now:        time.Now,
	}, nil
}

// Compilers lists every configured compiler
func (o *Orchestrator) Compilers() []compiler.Info {
	return o.registry.List()
}

// outcome is what a unit of work hands to every attached caller
type outcome struct {
	result *compiler.Result
	source string
}

// Compile produces the result for req. A failed compilation is a Result with
// a non-zero Code; errors are reserved for codes.Configuration,
// codes.BackendUnavailable and codes.Stale, plus ctx.Err() when the caller
// itself goes away.
func (o *Orchestrator) Compile(ctx context.Context, req *request.CompilationRequest) (*compiler.Result, error) {
	if o.stats != nil {
		defer o.stats.Note(req)
	}

	res, source, err := o.compile(ctx, req)
	if err != nil {
		metrics.Requests.WithLabelValues(source, string(codes.CanonicalCode(err))).Inc()
		return nil, err
	}

	metrics.Requests.WithLabelValues(source, "ok").Inc()

	return res, nil
}

func (o *Orchestrator) compile(ctx context.Context, req *request.CompilationRequest) (*compiler.Result, string, error) {
	info, err := o.registry.Lookup(req.CompilerID)
	if err != nil {
		return nil, "none", err
	}

	if o.guard.Expired(req.ReceivedAt, o.now()) {
		return nil, "none", codes.Errorf(codes.Stale, "request is older than %s", o.guard.MaxAge)
	}

	versionCtx, cancel := context.WithDeadline(ctx, o.guard.Deadline(req.ReceivedAt))
	version, err := o.registry.Version(versionCtx, info.ID)
	expired := versionCtx.Err() != nil
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The caller went away; nothing is wrong with the compiler
			return nil, "none", ctx.Err()
		case expired || errors.Is(err, context.DeadlineExceeded):
			return nil, "none", codes.Wrap(codes.Stale, err, "deadline reached resolving compiler version")
		}

		return nil, "none", codes.Wrap(codes.Configuration, err, "failed to resolve version of "+info.ID)
	}

	fp := request.Fingerprint(req, version)
	logger := o.logger.WithValues("compiler", info.ID, "fingerprint", fp.String())

	if req.ServesFromCache() {
		if res, ok := o.lookup(ctx, logger, fp); ok {
			return res, "cache", nil
		}
	}

	ch := o.inflight.DoChan(fp.String(), func() (any, error) {
		return o.execute(logger, info, version, fp, req)
	})

	select {
	case r := <-ch:
		source := "coalesced"
		if r.Err != nil {
			if !r.Shared {
				source = "work"
			}

			return nil, source, r.Err
		}

		out := r.Val.(*outcome)
		if !r.Shared {
			source = out.source
		}

		res := *out.result

		return &res, source, nil
	case <-ctx.Done():
		// The shared unit keeps running for everyone else
		logger.V(logging.VERBOSE).Info("Caller left before result", "err", ctx.Err().Error())
		return nil, "none", ctx.Err()
	}
}

func (o *Orchestrator) lookup(ctx context.Context, logger logr.Logger, fp digest.Digest) (*compiler.Result, bool) {
	entry, ok := o.cache.Get(ctx, fp.String())
	if !ok {
		return nil, false
	}

	res, err := compiler.Decode(entry.Payload)
	if err != nil {
		logger.V(logging.DEFAULT).Info("Discarding undecodable cache entry", "tier", entry.Tier, "err", err.Error())
		return nil, false
	}

	res.Cached = true
	logger.V(logging.DEBUG).Info("Served from cache", "tier", entry.Tier)

	return res, true
}

// execute is the single unit of work for a fingerprint. It runs under the
// staleness deadline of the request that started it.
func (o *Orchestrator) execute(logger logr.Logger, info compiler.Info, version string, fp digest.Digest, req *request.CompilationRequest) (*outcome, error) {
	ctx, cancel := o.guard.WorkContext(req.ReceivedAt)
	defer cancel()

	ctx = logr.NewContext(ctx, logger)
	start := time.Now()

	var (
		res    *compiler.Result
		err    error
		source string
	)

	if info.Remote {
		source = "remote"
		res, err = o.runRemote(ctx, info, version, fp, req)
	} else {
		source = "local"
		res, err = o.runLocal(ctx, info, version, req)
	}

	if err != nil {
		logger.V(logging.DEFAULT).Info("Unit of work failed", "source", source, "err", err.Error())
		return nil, err
	}

	metrics.CompilationSeconds.WithLabelValues(source).Observe(time.Since(start).Seconds())

	if req.Bypass != request.BypassCompilation && res.Code != compiler.NotRunCode {
		o.store(fp, res)
	}

	return &outcome{result: res, source: source}, nil
}

func (o *Orchestrator) runRemote(ctx context.Context, info compiler.Info, version string, fp digest.Digest, req *request.CompilationRequest) (*compiler.Result, error) {
	if o.dispatcher == nil {
		return nil, codes.Errorf(codes.Configuration, "compiler %q needs remote execution, which is not configured", info.ID)
	}

	return o.dispatcher.Dispatch(ctx, remote.NewJob(fp, info, version, req))
}

// runLocal holds a gate slot for the duration of the driver call. At the
// deadline the slot is released and the call abandoned even if the driver has
// not returned yet.
func (o *Orchestrator) runLocal(ctx context.Context, info compiler.Info, version string, req *request.CompilationRequest) (*compiler.Result, error) {
	driver, err := o.registry.Driver(info.ID)
	if err != nil {
		return nil, err
	}

	slot, err := o.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	type reply struct {
		res *compiler.Result
		err error
	}

	done := make(chan reply, 1)
	go func() {
		res, err := driver.Compile(ctx, compiler.Task{Request: req, Version: version})
		done <- reply{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, staleErr(ctx)
			}

			// A driver that cannot run is still a compilation outcome
			logging.FromContext(ctx).Error(r.err, "Compiler driver failed")

			return compiler.FailedResult(r.err.Error()), nil
		}

		return r.res, nil
	case <-ctx.Done():
		return nil, staleErr(ctx)
	}
}

func staleErr(ctx context.Context) error {
	return codes.Wrap(codes.Stale, context.Cause(ctx), "unit of work abandoned at deadline")
}

// store writes res to the compilation cache on a context no caller can cancel
func (o *Orchestrator) store(fp digest.Digest, res *compiler.Result) {
	payload, err := res.Encode()
	if err != nil {
		o.logger.Error(err, "Failed to encode result for cache", "fingerprint", fp.String())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()

	o.cache.Put(ctx, fp.String(), payload)
}

// StoreLate caches a remote result whose caller was already abandoned.
// Install it with remote.Dispatcher.SetLateResultHandler.
func (o *Orchestrator) StoreLate(job *remote.Job, res *compiler.Result) {
	if !job.CacheResult {
		return
	}

	late := *res
	late.Remote = true
	o.store(job.Fingerprint, &late)
}
