package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/circuitbreaker"
	"github.com/dashpay/go-llmq/internal/clock"
	"github.com/dashpay/go-llmq/internal/measurements"
)

// A worker failing this many times in a row for local reasons, such as an
// unavailable datastore, is paused for workerPause or ten intervals,
// whichever is longer.
const (
	maxWorkerFailures = 3
	workerPause       = time.Minute
)

// Worker has deferred work the coordinator retries, such as locks waiting
// for a block or signatures waiting for their quorum. ProcessPending reports
// whether it made any progress.
type Worker interface {
	ProcessPending(ctx context.Context) (bool, error)
}

type WorkerFunc func(ctx context.Context) (bool, error)

func (f WorkerFunc) ProcessPending(ctx context.Context) (bool, error) { return f(ctx) }

// Coordinator is the background task that drives pending work and periodic
// cleanup. Each iteration runs the workers in order, then the cleanup if it
// is due, and idles for the cleanup interval when no worker made progress.
type Coordinator struct {
	workers  []Worker
	names    []string
	breakers []*circuitbreaker.CircuitBreaker
	cleanup  func(ctx context.Context) error
	interval time.Duration

	clock      clock.Clock
	runningCtx context.Context
	cancel     context.CancelFunc
	errgrp     *errgroup.Group
}

func NewCoordinator(ctx context.Context, interval time.Duration, cleanup func(ctx context.Context) error) *Coordinator {
	runningCtx, ctxCancel := context.WithCancel(context.WithoutCancel(ctx))
	errgrp, runningCtx := errgroup.WithContext(runningCtx)
	return &Coordinator{
		cleanup:    cleanup,
		interval:   interval,
		clock:      clock.GetClock(ctx),
		runningCtx: runningCtx,
		cancel:     ctxCancel,
		errgrp:     errgrp,
	}
}

// AddWorker appends a worker. Workers must be added before Start.
func (c *Coordinator) AddWorker(name string, w Worker) {
	c.workers = append(c.workers, w)
	c.names = append(c.names, name)
	c.breakers = append(c.breakers, circuitbreaker.New(c.clock, maxWorkerFailures, max(workerPause, 10*c.interval)))
}

func (c *Coordinator) Start(context.Context) error {
	c.errgrp.Go(func() (_err error) {
		defer func() {
			if err := recover(); err != nil {
				_err = fmt.Errorf("PANIC in llmq coordinator: %+v", err)
				log.Errorw("PANIC in llmq coordinator", "error", _err)
				metrics.coordinatorTicks.Add(c.runningCtx, 1, metric.WithAttributes(measurements.AttrStatusPanic))
			} else if _err != nil && c.runningCtx.Err() == nil {
				log.Errorw("llmq coordinator exited early", "error", _err)
			}
		}()
		return c.run(c.runningCtx)
	})
	return nil
}

// Stop cancels the coordinator and waits for the current iteration to end.
func (c *Coordinator) Stop(context.Context) error {
	c.cancel()
	return c.errgrp.Wait()
}

// runWorker runs one worker behind its breaker. Errors caused by bad network
// data do not count as failures of the worker itself.
func (c *Coordinator) runWorker(ctx context.Context, i int) bool {
	var did bool
	var peerErr error
	err := c.breakers[i].Run(func() error {
		var err error
		did, err = c.workers[i].ProcessPending(ctx)
		if err != nil && dash.IsPeerFault(err) {
			peerErr = err
			return nil
		}
		return err
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		log.Debugw("worker paused", "worker", c.names[i])
	case err != nil:
		log.Warnw("pending work failed", "worker", c.names[i], "error", err,
			"breaker", c.breakers[i].Status())
	case peerErr != nil:
		log.Warnw("pending work failed", "worker", c.names[i], "error", peerErr)
	}
	return did
}

func (c *Coordinator) run(ctx context.Context) error {
	lastCleanup := c.clock.Now()
	for ctx.Err() == nil {
		var progress bool
		for i := range c.workers {
			progress = c.runWorker(ctx, i) || progress
		}

		if now := c.clock.Now(); now.Sub(lastCleanup) >= c.interval && c.cleanup != nil {
			if err := c.cleanup(ctx); err != nil {
				log.Errorw("cleanup failed", "error", err)
			}
			lastCleanup = now
		}
		metrics.coordinatorTicks.Add(ctx, 1, metric.WithAttributes(measurements.AttrStatusSuccess))

		if progress {
			continue
		}
		timer := c.clock.Timer(c.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			log.Debugw("llmq coordinator stopped", zap.Duration("interval", c.interval))
			return nil
		}
	}
	return nil
}
