package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/andresmejia3/castfinder/internal/worker"
)

// ErrPoolFailure means the worker pool itself broke (an engine could not start or
// crashed). It is distinct from a run that simply recognised nobody.
var ErrPoolFailure = errors.New("worker pool failure")

const (
	DefaultWorkers     = 4
	DefaultUnitTimeout = 60 * time.Second
)

// Unit processes one sampled frame. Each pool slot owns exactly one Unit, so a Unit
// never sees concurrent calls.
type Unit interface {
	Process(ctx context.Context, frame types.SampledFrame) (types.FrameResult, error)
	Close() error
}

// UnitFactory creates the Unit for pool slot id.
type UnitFactory func(ctx context.Context, id int) (Unit, error)

// DispatchOptions sizes the pool.
type DispatchOptions struct {
	Workers     int
	UnitTimeout time.Duration
	Logger      *slog.Logger

	// OnResult is called from worker goroutines as each frame completes.
	OnResult func(types.FrameResult)
}

// Dispatch runs every frame through a fixed pool of units and returns the results in
// input order. A unit that fails, panics or exceeds UnitTimeout contributes an empty
// result and the run continues. A unit that cannot be created, or whose engine
// crashed, aborts the run with ErrPoolFailure.
func Dispatch(ctx context.Context, frames []types.SampledFrame, opts DispatchOptions, newUnit UnitFactory) ([]types.FrameResult, error) {
	results := make([]types.FrameResult, len(frames))
	if len(frames) == 0 {
		return results, nil
	}

	workers := opts.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}
	workers = min(workers, len(frames))
	timeout := opts.UnitTimeout
	if timeout <= 0 {
		timeout = DefaultUnitTimeout
	}
	logger := logging.Component(opts.Logger, "dispatch")

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tasks := make(chan int, workers)
	var wg sync.WaitGroup

	// Spawn the Engine Pool
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			s := &slotRunner{id: slot, newUnit: newUnit, timeout: timeout, logger: logger}
			if err := s.start(ctx); err != nil {
				cancel(err)
				return
			}
			defer s.close()

			for idx := range tasks {
				res, err := s.run(ctx, frames[idx])
				if err != nil {
					cancel(err)
					return
				}
				results[idx] = res
				if opts.OnResult != nil {
					opts.OnResult(res)
				}
			}
		}(i)
	}

feed:
	for i := range frames {
		select {
		case tasks <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	return results, nil
}

// slotRunner owns the unit of one pool slot and replaces it after a timeout.
type slotRunner struct {
	id      int
	unit    Unit
	newUnit UnitFactory
	timeout time.Duration
	logger  *slog.Logger
}

func (s *slotRunner) start(ctx context.Context) error {
	u, err := s.newUnit(ctx, s.id)
	if err != nil {
		return fmt.Errorf("%w: worker %d failed to start: %w", ErrPoolFailure, s.id, err)
	}
	s.unit = u
	return nil
}

func (s *slotRunner) close() {
	if s.unit != nil {
		if err := s.unit.Close(); err != nil {
			s.logger.Warn("worker shutdown failed", slog.Int("worker", s.id), logging.Err(err))
		}
	}
}

type unitOutcome struct {
	res types.FrameResult
	err error
}

// run processes one frame. The returned error is only set for failures that must stop
// the whole pool.
func (s *slotRunner) run(ctx context.Context, frame types.SampledFrame) (types.FrameResult, error) {
	unitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unit := s.unit
	done := make(chan unitOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- unitOutcome{err: fmt.Errorf("unit panicked: %v", r)}
			}
		}()
		res, err := unit.Process(unitCtx, frame)
		done <- unitOutcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			out.res.Index = frame.Index
			if out.res.Identities == nil {
				out.res.Identities = []string{}
			}
			return out.res, nil
		}
		if ctx.Err() != nil {
			return types.FrameResult{}, context.Cause(ctx)
		}
		if unitCtx.Err() != nil {
			return s.timedOut(ctx, frame, unit, nil)
		}
		if errors.Is(out.err, worker.ErrWorkerCrashed) {
			return types.FrameResult{}, fmt.Errorf("%w: %w", ErrPoolFailure, out.err)
		}
		s.logger.Warn("frame failed", slog.Int("frame", frame.Index), slog.Int("worker", s.id), logging.Err(out.err))
		return emptyResult(frame.Index, out.err.Error()), nil

	case <-unitCtx.Done():
		if ctx.Err() != nil {
			return types.FrameResult{}, context.Cause(ctx)
		}
		return s.timedOut(ctx, frame, unit, done)
	}
}

// timedOut records an empty result and swaps in a fresh unit, since the old one may
// still be busy or left in a broken state. If pending is non-nil the old unit is closed
// once its call returns.
func (s *slotRunner) timedOut(ctx context.Context, frame types.SampledFrame, old Unit, pending <-chan unitOutcome) (types.FrameResult, error) {
	s.logger.Warn("frame timed out", slog.Int("frame", frame.Index), slog.Int("worker", s.id), slog.Duration("timeout", s.timeout))

	s.unit = nil
	if pending != nil {
		go func() {
			<-pending
			old.Close()
		}()
	} else {
		old.Close()
	}

	if err := s.start(ctx); err != nil {
		return types.FrameResult{}, err
	}
	return emptyResult(frame.Index, fmt.Sprintf("timed out after %s", s.timeout)), nil
}

func emptyResult(index int, reason string) types.FrameResult {
	return types.FrameResult{Index: index, Identities: []string{}, Err: reason}
}
