package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// queueCapacity bounds each stage's input queue. Producers block when a
// downstream stage is full; that back-pressure is the intended behavior.
const queueCapacity = 64

// ErrStopped is returned by Push after the pipeline has been stopped.
var ErrStopped = errors.New("pipeline: stopped")

// Emit forwards a frame to the next stage. Processors call it zero or more
// times per input frame; it blocks when the downstream queue is full.
type Emit func(ctx context.Context, f Frame) error

// Processor is one stage of the pipeline.
//
// Process is invoked once per inbound frame, in submission order, from a
// single goroutine owned by the pipeline. Clear is invoked out-of-band (from
// the orchestrator's control loop) and must be safe to call concurrently with
// Process.
type Processor interface {
	// Name identifies the stage in logs.
	Name() string

	// Process handles one frame, forwarding derived frames via emit.
	// Returning an error logs it and drops the frame; it never stops the
	// pipeline.
	Process(ctx context.Context, f Frame, emit Emit) error

	// Clear drops the processor's pending work (queued sentences, in-flight
	// generation). Queued input frames are dropped by the pipeline itself.
	Clear()
}

// StreamingProcessor is implemented by stages that run their own background
// work (e.g., the STT adapter consuming provider transcripts). Start is
// called once before frames flow, with an emit bound to the stage's
// downstream neighbor.
type StreamingProcessor interface {
	Processor
	Start(ctx context.Context, emit Emit) error
}

// stage wraps a processor with its input queue. Clearing bumps the epoch;
// queued items from older epochs are discarded by the consumer instead of
// being processed.
type stage struct {
	proc  Processor
	in    chan item
	epoch atomic.Uint64
}

type item struct {
	frame Frame
	epoch uint64
}

func (s *stage) enqueue(ctx context.Context, f Frame) error {
	select {
	case s.in <- item{frame: f, epoch: s.epoch.Load()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pipeline is a linear chain of processors with bounded, clearable queues.
// Frames pushed by the same producer are consumed downstream in submission
// order.
type Pipeline struct {
	stages []*stage
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a pipeline over the given processors, first stage first.
// A nil logger falls back to slog.Default().
func New(logger *slog.Logger, procs ...Processor) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{logger: logger}
	for _, proc := range procs {
		p.stages = append(p.stages, &stage{
			proc: proc,
			in:   make(chan item, queueCapacity),
		})
	}
	return p
}

// Start launches one goroutine per stage and starts streaming processors.
// It is an error to start a pipeline twice.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline: already started")
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i, st := range p.stages {
		emit := p.emitterFor(i + 1)
		if sp, ok := st.proc.(StreamingProcessor); ok {
			if err := sp.Start(runCtx, emit); err != nil {
				cancel()
				return fmt.Errorf("pipeline: start %s: %w", st.proc.Name(), err)
			}
		}
		p.wg.Add(1)
		go p.run(runCtx, st, emit)
	}
	return nil
}

// run is the consume loop of one stage.
func (p *Pipeline) run(ctx context.Context, st *stage, emit Emit) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-st.in:
			if it.epoch != st.epoch.Load() {
				continue // cleared while queued
			}
			if err := st.proc.Process(ctx, it.frame, emit); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.logger.Error("processor failed on frame",
					"processor", st.proc.Name(),
					"frame", it.frame.Kind(),
					"error", err)
			}
		}
	}
}

// emitterFor returns the Emit bound to the stage at index idx. Frames emitted
// past the last stage are dropped; the output stage is expected to be a sink.
func (p *Pipeline) emitterFor(idx int) Emit {
	if idx >= len(p.stages) {
		return func(context.Context, Frame) error { return nil }
	}
	st := p.stages[idx]
	return func(ctx context.Context, f Frame) error {
		return st.enqueue(ctx, f)
	}
}

// Push feeds a frame into the first stage, blocking while it is full.
func (p *Pipeline) Push(ctx context.Context, f Frame) error {
	p.mu.Lock()
	if p.stopped || len(p.stages) == 0 {
		p.mu.Unlock()
		return ErrStopped
	}
	first := p.stages[0]
	p.mu.Unlock()
	return first.enqueue(ctx, f)
}

// PushAt feeds a frame directly into the stage at index idx. The orchestrator
// uses this to inject the greeting and idle prompts downstream of STT.
func (p *Pipeline) PushAt(ctx context.Context, idx int, f Frame) error {
	p.mu.Lock()
	if p.stopped || idx < 0 || idx >= len(p.stages) {
		p.mu.Unlock()
		return ErrStopped
	}
	st := p.stages[idx]
	p.mu.Unlock()
	return st.enqueue(ctx, f)
}

// Clear drops every queued frame in every stage and tells each processor to
// abandon its pending work. In-flight work already handed to providers is
// stopped through the control channel, not here.
func (p *Pipeline) Clear() {
	for _, st := range p.stages {
		st.epoch.Add(1)
		st.proc.Clear()
	}
}

// Stop cancels all stage goroutines and waits for them to exit. Safe to call
// more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
