// Package task runs background operations behind a cancelable, awaitable handle.
//
// An Operation moves through Pending -> Running -> {Finished, Failed, Canceled}.
// The work function never reports errors across the goroutine boundary by
// panicking: its return value decides the terminal state, and the caller
// observes it through State, Err, Wait or Done.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrCanceled is returned by Wait for operations that ended in Canceled.
var ErrCanceled = errors.New("operation canceled")

// State describes where an Operation is in its lifecycle.
type State uint8

const (
	Pending State = iota
	Running
	Finished
	Failed
	Canceled
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Finished || s == Failed || s == Canceled
}

// Update is a progress report.
type Update struct {
	Name  string
	State State
	Done  int64
	Total int64
}

// Fraction returns Done/Total clamped to [0, 1], or 0 when the total is unknown.
func (u Update) Fraction() float64 {
	if u.Total <= 0 {
		return 0
	}
	f := float64(u.Done) / float64(u.Total)
	if f > 1 {
		return 1
	}
	return f
}

// ProgressSink consumes progress updates. It is called from the operation goroutine.
type ProgressSink interface {
	OnProgress(Update)
}

// ChannelSink forwards updates into a channel without blocking; updates are
// dropped while the channel is full.
type ChannelSink struct {
	Ch chan<- Update
}

// OnProgress implements ProgressSink.
func (s ChannelSink) OnProgress(u Update) {
	if s.Ch == nil {
		return
	}
	select {
	case s.Ch <- u:
	default:
	}
}

// Func is the body of an operation. It must poll ctx between small units of work.
type Func func(ctx context.Context, op *Operation) error

// Option configures an Operation.
type Option func(*Operation)

// WithProgressSink forwards progress updates to sink.
func WithProgressSink(sink ProgressSink) Option {
	return func(op *Operation) { op.sink = sink }
}

// WithProgressRate limits forwarded updates to perSecond; zero or negative
// forwards every update. Start and terminal updates are always forwarded.
func WithProgressRate(perSecond float64) Option {
	return func(op *Operation) {
		if perSecond > 0 {
			op.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithOnExit registers fn to run after the terminal state is set and before Done is closed.
func WithOnExit(fn func(State, error)) Option {
	return func(op *Operation) { op.onExit = fn }
}

// Operation is a handle to a background unit of work.
type Operation struct {
	name    string
	cancel  context.CancelFunc
	done    chan struct{}
	sink    ProgressSink
	limiter *rate.Limiter
	onExit  func(State, error)

	state    atomic.Uint32
	progress atomic.Int64
	total    atomic.Int64

	mu  sync.Mutex
	err error
}

// Start launches fn on a new goroutine and returns its handle immediately.
func Start(ctx context.Context, name string, fn Func, opts ...Option) *Operation {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	op := &Operation{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(op)
	}
	op.state.Store(uint32(Pending))

	go op.run(runCtx, fn)
	return op
}

func (op *Operation) run(ctx context.Context, fn Func) {
	defer op.cancel()

	op.state.Store(uint32(Running))
	op.report(true)

	err := op.call(ctx, fn)

	var final State
	switch {
	case err == nil:
		final = Finished
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		final = Canceled
		err = nil
	default:
		final = Failed
	}

	op.mu.Lock()
	op.err = err
	op.mu.Unlock()
	op.state.Store(uint32(final))
	op.report(true)

	if op.onExit != nil {
		op.onExit(final, err)
	}
	close(op.done)
}

func (op *Operation) call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op.name, r)
		}
	}()
	return fn(ctx, op)
}

// Name returns the operation name.
func (op *Operation) Name() string { return op.name }

// State returns the current state.
func (op *Operation) State() State { return State(op.state.Load()) }

// Err returns the failure of a Failed operation, nil otherwise.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Done is closed once the operation reached a terminal state.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Cancel requests cooperative cancellation. It is safe to call more than once
// and after completion.
func (op *Operation) Cancel() {
	op.cancel()
}

// Wait blocks until the operation ends or ctx is done. It returns nil for
// Finished, ErrCanceled for Canceled and the operation error for Failed.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	switch op.State() {
	case Canceled:
		return ErrCanceled
	case Failed:
		return op.Err()
	default:
		return nil
	}
}

// WaitTimeout is Wait with a deadline.
func (op *Operation) WaitTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return op.Wait(ctx)
}

// Progress returns the units of work done and the expected total (0 if unknown).
func (op *Operation) Progress() (done, total int64) {
	return op.progress.Load(), op.total.Load()
}

// SetTotal sets the expected amount of work.
func (op *Operation) SetTotal(n int64) {
	op.total.Store(n)
	op.report(false)
}

// Advance records n more units of work done.
func (op *Operation) Advance(n int64) {
	op.progress.Add(n)
	op.report(false)
}

func (op *Operation) report(force bool) {
	if op.sink == nil {
		return
	}
	if !force && op.limiter != nil && !op.limiter.Allow() {
		return
	}
	op.sink.OnProgress(Update{
		Name:  op.name,
		State: op.State(),
		Done:  op.progress.Load(),
		Total: op.total.Load(),
	})
}
