// Package functions executes function-call requests issued by the voice
// agent and settles each one exactly once.
//
// The agent pipeline stalls until a pending call is answered, so every
// request is settled no matter what the handler does: handler success settles
// with its output, handler failure or an unknown name settles with a
// synthesized error payload, and a handler that outlives the deadline is
// settled with a timeout payload while its eventual result is discarded.
package functions

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coachflow/coachflow/internal/observe"
)

// Handler executes one function call and returns its textual output.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Source resolves function names to handlers.
type Source interface {
	Handler(name string) (Handler, bool)
	Close() error
}

// Responder delivers a settlement back to the voice agent.
type Responder interface {
	SendFunctionCallResponse(callID, output string) error
}

// Registry is a map-backed [Source] for in-process handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

var _ Source = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Handler returns the handler registered under name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Close implements [Source]. A registry holds no resources.
func (r *Registry) Close() error { return nil }

// Multi consults sources in order and resolves against the first match.
type Multi []Source

var _ Source = (Multi)(nil)

// Handler returns the first matching handler across the sources.
func (m Multi) Handler(name string) (Handler, bool) {
	for _, s := range m {
		if h, ok := s.Handler(name); ok {
			return h, ok
		}
	}
	return nil, false
}

// Close closes every source, returning the first error.
func (m Multi) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pendingCall tracks one in-flight function call.
type pendingCall struct {
	name   string
	once   sync.Once
	cancel context.CancelFunc
}

// Dispatcher runs function calls concurrently, bounds each by a timeout, and
// guarantees exactly one settlement per call ID.
type Dispatcher struct {
	source  Source
	respond Responder
	timeout time.Duration
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher resolving handlers from source and
// settling through respond. timeout bounds each handler execution.
func NewDispatcher(source Source, respond Responder, timeout time.Duration, opts ...DispatcherOption) *Dispatcher {
	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		source:  source,
		respond: respond,
		timeout: timeout,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
		pending: make(map[string]*pendingCall),
		baseCtx: ctx,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts executing a function call. A call ID that is already
// pending is ignored; the upstream retransmitted a request we are working on.
func (d *Dispatcher) Dispatch(callID, name string, input json.RawMessage) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if _, dup := d.pending[callID]; dup {
		d.mu.Unlock()
		d.log.Warn("duplicate function call ignored", "call_id", callID, "function", name)
		return
	}
	ctx, cancel := context.WithTimeout(d.baseCtx, d.timeout)
	pc := &pendingCall{name: name, cancel: cancel}
	d.pending[callID] = pc
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(ctx, pc, callID, name, input)
}

// Pending returns the number of unsettled calls.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close cancels every pending call and waits for the workers to settle them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.stop()
	d.wg.Wait()
}

type callOutcome struct {
	output string
	err    error
}

func (d *Dispatcher) run(ctx context.Context, pc *pendingCall, callID, name string, input json.RawMessage) {
	defer d.wg.Done()
	defer pc.cancel()
	start := time.Now()

	handler, ok := d.source.Handler(name)
	if !ok {
		d.settle(ctx, pc, callID, errorPayload("unknown function: "+name), "unknown", start)
		return
	}

	results := make(chan callOutcome, 1)
	go func() {
		out, err := handler(ctx, input)
		results <- callOutcome{output: out, err: err}
	}()

	select {
	case <-ctx.Done():
		d.settle(ctx, pc, callID, errorPayload("function call timed out"), "timeout", start)
		// The handler may still finish; its result has nowhere to go.
		go func() {
			res := <-results
			d.log.Debug("late function result discarded",
				"call_id", callID, "function", name, "err", res.err)
		}()
	case res := <-results:
		if res.err != nil {
			d.settle(ctx, pc, callID, errorPayload(res.err.Error()), "error", start)
			return
		}
		d.settle(ctx, pc, callID, res.output, "ok", start)
	}
}

// settle delivers the outcome for a call. Repeated settlements for the same
// call are suppressed.
func (d *Dispatcher) settle(ctx context.Context, pc *pendingCall, callID, output, status string, start time.Time) {
	settled := false
	pc.once.Do(func() {
		settled = true

		d.mu.Lock()
		delete(d.pending, callID)
		d.mu.Unlock()

		if err := d.respond.SendFunctionCallResponse(callID, output); err != nil {
			d.log.Error("function call response failed",
				"call_id", callID, "function", pc.name, "err", err)
		}
		d.metrics.RecordFunctionCall(ctx, pc.name, status)
		d.metrics.FunctionCallDuration.Record(ctx, time.Since(start).Seconds())
		d.log.Info("function call settled",
			"call_id", callID, "function", pc.name,
			"status", status, "duration", time.Since(start))
	})
	if !settled {
		d.log.Warn("second settlement suppressed",
			"call_id", callID, "function", pc.name, "status", status)
	}
}

// errorPayload wraps msg in the JSON shape the agent expects for failed calls.
func errorPayload(msg string) string {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal"}`
	}
	return string(b)
}
