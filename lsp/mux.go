// Package lsp runs the JSON-RPC message loop of a language server over a
// pair of streams, enforcing the LSP lifecycle.
package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/a-h/iamacore/messages"
	"github.com/a-h/iamacore/metrics"
	"github.com/a-h/iamacore/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/a-h/iamacore/lsp"

// ErrExitWithoutShutdown is returned by Process when the client sends exit
// without a preceding shutdown. The process should exit with code 1.
var ErrExitWithoutShutdown = errors.New("exit notification received before shutdown")

var (
	errAlreadyInitialized = protocol.ErrInvalidRequest.WithMessage("Server already initialized")
	errShuttingDown       = protocol.ErrInvalidRequest.WithMessage("Server is shutting down")
	errNotANotification   = protocol.ErrInvalidRequest.WithMessage("Method must be sent as a notification")
)

type MethodHandler func(ctx context.Context, params json.RawMessage) (result any, err error)
type NotificationHandler func(ctx context.Context, params json.RawMessage) (err error)

type Option func(m *Mux)

// WithConcurrencyLimit sets how many requests may be handled at once.
// Lifecycle methods and notifications are always handled in order.
func WithConcurrencyLimit(n int64) Option {
	return func(m *Mux) {
		if n > 0 {
			m.concurrencyLimit = n
		}
	}
}

func WithMaxContentLength(n int64) Option {
	return func(m *Mux) {
		m.maxContentLength = n
	}
}

// WithStrictLifecycle controls whether requests are checked against the
// lifecycle state. When disabled, every registered handler runs in any state.
func WithStrictLifecycle(strict bool) Option {
	return func(m *Mux) {
		m.strict = strict
	}
}

func WithMetrics(mm *metrics.Metrics) Option {
	return func(m *Mux) {
		m.metrics = mm
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Mux) {
		m.tracer = tp.Tracer(tracerName)
	}
}

// WithErrorHandler is called with errors that can't be reported to the client,
// such as failed writes and failed notification handlers.
func WithErrorHandler(f func(err error)) Option {
	return func(m *Mux) {
		m.error = f
	}
}

func NewMux(log *slog.Logger, r io.Reader, w io.Writer, opts ...Option) *Mux {
	m := &Mux{
		reader:               bufio.NewReader(r),
		concurrencyLimit:     4,
		maxContentLength:     protocol.DefaultMaxContentLength,
		strict:               true,
		methodHandlers:       map[string]MethodHandler{},
		notificationHandlers: map[string]NotificationHandler{},
		writer:               bufio.NewWriter(w),
		writeLock:            &sync.Mutex{},
		cancels:              map[string]context.CancelFunc{},
		log:                  log,
		tracer:               otel.Tracer(tracerName),
		error: func(err error) {
			return
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mux owns both ends of a connection. Handlers must be registered before
// Process is called.
type Mux struct {
	reader               *bufio.Reader
	concurrencyLimit     int64
	maxContentLength     int64
	strict               bool
	methodHandlers       map[string]MethodHandler
	notificationHandlers map[string]NotificationHandler
	writer               *bufio.Writer
	writeLock            *sync.Mutex
	stateLock            sync.Mutex
	state                State
	inFlight             sync.WaitGroup
	cancelLock           sync.Mutex
	cancels              map[string]context.CancelFunc
	log                  *slog.Logger
	metrics              *metrics.Metrics
	tracer               trace.Tracer
	error                func(err error)
}

func (m *Mux) HandleMethod(name string, method MethodHandler) {
	m.methodHandlers[name] = method
}

func (m *Mux) HandleNotification(name string, notification NotificationHandler) {
	m.notificationHandlers[name] = notification
}

// Notify sends a notification to the client. Writes are serialized with
// responses, so it is safe to call from any goroutine.
func (m *Mux) Notify(method string, params any) (err error) {
	if err = m.write(protocol.NewNotification(method, params)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", method, err)
	}
	m.metrics.Notification(metrics.DirectionOutbound, method)
	return nil
}

func (m *Mux) State() State {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	return m.state
}

func (m *Mux) setState(s State) {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	m.log.Debug("state change", slog.String("from", m.state.String()), slog.String("to", s.String()))
	m.state = s
}

// transition moves to the given state only if the connection is in state from.
func (m *Mux) transition(from, to State) {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	if m.state != from {
		return
	}
	m.log.Debug("state change", slog.String("from", from.String()), slog.String("to", to.String()))
	m.state = to
}

func (m *Mux) write(msg any) (err error) {
	m.writeLock.Lock()
	defer m.writeLock.Unlock()
	return protocol.Write(m.writer, msg)
}

type readResult struct {
	req protocol.Request
	err error
}

// read feeds messages to Process so that it can stop waiting on the input
// when ctx is cancelled. It stops after the first error it can't continue past.
func (m *Mux) read(ctx context.Context, out chan<- readResult) {
	for {
		req, err := protocol.ReadLimit(m.reader, m.maxContentLength)
		select {
		case out <- readResult{req: req, err: err}:
		case <-ctx.Done():
			return
		}
		var de *protocol.DecodeError
		if err != nil && !errors.As(err, &de) {
			return
		}
	}
}

// Process reads and dispatches messages until the input is closed, the
// client sends exit, or ctx is cancelled. A clean end of input and an exit
// after shutdown both return nil. In-flight requests are cancelled and waited
// for before Process returns.
func (m *Mux) Process(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		m.inFlight.Wait()
	}()
	sem := semaphore.NewWeighted(m.concurrencyLimit)
	incoming := make(chan readResult)
	go m.read(ctx, incoming)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var next readResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next = <-incoming:
		}
		req, err := next.req, next.err
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				m.rejectFrame(de)
				continue
			}
			if errors.Is(err, io.EOF) {
				m.log.Info("input closed")
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		// Lifecycle messages are handled in arrival order.
		switch req.Method {
		case messages.InitializeMethod:
			m.handleInitialize(ctx, req)
			continue
		case messages.InitializedNotification:
			m.handleInitialized(ctx, req)
			continue
		case messages.ShutdownMethod:
			m.handleShutdown(ctx, req)
			continue
		case messages.ExitNotification:
			return m.handleExit(ctx, req)
		case messages.CancelRequestNotification:
			m.handleCancel(req)
			continue
		}

		if req.IsNotification() {
			m.handleNotification(ctx, req)
			continue
		}
		if rejection := m.gate(); rejection != nil {
			m.reject(req, rejection)
			continue
		}
		if err = sem.Acquire(ctx, 1); err != nil {
			return err
		}
		reqCtx, done := m.track(ctx, req.ID)
		m.inFlight.Add(1)
		go func(req protocol.Request) {
			defer m.inFlight.Done()
			defer sem.Release(1)
			defer done()
			m.metrics.InFlight(1)
			defer m.metrics.InFlight(-1)
			m.call(reqCtx, m.requestLog(req), req)
		}(req)
	}
}

// gate returns the error for a request that the current state doesn't allow.
func (m *Mux) gate() *protocol.Error {
	if !m.strict {
		return nil
	}
	switch m.State() {
	case StateUninitialized:
		return protocol.ErrServerNotInitialized
	case StateShuttingDown:
		return errShuttingDown
	}
	return nil
}

func (m *Mux) handleInitialize(ctx context.Context, req protocol.Request) {
	log := m.requestLog(req)
	if req.IsNotification() {
		log.Warn("dropping initialize sent as a notification")
		return
	}
	if m.strict && m.State() != StateUninitialized {
		log.Warn("the client sent initialize more than once")
		m.reject(req, errAlreadyInitialized)
		return
	}
	if m.call(ctx, log, req) {
		m.transition(StateUninitialized, StateInitializing)
	}
}

func (m *Mux) handleInitialized(ctx context.Context, req protocol.Request) {
	log := m.requestLog(req)
	if !req.IsNotification() {
		m.reject(req, errNotANotification)
		return
	}
	if s := m.State(); m.strict && s != StateInitializing {
		log.Warn("dropping initialized notification", slog.String("state", s.String()))
		return
	}
	m.transition(StateInitializing, StateInitialized)
	m.log.Info("initialization complete")
	m.notify(ctx, log, req)
}

func (m *Mux) handleShutdown(ctx context.Context, req protocol.Request) {
	log := m.requestLog(req)
	if req.IsNotification() {
		log.Warn("dropping shutdown sent as a notification")
		return
	}
	if m.strict && m.State() == StateUninitialized {
		log.Warn("the client sent shutdown before initialization")
		m.reject(req, protocol.ErrServerNotInitialized)
		return
	}
	if m.call(ctx, log, req) {
		m.setState(StateShuttingDown)
	}
}

func (m *Mux) handleExit(ctx context.Context, req protocol.Request) error {
	log := m.requestLog(req)
	if _, ok := m.notificationHandlers[req.Method]; ok {
		m.notify(ctx, log, req)
	} else {
		m.metrics.Notification(metrics.DirectionInbound, req.Method)
	}
	if s := m.State(); s != StateShuttingDown {
		log.Warn("exit received before shutdown", slog.String("state", s.String()))
		return ErrExitWithoutShutdown
	}
	log.Info("exit received")
	return nil
}

func (m *Mux) handleCancel(req protocol.Request) {
	log := m.requestLog(req)
	m.metrics.Notification(metrics.DirectionInbound, req.Method)
	var params messages.CancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params.ID) == 0 {
		log.Warn("invalid cancel params", slog.Any("params", req.Params))
		return
	}
	m.cancelLock.Lock()
	cancel, ok := m.cancels[string(params.ID)]
	m.cancelLock.Unlock()
	if !ok {
		log.Debug("no in-flight request to cancel", slog.String("target", string(params.ID)))
		return
	}
	log.Info("cancelling request", slog.String("target", string(params.ID)))
	cancel()
}

// track makes the request cancellable by $/cancelRequest until done is called.
func (m *Mux) track(ctx context.Context, id *json.RawMessage) (reqCtx context.Context, done func()) {
	reqCtx, cancel := context.WithCancel(ctx)
	key := string(*id)
	m.cancelLock.Lock()
	m.cancels[key] = cancel
	m.cancelLock.Unlock()
	return reqCtx, func() {
		m.cancelLock.Lock()
		delete(m.cancels, key)
		m.cancelLock.Unlock()
		cancel()
	}
}

func (m *Mux) handleNotification(ctx context.Context, req protocol.Request) {
	log := m.requestLog(req)
	_, handled := m.notificationHandlers[req.Method]
	if !handled && strings.HasPrefix(req.Method, "$/") {
		// Protocol-dependent notifications can be ignored.
		log.Debug("ignoring notification")
		return
	}
	if s := m.State(); m.strict && (s == StateUninitialized || s == StateShuttingDown) {
		log.Warn("dropping notification", slog.String("state", s.String()))
		return
	}
	m.notify(ctx, log, req)
}

func (m *Mux) notify(ctx context.Context, log *slog.Logger, req protocol.Request) {
	m.metrics.Notification(metrics.DirectionInbound, m.methodLabel(req.Method))
	nh, ok := m.notificationHandlers[req.Method]
	if !ok {
		log.Warn("notification not handled")
		return
	}
	ctx, span := m.startSpan(ctx, req)
	defer span.End()
	// We don't need to notify clients if the notification results in an error.
	if err := nh(ctx, req.Params); err != nil {
		log.Error("failed to handle notification", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.error(err)
	}
}

// call runs the method handler for req and writes its response. It returns
// true if the handler succeeded.
func (m *Mux) call(ctx context.Context, log *slog.Logger, req protocol.Request) (ok bool) {
	mh, found := m.methodHandlers[req.Method]
	if !found {
		log.Error("method not found")
		m.metrics.Request(m.methodLabel(req.Method), metrics.OutcomeNotFound)
		m.respond(log, protocol.NewResponseError(req.ID, protocol.ErrMethodNotFound))
		return false
	}
	ctx, span := m.startSpan(ctx, req)
	defer span.End()
	result, err := mh(ctx, req.Params)
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, context.Canceled) {
			err = protocol.ErrRequestCancelled
			outcome = metrics.OutcomeCancelled
		}
		log.Error("failed to handle", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.Request(req.Method, outcome)
		m.respond(log, protocol.NewResponseError(req.ID, err))
		return false
	}
	m.metrics.Request(req.Method, metrics.OutcomeSuccess)
	m.respond(log, protocol.NewResponse(req.ID, result))
	return true
}

func (m *Mux) reject(req protocol.Request, e *protocol.Error) {
	log := m.requestLog(req)
	log.Warn("rejecting request", slog.String("reason", e.Message), slog.String("state", m.State().String()))
	m.metrics.Request(m.methodLabel(req.Method), metrics.OutcomeRejected)
	m.respond(log, protocol.NewResponseError(req.ID, e))
}

// rejectFrame replies to a frame whose body could not be decoded. The id is
// null unless it could be recovered from the body.
func (m *Mux) rejectFrame(de *protocol.DecodeError) {
	m.log.Warn("failed to decode message", slog.Any("error", de))
	kind := "invalid_request"
	if errors.Is(de, protocol.ErrParseError) {
		kind = "parse"
	}
	m.metrics.DecodeError(kind)
	m.respond(m.log, protocol.NewResponseError(de.ID, de.Err))
}

func (m *Mux) respond(log *slog.Logger, res protocol.Response) {
	if err := m.write(res); err != nil {
		log.Error("failed to respond", slog.Any("error", err))
		m.error(fmt.Errorf("failed to respond: %w", err))
	}
}

func (m *Mux) requestLog(req protocol.Request) *slog.Logger {
	if req.IsNotification() {
		return m.log.With(slog.String("method", req.Method))
	}
	return m.log.With(slog.Any("id", req.ID), slog.String("method", req.Method))
}

// methodLabel keeps metric cardinality bounded to methods the server knows.
func (m *Mux) methodLabel(method string) string {
	if _, ok := m.methodHandlers[method]; ok {
		return method
	}
	if _, ok := m.notificationHandlers[method]; ok {
		return method
	}
	return "unknown"
}

func (m *Mux) startSpan(ctx context.Context, req protocol.Request) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", req.Method),
	}
	if req.ID != nil {
		attrs = append(attrs, attribute.String("rpc.jsonrpc.request_id", string(*req.ID)))
	}
	return m.tracer.Start(ctx, req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}
