// Package engine runs invocations: it validates arguments against the
// member's input schema, binds the interpreter method via reflection, runs
// it under a cancellable context, and shapes the return value into a
// transport-neutral result.
//
// The engine is transport-agnostic. The protocol core hands it a Call with
// the session and a Sink for notifications; everything protocol-shaped
// (content blocks, JSON-RPC errors) happens above.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/photonmcp/photon/internal/broker"
	"github.com/photonmcp/photon/internal/loader"
	"github.com/photonmcp/photon/internal/observe"
	"github.com/photonmcp/photon/internal/session"
	"github.com/photonmcp/photon/pkg/photon"
)

// DefaultGrace is how long a cancelled method may keep running before the
// engine abandons its goroutine and reports the cancellation.
const DefaultGrace = 5 * time.Second

var (
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
	contextType   = reflect.TypeOf((*context.Context)(nil)).Elem()
	photonCtxType = reflect.TypeOf((*photon.Ctx)(nil))
)

// Option configures an Engine.
type Option func(*Engine)

// WithGrace overrides the cancellation grace period.
func WithGrace(d time.Duration) Option {
	return func(e *Engine) { e.grace = d }
}

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine executes catalog members against loaded instances.
type Engine struct {
	broker    *broker.Broker
	validator *validator
	metrics   *observe.Metrics
	grace     time.Duration
}

// New returns an engine publishing channel events through b.
func New(b *broker.Broker, opts ...Option) *Engine {
	e := &Engine{
		broker:    b,
		validator: newValidator(),
		metrics:   observe.DefaultMetrics(),
		grace:     DefaultGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Call describes one invocation request.
type Call struct {
	// Session is the requesting connection's state record.
	Session *session.Session

	// Instance is the loaded photon to invoke against.
	Instance *loader.Instance

	// Member is the catalog entry being invoked; nil yields NotFound.
	Member *photon.Member

	// ToolID is the public "{photon}/{method}" identifier, used for
	// mutation channel subscription and log attribution.
	ToolID string

	// Args is the raw JSON arguments object.
	Args json.RawMessage

	// ProgressToken correlates progress notifications; when nil the
	// invocation id is used.
	ProgressToken any

	// Sink receives progress and log notifications.
	Sink Sink
}

type methodOutcome struct {
	value any
	err   error
}

// Invoke runs one call to completion, cancellation, or failure.
//
// Cancellation is cooperative: the method's context is cancelled and the
// engine waits up to the grace period for it to return. A method that keeps
// running past the grace is abandoned; its emits are dropped because the
// invocation has already left the running state.
func (e *Engine) Invoke(ctx context.Context, call Call) (*Result, error) {
	if call.Member == nil {
		return nil, photon.Errorf(photon.KindNotFound, "unknown tool %s", call.ToolID)
	}
	if !call.Instance.Configured() {
		return nil, &photon.Error{
			Kind:    photon.KindNotConfigured,
			Msg:     fmt.Sprintf("photon %s is missing required configuration", call.Instance.Spec().Name),
			Missing: call.Instance.Missing(),
		}
	}

	args, err := e.validator.validate(call.Member, call.Args)
	if err != nil {
		return nil, err
	}

	invocationID := uuid.NewString()
	ictx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if err := call.Session.OpenInvocation(invocationID, call.ToolID, cancel); err != nil {
		return nil, err
	}
	defer call.Session.CloseInvocation(invocationID)

	// Calling a tool implicitly subscribes the session to that tool's
	// mutation channels so list-shaped clients see their own writes.
	for _, ch := range broker.MutationChannels(call.ToolID) {
		e.broker.Subscribe(call.Session.ID(), ch, call.Session)
	}

	token := call.ProgressToken
	if token == nil {
		token = invocationID
	}

	state := &atomic.Int32{}
	em := &emitter{
		ctx:      ctx,
		sink:     call.Sink,
		sess:     call.Session,
		broker:   e.broker,
		metrics:  e.metrics,
		token:    token,
		toolName: call.ToolID,
		state:    state,
	}
	pctx := photon.NewCtx(ictx, invocationID, call.Session.ID(), call.ToolID, em)

	state.Store(stateRunning)

	done := make(chan methodOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("invocation panicked",
					"tool", call.ToolID, "invocation", invocationID, "panic", r)
				done <- methodOutcome{err: photon.Errorf(photon.KindInternal,
					"internal error, correlation id %s", invocationID)}
			}
		}()
		value, err := callMethod(call.Instance, call.Member, pctx, args)
		done <- methodOutcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return e.finish(call, state, out)
	case <-ictx.Done():
		// Leave the running state right away so emits stop with the
		// cancellation; an emit already past the gate may still deliver,
		// later ones are dropped even while the method winds down.
		state.Store(stateCancelled)
		timer := time.NewTimer(e.grace)
		defer timer.Stop()
		select {
		case out := <-done:
			if out.err == nil {
				// Finished during the grace period; the result stands.
				return e.finish(call, state, out)
			}
		case <-timer.C:
			slog.Warn("invocation ignored cancellation past the grace period",
				"tool", call.ToolID, "invocation", invocationID, "grace", e.grace)
		}
		cause := context.Cause(ictx)
		return nil, &photon.Error{
			Kind: photon.KindCancelled,
			Msg:  fmt.Sprintf("invocation %s cancelled", invocationID),
			Err:  cause,
		}
	}
}

// finish transitions the state machine and shapes the outcome.
func (e *Engine) finish(call Call, state *atomic.Int32, out methodOutcome) (*Result, error) {
	if out.err != nil {
		if photon.IsKind(out.err, photon.KindCancelled) {
			state.Store(stateCancelled)
			return nil, out.err
		}
		state.Store(stateErrored)
		return &Result{
			Text:     out.err.Error(),
			LinkedUI: call.Member.LinkedUI,
			IsError:  true,
		}, nil
	}
	state.Store(stateCompleted)
	return coerce(call.Member, out.value)
}

// callMethod binds the member's interpreter method and invokes it with the
// validated arguments.
func callMethod(inst *loader.Instance, member *photon.Member, pctx *photon.Ctx, args map[string]any) (any, error) {
	mv, err := inst.Method(member.Name)
	if err != nil {
		return nil, err
	}

	mt := mv.Type()
	in := make([]reflect.Value, 0, mt.NumIn())
	for i := 0; i < mt.NumIn(); i++ {
		pt := mt.In(i)
		switch {
		case pt == photonCtxType:
			in = append(in, reflect.ValueOf(pctx))
		case pt.Implements(contextType) && pt.Kind() == reflect.Interface:
			in = append(in, reflect.ValueOf(pctx.Context()))
		default:
			av, err := buildArgs(pt, args)
			if err != nil {
				return nil, err
			}
			in = append(in, av)
		}
	}

	outs := mv.Call(in)

	var value any
	var callErr error
	for _, out := range outs {
		if out.Type() == errorType || (out.Kind() == reflect.Interface && out.Type().Implements(errorType)) {
			if !out.IsNil() {
				callErr = out.Interface().(error)
			}
			continue
		}
		if value == nil {
			value = out.Interface()
		}
	}
	return value, callErr
}

// buildArgs materializes the method's argument struct from the validated
// arguments map via a JSON round-trip, which honours the struct's json tags
// without re-implementing decoding rules.
func buildArgs(t reflect.Type, args map[string]any) (reflect.Value, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return reflect.Value{}, photon.Errorf(photon.KindInvalidArguments,
			"arguments are not JSON-encodable: %v", err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, &photon.Error{
			Kind: photon.KindInvalidArguments,
			Msg:  "arguments do not fit the method signature",
			Err:  err,
		}
	}
	return ptr.Elem(), nil
}

// ResourceArgs packs URI template placeholder values into the raw arguments
// shape Invoke expects, so resource reads reuse the tool pipeline.
func ResourceArgs(params map[string]string) json.RawMessage {
	if len(params) == 0 {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}
