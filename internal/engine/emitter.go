package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/photonmcp/photon/internal/broker"
	"github.com/photonmcp/photon/internal/observe"
	"github.com/photonmcp/photon/internal/session"
	"github.com/photonmcp/photon/pkg/photon"
)

// Sink ships progress and log notifications for one invocation. The protocol
// core implements it around the SDK server session.
type Sink interface {
	// Progress emits notifications/progress correlated by token.
	Progress(ctx context.Context, token any, value, total float64, message string)

	// Log emits notifications/message; the transport applies the
	// session's minimum level.
	Log(ctx context.Context, level photon.LogLevel, logger string, data any)
}

// invocation state machine. Terminal states never re-transition.
const (
	stateAccepted int32 = iota
	stateRunning
	stateCompleted
	stateErrored
	stateCancelled
)

// emitter implements [photon.Emitter] for one invocation. Emits are valid
// only in the running state; anything after a terminal transition is
// silently dropped, which closes the race between a cancelled method's last
// progress call and the final result.
type emitter struct {
	ctx      context.Context
	sink     Sink
	sess     *session.Session
	broker   *broker.Broker
	metrics  *observe.Metrics
	token    any
	toolName string
	state    *atomic.Int32
}

var _ photon.Emitter = (*emitter)(nil)

func (e *emitter) running() bool { return e.state.Load() == stateRunning }

func (e *emitter) Progress(value, total float64, message string) {
	if !e.running() {
		return
	}
	e.sink.Progress(e.ctx, e.token, value, total, message)
}

func (e *emitter) Log(level photon.LogLevel, message string) {
	if !e.running() {
		return
	}
	e.sink.Log(e.ctx, level, e.toolName, message)
}

func (e *emitter) Elicit(ctx context.Context, message string, form map[string]any) (map[string]any, error) {
	if !e.running() {
		return nil, photon.Errorf(photon.KindCancelled, "invocation is no longer running")
	}
	schema, err := formSchema(form)
	if err != nil {
		return nil, err
	}
	return e.sess.Elicit(ctx, message, schema)
}

func (e *emitter) Publish(channel, event string, data any) {
	e.broker.Publish(channel, event, data)
	e.metrics.RecordPublish(e.ctx, channel)
}

// formSchema converts the map form a photon passes to Elicit into the typed
// schema the protocol layer sends.
func formSchema(form map[string]any) (*jsonschema.Schema, error) {
	if form == nil {
		return nil, nil
	}
	data, err := json.Marshal(form)
	if err != nil {
		return nil, photon.Errorf(photon.KindInvalidArguments, "elicitation form is not JSON-encodable: %v", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, photon.Errorf(photon.KindInvalidArguments, "elicitation form is not a JSON Schema: %v", err)
	}
	return &schema, nil
}
