package photon

import (
	"context"
	"time"
)

// Emitter is the engine-side sink behind a [Ctx]. Each call translates into
// an MCP notification (or an elicitation round-trip) on the owning session.
//
// Implementations must be safe for concurrent use: a method may emit from
// goroutines it spawns itself.
type Emitter interface {
	// Progress reports invocation progress. total may be 0 when unknown.
	Progress(value, total float64, message string)

	// Log emits a notifications/message at the given level. Levels below
	// the session's logging/setLevel floor are dropped server-side.
	Log(level LogLevel, message string)

	// Elicit asks the connected client for structured input described by
	// form (a JSON Schema object) and blocks until the client replies, the
	// deadline passes, or the invocation is cancelled.
	Elicit(ctx context.Context, message string, form map[string]any) (map[string]any, error)

	// Publish fans data out to every session subscribed to channel.
	Publish(channel, event string, data any)
}

// LogLevel is an MCP logging level.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Ctx is the ambient invocation context handed to photon methods as their
// first parameter. It scopes every emit to one invocation on one session
// and carries the cancellation signal.
//
// The zero value is not usable; the engine constructs one per invocation.
type Ctx struct {
	ctx          context.Context
	invocationID string
	sessionID    string
	toolName     string
	startedAt    time.Time
	emitter      Emitter
}

// NewCtx builds an invocation context. It is exported for the engine and for
// tests; photon code only ever receives one.
func NewCtx(ctx context.Context, invocationID, sessionID, toolName string, e Emitter) *Ctx {
	return &Ctx{
		ctx:          ctx,
		invocationID: invocationID,
		sessionID:    sessionID,
		toolName:     toolName,
		startedAt:    time.Now(),
		emitter:      e,
	}
}

// Progress reports progress toward completion. total may be 0 when the
// amount of work is unknown.
func (c *Ctx) Progress(value, total float64, message string) {
	c.emitter.Progress(value, total, message)
}

// Log sends a log line to the client at the given level.
func (c *Ctx) Log(level LogLevel, message string) {
	c.emitter.Log(level, message)
}

// Elicit requests structured input from the client. form is a JSON Schema
// object (typically {"type":"object","properties":{...}}). It returns the
// accepted content, or an error when the client declines, the client lacks
// the elicitation capability, or the invocation is cancelled first.
func (c *Ctx) Elicit(message string, form map[string]any) (map[string]any, error) {
	return c.emitter.Elicit(c.ctx, message, form)
}

// Publish emits an event on a named channel. Delivery is fire-and-forget:
// sessions subscribed at publish time receive it, nobody else ever will.
func (c *Ctx) Publish(channel, event string, data any) {
	c.emitter.Publish(channel, event, data)
}

// Cancelled reports whether the invocation has been cancelled. Long-running
// methods should poll this and return promptly when it turns true.
func (c *Ctx) Cancelled() bool { return c.ctx.Err() != nil }

// Context returns the underlying context for passing to blocking calls.
func (c *Ctx) Context() context.Context { return c.ctx }

// InvocationID returns the unique id of this invocation within its session.
func (c *Ctx) InvocationID() string { return c.invocationID }

// SessionID returns the owning session's id.
func (c *Ctx) SessionID() string { return c.sessionID }

// ToolName returns the protocol-visible name being invoked.
func (c *Ctx) ToolName() string { return c.toolName }

// StartedAt returns when the engine accepted the invocation.
func (c *Ctx) StartedAt() time.Time { return c.startedAt }
