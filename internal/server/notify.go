package server

import (
	"context"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/photonmcp/photon/internal/broker"
	"github.com/photonmcp/photon/internal/engine"
	"github.com/photonmcp/photon/internal/observe"
	"github.com/photonmcp/photon/internal/session"
	"github.com/photonmcp/photon/pkg/photon"
)

// sessionNotifier is the transport side of a session: channel events go out
// as notifications/message with a "channel/<name>" logger, elicitations run
// the SDK round-trip.
type sessionNotifier struct {
	ss      *mcp.ServerSession
	metrics *observe.Metrics
}

var _ session.Notifier = (*sessionNotifier)(nil)

func (n *sessionNotifier) SendChannelEvent(ctx context.Context, ev broker.Event) error {
	return n.ss.Log(ctx, &mcp.LoggingMessageParams{
		Level:  "info",
		Logger: "channel/" + ev.Channel,
		Data:   ev,
	})
}

func (n *sessionNotifier) Elicit(ctx context.Context, message string, schema *jsonschema.Schema) (string, map[string]any, error) {
	res, err := n.ss.Elicit(ctx, &mcp.ElicitParams{
		Message:         message,
		RequestedSchema: schema,
	})
	if err != nil {
		return "", nil, err
	}
	n.metrics.RecordElicitation(ctx, res.Action)
	return res.Action, res.Content, nil
}

// sessionSink ships an invocation's progress and log emits to its session.
// Delivery failures are logged, never surfaced: the method outcome must not
// depend on notification plumbing.
type sessionSink struct {
	ss *mcp.ServerSession
}

var _ engine.Sink = (*sessionSink)(nil)

func (k *sessionSink) Progress(ctx context.Context, token any, value, total float64, message string) {
	err := k.ss.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
		ProgressToken: token,
		Progress:      value,
		Total:         total,
		Message:       message,
	})
	if err != nil {
		slog.Debug("progress notification failed", "err", err)
	}
}

func (k *sessionSink) Log(ctx context.Context, level photon.LogLevel, logger string, data any) {
	err := k.ss.Log(ctx, &mcp.LoggingMessageParams{
		Level:  logLevel(level),
		Logger: logger,
		Data:   data,
	})
	if err != nil {
		slog.Debug("log notification failed", "logger", logger, "err", err)
	}
}

// logLevel maps a photon log level onto the wire enum, defaulting unknown
// values to info rather than dropping the message.
func logLevel(l photon.LogLevel) mcp.LoggingLevel {
	switch l {
	case photon.LogDebug, photon.LogInfo, photon.LogWarning, photon.LogError:
		return mcp.LoggingLevel(l)
	default:
		return "info"
	}
}
