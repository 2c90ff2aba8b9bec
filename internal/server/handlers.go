package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/photonmcp/photon/internal/engine"
	"github.com/photonmcp/photon/internal/loader"
	"github.com/photonmcp/photon/internal/observe"
	"github.com/photonmcp/photon/pkg/photon"
)

// toolHandler runs one tool member through the engine. Application failures
// come back as in-band IsError results; protocol failures (unknown tool, bad
// arguments, missing configuration, cancellation) surface as errors for the
// SDK to encode.
func (s *Server) toolHandler(inst *loader.Instance, member *photon.Member, toolID string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess := s.sessionFor(req.Session)
		ctx, span := observe.StartSpan(ctx, "tools/call "+toolID)
		defer span.End()

		s.metrics.ActiveInvocations.Add(ctx, 1)
		start := time.Now()
		res, err := s.engine.Invoke(ctx, engine.Call{
			Session:       sess,
			Instance:      inst,
			Member:        member,
			ToolID:        toolID,
			Args:          req.Params.Arguments,
			ProgressToken: req.Params.GetProgressToken(),
			Sink:          &sessionSink{ss: req.Session},
		})
		s.metrics.ActiveInvocations.Add(ctx, -1)
		s.metrics.InvocationDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", toolID)))

		switch {
		case err != nil && photon.IsKind(err, photon.KindCancelled):
			s.metrics.RecordToolCall(ctx, toolID, "cancelled")
		case err != nil, res.IsError:
			s.metrics.RecordToolCall(ctx, toolID, "error")
		default:
			s.metrics.RecordToolCall(ctx, toolID, "ok")
		}
		if err != nil {
			return nil, err
		}
		return callResult(res), nil
	}
}

// callResult shapes the engine outcome into MCP content blocks.
func callResult(res *engine.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: res.Text}},
		IsError: res.IsError,
	}
	if res.Structured != nil {
		out.StructuredContent = res.Structured
	}
	meta := mcp.Meta{}
	if res.LinkedUI != "" {
		meta["photon/linkedUi"] = res.LinkedUI
	}
	if res.MIMEType != "" {
		meta["photon/mimeType"] = res.MIMEType
	}
	if len(meta) > 0 {
		out.Meta = meta
	}
	return out
}

// promptHandler renders a prompt member. Prompts have no in-band error
// channel, so a failed render is a request error.
func (s *Server) promptHandler(inst *loader.Instance, member *photon.Member, promptID string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		sess := s.sessionFor(req.Session)
		ctx, span := observe.StartSpan(ctx, "prompts/get "+promptID)
		defer span.End()

		var args json.RawMessage
		if len(req.Params.Arguments) > 0 {
			data, err := json.Marshal(req.Params.Arguments)
			if err != nil {
				return nil, photon.Errorf(photon.KindInvalidArguments,
					"prompt arguments are not encodable: %v", err)
			}
			args = data
		}

		res, err := s.engine.Invoke(ctx, engine.Call{
			Session:  sess,
			Instance: inst,
			Member:   member,
			ToolID:   promptID,
			Args:     args,
			Sink:     &sessionSink{ss: req.Session},
		})
		if err != nil {
			return nil, err
		}
		if res.IsError {
			return nil, photon.Errorf(photon.KindInternal, "prompt %s failed: %s", promptID, res.Text)
		}

		return &mcp.GetPromptResult{
			Description: member.Description,
			Messages: []*mcp.PromptMessage{
				{Role: "user", Content: &mcp.TextContent{Text: res.Text}},
			},
		}, nil
	}
}

// resourceHandler serves resources/read by matching the request URI against
// the instance's declared templates and invoking the backing method with the
// extracted placeholder values.
func (s *Server) resourceHandler(inst *loader.Instance) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		sess := s.sessionFor(req.Session)
		uri := req.Params.URI
		ctx, span := observe.StartSpan(ctx, "resources/read "+uri)
		defer span.End()

		member, params, ok := inst.Resource(uri)
		if !ok {
			return nil, photon.Errorf(photon.KindNotFound, "no resource matches %s", uri)
		}
		id := inst.Spec().ToolID(member)

		res, err := s.engine.Invoke(ctx, engine.Call{
			Session:  sess,
			Instance: inst,
			Member:   member,
			ToolID:   id,
			Args:     engine.ResourceArgs(params),
			Sink:     &sessionSink{ss: req.Session},
		})
		if err != nil {
			return nil, err
		}
		if res.IsError {
			return nil, photon.Errorf(photon.KindInternal, "resource %s failed: %s", uri, res.Text)
		}

		mime := member.MIMEType
		if mime == "" {
			mime = res.MIMEType
		}
		if mime == "" {
			mime = "text/plain"
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{URI: uri, MIMEType: mime, Text: res.Text},
			},
		}, nil
	}
}
