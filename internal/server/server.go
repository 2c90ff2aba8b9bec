// Package server is the protocol core of the runtime. It projects a loaded
// photon's catalog onto a single MCP server, routes tool, prompt, and
// resource requests through the engine, and swaps the catalog in place when
// the source file reloads.
//
// The package owns the mapping between runtime state and SDK state: one
// [loader.Instance] becomes one set of registered tools, prompts, and
// resources; one SDK server session becomes one [session.Session]. Everything
// below this layer is transport-neutral.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/photonmcp/photon/internal/broker"
	"github.com/photonmcp/photon/internal/engine"
	"github.com/photonmcp/photon/internal/health"
	"github.com/photonmcp/photon/internal/loader"
	"github.com/photonmcp/photon/internal/observe"
	"github.com/photonmcp/photon/internal/session"
	"github.com/photonmcp/photon/internal/watcher"
	"github.com/photonmcp/photon/pkg/photon"
)

// Options configures a Server.
type Options struct {
	// Version is the runtime version reported in the MCP handshake.
	Version string

	// Loader loads and reloads the photon source. Required.
	Loader *loader.Loader

	// Metrics receives instrumentation; nil uses the process default.
	Metrics *observe.Metrics

	// EngineOptions are passed through to the invocation engine.
	EngineOptions []engine.Option
}

// catalogNames records what one instance registered, so a reload can remove
// exactly that and nothing else.
type catalogNames struct {
	tools     []string
	prompts   []string
	resources []string
	templates []string
}

// Server binds one photon to one MCP server across all transports.
type Server struct {
	version  string
	loader   *loader.Loader
	metrics  *observe.Metrics
	broker   *broker.Broker
	registry *session.Registry
	engine   *engine.Engine
	mcp      *mcp.Server

	// sessionIDs maps live SDK sessions to registry ids. Keyed by pointer
	// because not every transport carries a session id of its own.
	sessMu     sync.Mutex
	sessionIDs map[*mcp.ServerSession]string

	mu         sync.RWMutex
	sourcePath string
	instance   *loader.Instance
	registered catalogNames
}

// New creates a server with an empty catalog. Call [Server.Load] before
// serving any transport.
func New(opts Options) *Server {
	version := opts.Version
	if version == "" {
		version = "0.0.0"
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	b := broker.New()
	engineOpts := append([]engine.Option{engine.WithMetrics(metrics)}, opts.EngineOptions...)
	s := &Server{
		version:    version,
		loader:     opts.Loader,
		metrics:    metrics,
		broker:     b,
		registry:   session.NewRegistry(b),
		engine:     engine.New(b, engineOpts...),
		sessionIDs: map[*mcp.ServerSession]string{},
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "photon", Version: version}, nil)
	return s
}

// MCP exposes the underlying SDK server for transport wiring.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Instance returns the currently loaded instance, nil before the first
// successful load.
func (s *Server) Instance() *loader.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instance
}

// Close tears down every live session. Transports are stopped by their
// serve loops, not here.
func (s *Server) Close() {
	s.registry.CloseAll()
}

// Load reads, analyzes, and instantiates the photon at path, then publishes
// its catalog. On failure the previous catalog, if any, stays live.
func (s *Server) Load(path string) error {
	start := time.Now()
	inst, err := s.loader.Load(path)
	s.metrics.LoadDuration.Record(context.Background(), time.Since(start).Seconds())
	if err != nil {
		return err
	}
	s.swap(inst, path)
	slog.Info("photon loaded",
		"path", path, "photon", inst.Spec().Name, "version", inst.Spec().Version,
		"configured", inst.Configured())
	return nil
}

// Reload re-loads the current source with the previous load's configuration
// record. A failed reload keeps the old catalog serving and tells connected
// clients what went wrong; a successful one swaps the catalog and lets the
// SDK emit the list_changed notifications.
func (s *Server) Reload(ctx context.Context) {
	s.mu.RLock()
	path := s.sourcePath
	s.mu.RUnlock()

	start := time.Now()
	inst, err := s.loader.Reload(path)
	s.metrics.LoadDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordReload(ctx, "error")
		slog.Error("reload failed, previous catalog stays live", "path", path, "err", err)
		s.broadcastState(ctx, "error", map[string]any{
			"event": "reloadFailed",
			"path":  path,
			"error": err.Error(),
		})
		return
	}

	s.swap(inst, path)
	s.metrics.RecordReload(ctx, "ok")
	slog.Info("photon reloaded",
		"path", path, "photon", inst.Spec().Name, "version", inst.Spec().Version)
	s.broadcastState(ctx, "info", map[string]any{
		"event":   "reloaded",
		"photon":  inst.Spec().Name,
		"version": inst.Spec().Version,
	})
}

// Watch starts a file watcher that reloads on settled source edits. The
// caller owns the returned watcher and must Stop it on shutdown.
func (s *Server) Watch() (*watcher.Watcher, error) {
	s.mu.RLock()
	path := s.sourcePath
	s.mu.RUnlock()
	return watcher.New(path, func(string) {
		s.Reload(context.Background())
	})
}

// Ready reports whether a photon is loaded, for the readiness probe.
func (s *Server) Ready(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.instance == nil {
		return errors.New("no photon loaded")
	}
	return nil
}

// HealthInfo snapshots the runtime for the liveness probe.
func (s *Server) HealthInfo() health.Info {
	s.mu.RLock()
	inst := s.instance
	reg := s.registered
	s.mu.RUnlock()

	info := health.Info{Sessions: s.registry.Count()}
	if inst != nil {
		spec := inst.Spec()
		info.Photon = spec.Name
		info.Version = spec.Version
		info.CatalogSize = len(reg.tools) + len(reg.prompts) +
			len(reg.resources) + len(reg.templates)
	}
	return info
}

// swap atomically replaces the published catalog with inst's.
func (s *Server) swap(inst *loader.Instance, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.registered
	if len(old.tools) > 0 {
		s.mcp.RemoveTools(old.tools...)
	}
	if len(old.prompts) > 0 {
		s.mcp.RemovePrompts(old.prompts...)
	}
	if len(old.resources) > 0 {
		s.mcp.RemoveResources(old.resources...)
	}
	if len(old.templates) > 0 {
		s.mcp.RemoveResourceTemplates(old.templates...)
	}

	s.instance = inst
	s.sourcePath = path
	s.registered = s.register(inst)
}

// register publishes inst's visible members and returns their names.
// Internal members never reach the SDK, so no listing can leak them.
func (s *Server) register(inst *loader.Instance) catalogNames {
	spec := inst.Spec()
	var reg catalogNames

	for _, m := range spec.Tools {
		if m.Internal {
			continue
		}
		id := spec.ToolID(m)
		in := m.InputSchema
		if in == nil {
			in = &jsonschema.Schema{Type: "object"}
		}
		s.mcp.AddTool(&mcp.Tool{
			Name:        id,
			Description: m.Description,
			InputSchema: in,
			Meta:        memberMeta(m),
		}, s.toolHandler(inst, m, id))
		reg.tools = append(reg.tools, id)
	}

	for _, m := range spec.Prompts {
		if m.Internal {
			continue
		}
		id := spec.ToolID(m)
		s.mcp.AddPrompt(&mcp.Prompt{
			Name:        id,
			Description: m.Description,
			Arguments:   promptArguments(m.InputSchema),
		}, s.promptHandler(inst, m, id))
		reg.prompts = append(reg.prompts, id)
	}

	for _, m := range spec.Resources {
		if m.Internal {
			continue
		}
		mime := m.MIMEType
		if mime == "" {
			mime = "text/plain"
		}
		h := s.resourceHandler(inst)
		if strings.Contains(m.URITemplate, "{") {
			s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
				URITemplate: m.URITemplate,
				Name:        spec.ToolID(m),
				Description: m.Description,
				MIMEType:    mime,
			}, h)
			reg.templates = append(reg.templates, m.URITemplate)
		} else {
			s.mcp.AddResource(&mcp.Resource{
				URI:         m.URITemplate,
				Name:        spec.ToolID(m),
				Description: m.Description,
				MIMEType:    mime,
			}, h)
			reg.resources = append(reg.resources, m.URITemplate)
		}
	}

	return reg
}

// memberMeta carries the layout hints a listing cannot express in standard
// fields: the linked UI resource, autorun, and unrecognised @tags verbatim.
func memberMeta(m *photon.Member) mcp.Meta {
	meta := mcp.Meta{}
	if m.LinkedUI != "" {
		meta["photon/linkedUi"] = m.LinkedUI
	}
	if m.Autorun {
		meta["photon/autorun"] = true
	}
	for k, v := range m.Extra {
		meta["photon/"+k] = v
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// promptArguments flattens an input schema into the prompt argument list,
// sorted by name for a stable listing.
func promptArguments(schema *jsonschema.Schema) []*mcp.PromptArgument {
	if schema == nil || len(schema.Properties) == 0 {
		return nil
	}
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*mcp.PromptArgument, 0, len(names))
	for _, name := range names {
		out = append(out, &mcp.PromptArgument{
			Name:        name,
			Description: schema.Properties[name].Description,
			Required:    required[name],
		})
	}
	return out
}

// sessionFor returns the runtime session for an SDK session, opening one on
// first contact. The SDK exposes no disconnect hook, so stale entries are
// collected here, when a new session arrives.
func (s *Server) sessionFor(ss *mcp.ServerSession) *session.Session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	if id, ok := s.sessionIDs[ss]; ok {
		if sess := s.registry.Get(id); sess != nil {
			return sess
		}
	}
	s.pruneLocked()

	id := ss.ID()
	if id == "" {
		id = uuid.NewString()
	}
	s.sessionIDs[ss] = id
	sess := s.registry.Open(id, &sessionNotifier{ss: ss, metrics: s.metrics})
	if supportsElicitation(ss) {
		sess.SetElicitationSupported(true)
	}
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Debug("session opened", "session", id)
	return sess
}

func (s *Server) pruneLocked() {
	live := map[*mcp.ServerSession]bool{}
	for ss := range s.mcp.Sessions() {
		live[ss] = true
	}
	for ss, id := range s.sessionIDs {
		if live[ss] {
			continue
		}
		delete(s.sessionIDs, ss)
		s.registry.Close(id)
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Debug("session collected", "session", id)
	}
}

func supportsElicitation(ss *mcp.ServerSession) bool {
	params := ss.InitializeParams()
	return params != nil && params.Capabilities != nil && params.Capabilities.Elicitation != nil
}

// broadcastState tells every connected client about a runtime state change
// via notifications/message with the "photon/state" logger.
func (s *Server) broadcastState(ctx context.Context, level mcp.LoggingLevel, data any) {
	for ss := range s.mcp.Sessions() {
		if err := ss.Log(ctx, &mcp.LoggingMessageParams{
			Level:  level,
			Logger: "photon/state",
			Data:   data,
		}); err != nil {
			slog.Debug("state broadcast failed", "err", err)
		}
	}
}
