package server_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/photonmcp/photon/internal/loader"
	"github.com/photonmcp/photon/internal/observe"
	"github.com/photonmcp/photon/internal/server"
)

const calcSource = `package main

// Calc does small arithmetic for connected clients.
// @version 1.1.0
type Calc struct {
	// Precision is the number of decimal places in rendered output.
	Precision string ` + "`" + `default:"2"` + "`" + `
}

type addArgs struct {
	A int ` + "`" + `json:"a"` + "`" + `
	B int ` + "`" + `json:"b"` + "`" + `
}

// Add returns the sum of a and b.
func (c *Calc) Add(args addArgs) int { return args.A + args.B }

// Scratch is a private workspace tool.
// @internal
func (c *Calc) Scratch() string { return "scratch" }

type greetArgs struct {
	Name string ` + "`" + `json:"name"` + "`" + `
}

// Greet renders a greeting for name.
// @Template
func (c *Calc) Greet(args greetArgs) string { return "Hello, " + args.Name + "!" }

type manualArgs struct {
	Topic string ` + "`" + `json:"topic"` + "`" + `
}

// Manual serves one page of the user manual.
// @Static docs://calc/{topic}
func (c *Calc) Manual(args manualArgs) string { return "manual: " + args.Topic }
`

// calcSourceV2 renames Add to Sum, for reload tests.
const calcSourceV2 = `package main

// Calc does small arithmetic for connected clients.
// @version 1.2.0
type Calc struct {
	// Precision is the number of decimal places in rendered output.
	Precision string ` + "`" + `default:"2"` + "`" + `
}

type sumArgs struct {
	A int ` + "`" + `json:"a"` + "`" + `
	B int ` + "`" + `json:"b"` + "`" + `
}

// Sum returns the sum of a and b.
func (c *Calc) Sum(args sumArgs) int { return args.A + args.B }
`

const vaultSource = `package main

// Vault guards a secret token.
type Vault struct {
	// Token authenticates against the backing store.
	Token string
}

// Peek returns the token length.
func (v *Vault) Peek() int { return len(v.Token) }
`

// newServer loads src from a temp file into a fresh server with an isolated
// meter provider and an empty environment.
func newServer(t *testing.T, name, src string) (*server.Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s := server.New(server.Options{
		Version: "0.0.1-test",
		Loader:  loader.New(loader.Options{Getenv: func(string) string { return "" }}),
		Metrics: metrics,
	})
	t.Cleanup(s.Close)

	if err := s.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s, path
}

// connect attaches an in-memory MCP client to the server.
func connect(t *testing.T, s *server.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcp.NewInMemoryTransports()

	if _, err := s.MCP().Connect(ctx, st, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func listToolNames(t *testing.T, cs *mcp.ClientSession) []string {
	t.Helper()
	var names []string
	for tool, err := range cs.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	return names
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T", res.Content[0])
	}
	return tc.Text
}

func TestCallTool(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, "calc.go", calcSource)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "calc/Add",
		Arguments: map[string]any{"a": 2, "b": 3},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", textOf(t, res))
	}
	if got := textOf(t, res); got != "5" {
		t.Errorf("result = %q, want %q", got, "5")
	}
}

func TestListToolsHidesInternalAndPrompts(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, "calc.go", calcSource)
	cs := connect(t, s)

	names := listToolNames(t, cs)
	if len(names) != 1 || names[0] != "calc/Add" {
		t.Errorf("tools = %v, want [calc/Add]", names)
	}
}

func TestGetPrompt(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, "calc.go", calcSource)
	cs := connect(t, s)

	res, err := cs.GetPrompt(context.Background(), &mcp.GetPromptParams{
		Name:      "calc/Greet",
		Arguments: map[string]string{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(res.Messages))
	}
	tc, ok := res.Messages[0].Content.(*mcp.TextContent)
	if !ok {
		t.Fatalf("message content type = %T", res.Messages[0].Content)
	}
	if tc.Text != "Hello, Ada!" {
		t.Errorf("prompt text = %q", tc.Text)
	}
}

func TestReadResource(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, "calc.go", calcSource)
	cs := connect(t, s)

	res, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{
		URI: "docs://calc/usage",
	})
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(res.Contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(res.Contents))
	}
	if res.Contents[0].Text != "manual: usage" {
		t.Errorf("resource text = %q", res.Contents[0].Text)
	}
	if res.Contents[0].MIMEType != "text/plain" {
		t.Errorf("mime type = %q, want text/plain", res.Contents[0].MIMEType)
	}
}

func TestCallToolRejectsBadArguments(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, "calc.go", calcSource)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "calc/Add",
		Arguments: map[string]any{"a": true, "b": 3},
	})
	if err == nil && !res.IsError {
		t.Error("call with a boolean argument succeeded")
	}
}

func TestCallToolUnconfigured(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, "vault.go", vaultSource)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "vault/Peek",
		Arguments: map[string]any{},
	})
	if err == nil && !res.IsError {
		t.Fatal("call succeeded despite missing required configuration")
	}

	// The refusal must tell the client which variables to set.
	msg := ""
	switch {
	case err != nil:
		msg = err.Error()
	default:
		msg = textOf(t, res)
	}
	if !strings.Contains(msg, "VAULT_TOKEN") {
		t.Errorf("refusal %q does not name the missing variable VAULT_TOKEN", msg)
	}
}

func TestReloadSwapsCatalog(t *testing.T) {
	t.Parallel()
	s, path := newServer(t, "calc.go", calcSource)
	cs := connect(t, s)

	if err := os.WriteFile(path, []byte(calcSourceV2), 0o644); err != nil {
		t.Fatalf("rewrite source: %v", err)
	}
	s.Reload(context.Background())

	names := listToolNames(t, cs)
	if len(names) != 1 || names[0] != "calc/Sum" {
		t.Fatalf("tools after reload = %v, want [calc/Sum]", names)
	}

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "calc/Sum",
		Arguments: map[string]any{"a": 4, "b": 6},
	})
	if err != nil {
		t.Fatalf("CallTool after reload: %v", err)
	}
	if got := textOf(t, res); got != "10" {
		t.Errorf("result = %q, want %q", got, "10")
	}
}

func TestReloadFailureKeepsCatalog(t *testing.T) {
	t.Parallel()
	s, path := newServer(t, "calc.go", calcSource)
	cs := connect(t, s)

	if err := os.WriteFile(path, []byte("package main\n\nfunc broken() {"), 0o644); err != nil {
		t.Fatalf("rewrite source: %v", err)
	}
	s.Reload(context.Background())

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "calc/Add",
		Arguments: map[string]any{"a": 1, "b": 1},
	})
	if err != nil {
		t.Fatalf("CallTool after failed reload: %v", err)
	}
	if got := textOf(t, res); got != "2" {
		t.Errorf("result = %q, want %q", got, "2")
	}
	if info := s.HealthInfo(); info.Version != "1.1.0" {
		t.Errorf("version after failed reload = %q, want 1.1.0", info.Version)
	}
}

func TestHealthInfo(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, "calc.go", calcSource)
	cs := connect(t, s)

	// A call opens the runtime session lazily.
	if _, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "calc/Add",
		Arguments: map[string]any{"a": 1, "b": 2},
	}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	info := s.HealthInfo()
	if info.Photon != "calc" {
		t.Errorf("photon = %q, want calc", info.Photon)
	}
	if info.Version != "1.1.0" {
		t.Errorf("version = %q, want 1.1.0", info.Version)
	}
	// One visible tool, one prompt, one resource template.
	if info.CatalogSize != 3 {
		t.Errorf("catalog size = %d, want 3", info.CatalogSize)
	}
	if info.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", info.Sessions)
	}
}

func TestReadyBeforeAndAfterLoad(t *testing.T) {
	t.Parallel()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s := server.New(server.Options{
		Loader:  loader.New(loader.Options{Getenv: func(string) string { return "" }}),
		Metrics: metrics,
	})
	t.Cleanup(s.Close)

	if err := s.Ready(context.Background()); err == nil {
		t.Error("Ready passed before any load")
	}

	path := filepath.Join(t.TempDir(), "calc.go")
	if err := os.WriteFile(path, []byte(calcSource), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := s.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Ready(context.Background()); err != nil {
		t.Errorf("Ready after load: %v", err)
	}
}

func TestLoadErrorMentionsPath(t *testing.T) {
	t.Parallel()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s := server.New(server.Options{
		Loader:  loader.New(loader.Options{Getenv: func(string) string { return "" }}),
		Metrics: metrics,
	})
	t.Cleanup(s.Close)

	path := filepath.Join(t.TempDir(), "missing.go")
	loadErr := s.Load(path)
	if loadErr == nil {
		t.Fatal("Load of a missing file succeeded")
	}
	if !strings.Contains(loadErr.Error(), "missing.go") {
		t.Errorf("error %q does not mention the source path", loadErr)
	}
}
