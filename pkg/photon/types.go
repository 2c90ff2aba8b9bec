// Package photon defines the shared value types of the Photon runtime: the
// spec a loaded photon exposes (its catalog of tools, prompts, and resources),
// the configuration model derived from the photon struct's fields, the tagged
// error type used across the runtime, and the ambient invocation context
// handed to user methods.
//
// The package is imported both by the runtime itself and by user photon files
// (through the interpreter's symbol table), so it must stay free of heavy
// dependencies.
package photon

import (
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// MemberKind discriminates the three exposed member variants.
type MemberKind string

const (
	// KindTool is a method returning data, exposed via tools/list.
	KindTool MemberKind = "tool"

	// KindPrompt is a method tagged @Template, exposed via prompts/list.
	KindPrompt MemberKind = "prompt"

	// KindResource is a method tagged @Static, exposed via resources/list.
	KindResource MemberKind = "resource"
)

// OutputFormat hints how a tool's return value should be rendered.
type OutputFormat string

const (
	OutputText     OutputFormat = "text"
	OutputJSON     OutputFormat = "json"
	OutputMarkdown OutputFormat = "markdown"
	OutputHTML     OutputFormat = "html"
)

// IsValid reports whether f is a recognised output format.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputText, OutputJSON, OutputMarkdown, OutputHTML:
		return true
	}
	return false
}

// Member is one exposed member of a photon: a tool, prompt, or resource.
// The three kinds share a single record rather than a type hierarchy; Kind
// discriminates, and the resource-only fields are zero for the other kinds.
type Member struct {
	// Kind discriminates tool / prompt / resource.
	Kind MemberKind

	// Name is the method name on the photon struct.
	Name string

	// Description is the first paragraph of the method's doc comment.
	Description string

	// InputSchema describes the method's argument struct as a JSON Schema
	// object. Nil for methods that take no argument struct.
	InputSchema *jsonschema.Schema

	// OutputFormat is the declared @output format. Defaults to OutputText.
	OutputFormat OutputFormat

	// LinkedUI names the UI resource that renders this tool's result
	// (the @linkedUi tag). Empty when unset.
	LinkedUI string

	// Autorun marks a tool the UI should invoke without an explicit submit
	// (the @autorun tag).
	Autorun bool

	// Internal hides the member from every listing (the @internal tag).
	Internal bool

	// URITemplate is the RFC 6570 template from the @Static tag.
	// Set only when Kind == KindResource.
	URITemplate string

	// MIMEType is the declared resource MIME type. Set only for resources.
	MIMEType string

	// Extra holds unrecognised @tags verbatim, keyed by tag name. They are
	// passed through to clients as layout hints and never interpreted.
	Extra map[string]string
}

// ConfigParam is one constructor parameter of a photon, derived from an
// exported field of the photon struct.
type ConfigParam struct {
	// Name is the field name as declared.
	Name string

	// Doc is the field's doc comment, first paragraph only.
	Doc string

	// Type is the declared Go type ("string", "int", "bool", "float64").
	Type string

	// Default is the declared default value from the `default` struct tag.
	Default string

	// SymbolicDefault is true when Default is one of the well-known
	// expressions ("homedir()", "cwd()") that are substituted with the
	// host-specific value at display time, never evaluated at analysis time.
	SymbolicDefault bool

	// Required is true when the field has no default.
	Required bool

	// EnvVar is the environment variable that supplies this parameter,
	// {PHOTONNAME}_{PARAM_NAME} in UPPER_SNAKE_CASE.
	EnvVar string
}

// Dependency is one entry of the @dependency manifest in the file docblock.
type Dependency struct {
	Path    string
	Version string
}

// Spec is the derived catalog of one loaded photon. It is rebuilt on every
// load and treated as immutable afterwards; a reload replaces the whole value.
type Spec struct {
	// Name is the bare photon identifier (lower-cased struct name).
	Name string

	// DisplayName is the struct name as declared.
	DisplayName string

	// Description is the first paragraph of the struct's doc comment.
	Description string

	// Version is the declared @version, or "0.0.0" when absent.
	Version string

	// Icon is the declared @icon, if any.
	Icon string

	Tools     []*Member
	Prompts   []*Member
	Resources []*Member

	// Params are the photon's configuration parameters in declaration order.
	Params []ConfigParam

	// ConfigSchema describes Params as a JSON Schema object, for
	// configuration UIs.
	ConfigSchema *jsonschema.Schema

	// Dependencies is the normalized @dependency manifest.
	Dependencies []Dependency

	// HasInit is true when the photon declares the optional
	// Init(ctx) error lifecycle hook.
	HasInit bool

	// SourceHash is the sha256 of the source bytes, "sha256:<hex>".
	SourceHash string

	// SourcePath is the absolute path the photon was loaded from.
	SourcePath string
}

// Tool returns the visible tool with the given method name, or nil.
func (s *Spec) Tool(name string) *Member { return findMember(s.Tools, name) }

// Prompt returns the visible prompt with the given method name, or nil.
func (s *Spec) Prompt(name string) *Member { return findMember(s.Prompts, name) }

func findMember(ms []*Member, name string) *Member {
	for _, m := range ms {
		if m.Name == name && !m.Internal {
			return m
		}
	}
	return nil
}

// ToolID returns the protocol-visible identifier of a member,
// "{photonName}/{methodName}".
func (s *Spec) ToolID(m *Member) string {
	return s.Name + "/" + m.Name
}

// SplitToolID splits a protocol tool identifier into photon and method name.
// The second return is empty when id carries no slash.
func SplitToolID(id string) (photonName, method string) {
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

// MissingParams returns the names of required parameters absent from rec,
// in declaration order. An empty result means the photon is configured.
func (s *Spec) MissingParams(rec ConfigRecord) []string {
	var missing []string
	for _, p := range s.Params {
		if !p.Required {
			continue
		}
		if _, ok := rec[p.Name]; !ok {
			missing = append(missing, p.EnvVar)
		}
	}
	return missing
}

// ConfigRecord holds the resolved configuration values for one photon,
// keyed by parameter name. Values are strings as read from the environment
// or the saved configuration document; the loader coerces them to the
// declared field types at injection time.
type ConfigRecord map[string]string

// Clone returns an independent copy of the record.
func (r ConfigRecord) Clone() ConfigRecord {
	out := make(ConfigRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
