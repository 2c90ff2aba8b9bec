package loader

import (
	"reflect"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/yosida95/uritemplate/v3"

	"github.com/photonmcp/photon/pkg/photon"
)

// Instance is one loaded photon: the interpreter holding the user object,
// the receiver value, the derived spec, and the resolved configuration.
//
// An Instance is immutable after load and replaced wholesale on reload;
// in-flight invocations keep using the instance they started on.
type Instance struct {
	spec    *photon.Spec
	interp  *interp.Interpreter
	recv    reflect.Value
	config  photon.ConfigRecord
	missing []string

	resources []compiledResource

	mu      sync.Mutex
	methods map[string]reflect.Value
}

type compiledResource struct {
	member   *photon.Member
	template *uritemplate.Template
}

// Spec returns the derived catalog. Callers must treat it as read-only.
func (in *Instance) Spec() *photon.Spec { return in.spec }

// Config returns the resolved configuration record.
func (in *Instance) Config() photon.ConfigRecord { return in.config }

// Missing returns the env var names of unresolved required parameters.
// A non-empty result means every call fails with NotConfigured.
func (in *Instance) Missing() []string { return in.missing }

// Configured reports whether all required parameters are resolved.
func (in *Instance) Configured() bool { return len(in.missing) == 0 }

// Tool resolves a visible tool by method name.
func (in *Instance) Tool(name string) *photon.Member { return in.spec.Tool(name) }

// Prompt resolves a visible prompt by method name.
func (in *Instance) Prompt(name string) *photon.Member { return in.spec.Prompt(name) }

// Resource matches a concrete URI against the declared resource templates.
// On a match it returns the member and the extracted placeholder values.
func (in *Instance) Resource(uri string) (*photon.Member, map[string]string, bool) {
	for _, cr := range in.resources {
		if cr.member.Internal {
			continue
		}
		vals := cr.template.Match(uri)
		if vals == nil {
			continue
		}
		params := map[string]string{}
		for _, name := range cr.template.Varnames() {
			params[name] = vals.Get(name).String()
		}
		return cr.member, params, true
	}
	return nil, nil, false
}

// Method returns the bound method value for a catalog member.
func (in *Instance) Method(name string) (reflect.Value, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if mv, ok := in.methods[name]; ok {
		return mv, nil
	}
	mv, err := in.interp.Eval(instanceVar + "." + name)
	if err != nil {
		return reflect.Value{}, &photon.Error{
			Kind: photon.KindNotFound,
			Msg:  "method " + name + " is not callable",
			Err:  err,
		}
	}
	in.methods[name] = mv
	return mv, nil
}

// compileResources pre-compiles the URI templates of every resource member.
func compileResources(spec *photon.Spec) ([]compiledResource, error) {
	out := make([]compiledResource, 0, len(spec.Resources))
	for _, m := range spec.Resources {
		tmpl, err := uritemplate.New(m.URITemplate)
		if err != nil {
			return nil, &photon.Error{
				Kind: photon.KindLoad,
				Msg:  "invalid @Static template on " + m.Name,
				Err:  err,
			}
		}
		out = append(out, compiledResource{member: m, template: tmpl})
	}
	return out, nil
}
