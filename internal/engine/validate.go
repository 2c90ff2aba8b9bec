package engine

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	gojsonschema "github.com/google/jsonschema-go/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/photonmcp/photon/pkg/photon"
)

// validator compiles and caches argument schemas per catalog member. Specs
// are immutable after load, so caching by member pointer is safe; a reload
// produces fresh members and the old entries age out with the old instance.
type validator struct {
	mu       sync.Mutex
	compiled map[*photon.Member]*jsonschema.Schema
}

func newValidator() *validator {
	return &validator{compiled: map[*photon.Member]*jsonschema.Schema{}}
}

// validate checks raw against the member's input schema and returns the
// decoded arguments. Numeric-looking strings are coerced only where the
// schema declares a numeric type.
func (v *validator) validate(member *photon.Member, raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, &photon.Error{
				Kind: photon.KindInvalidArguments,
				Msg:  "arguments are not a JSON object",
				Err:  err,
			}
		}
	}
	if member.InputSchema == nil {
		return args, nil
	}

	coerceNumbers(member.InputSchema, args)

	sch, err := v.schemaFor(member)
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(args); err != nil {
		return nil, invalidArguments(err)
	}
	return args, nil
}

func (v *validator) schemaFor(member *photon.Member) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.compiled[member]; ok {
		return sch, nil
	}

	data, err := json.Marshal(member.InputSchema)
	if err != nil {
		return nil, photon.Errorf(photon.KindInternal, "marshal input schema: %v", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, photon.Errorf(photon.KindInternal, "decode input schema: %v", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, photon.Errorf(photon.KindInternal, "add schema resource: %v", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, photon.Errorf(photon.KindInternal, "compile input schema: %v", err)
	}
	v.compiled[member] = sch
	return sch, nil
}

// invalidArguments converts a validation failure into the runtime error
// shape, citing the offending property path when available.
func invalidArguments(err error) error {
	pe := &photon.Error{
		Kind: photon.KindInvalidArguments,
		Msg:  "arguments violate the input schema",
		Err:  err,
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if len(leaf.InstanceLocation) > 0 {
			pe.Path = strings.Join(leaf.InstanceLocation, ".")
		}
	}
	return pe
}

// coerceNumbers rewrites top-level string arguments to numbers where the
// schema permits a numeric type, so that "42" satisfies {"type":"integer"}.
func coerceNumbers(schema *gojsonschema.Schema, args map[string]any) {
	for name, prop := range schema.Properties {
		s, ok := args[name].(string)
		if !ok || prop == nil {
			continue
		}
		switch prop.Type {
		case "integer":
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				args[name] = n
			}
		case "number":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				args[name] = f
			}
		}
	}
}
