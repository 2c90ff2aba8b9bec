package analyzer

import (
	"encoding/json"
	"go/ast"
	"reflect"
	"strings"
	"unicode"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/photonmcp/photon/pkg/photon"
)

// schemaBuilder converts declared Go types into JSON Schema fragments.
// It resolves named struct types against the declarations of the analysed
// file; nothing is ever evaluated.
type schemaBuilder struct {
	// named maps type names declared in the file to their struct types.
	named map[string]*ast.StructType
}

// objectSchema builds the schema for a struct type: one property per exported
// field, with pointer fields and `json:",omitempty"` fields left out of
// required.
func (b *schemaBuilder) objectSchema(st *ast.StructType) (*jsonschema.Schema, error) {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{},
	}

	for _, field := range st.Fields.List {
		for _, name := range field.Names {
			if !ast.IsExported(name.Name) {
				continue
			}
			tag := fieldTag(field)
			prop, err := b.typeSchema(field.Type)
			if err != nil {
				return nil, err
			}
			if doc := field.Doc.Text(); doc != "" {
				prop.Description = firstParagraph(doc)
			}
			if enum := tag.Get("enum"); enum != "" {
				for _, v := range strings.Split(enum, ",") {
					prop.Enum = append(prop.Enum, strings.TrimSpace(v))
				}
			}
			key := propertyName(name.Name, tag)
			schema.Properties[key] = prop

			if required(field, tag) {
				schema.Required = append(schema.Required, key)
			}
		}
	}
	return schema, nil
}

// typeSchema maps one type expression to a schema fragment.
func (b *schemaBuilder) typeSchema(expr ast.Expr) (*jsonschema.Schema, error) {
	switch t := expr.(type) {
	case *ast.StarExpr:
		// Pointer marks optionality; the value schema is the element's.
		return b.typeSchema(t.X)

	case *ast.Ident:
		switch t.Name {
		case "string":
			return &jsonschema.Schema{Type: "string"}, nil
		case "bool":
			return &jsonschema.Schema{Type: "boolean"}, nil
		case "int", "int8", "int16", "int32", "int64",
			"uint", "uint8", "uint16", "uint32", "uint64":
			return &jsonschema.Schema{Type: "integer"}, nil
		case "float32", "float64":
			return &jsonschema.Schema{Type: "number"}, nil
		case "any":
			return &jsonschema.Schema{}, nil
		}
		if st, ok := b.named[t.Name]; ok {
			return b.objectSchema(st)
		}
		return nil, photon.Errorf(photon.KindLoad, "unsupported parameter type %q", t.Name)

	case *ast.ArrayType:
		items, err := b.typeSchema(t.Elt)
		if err != nil {
			return nil, err
		}
		return &jsonschema.Schema{Type: "array", Items: items}, nil

	case *ast.MapType:
		val, err := b.typeSchema(t.Value)
		if err != nil {
			return nil, err
		}
		return &jsonschema.Schema{Type: "object", AdditionalProperties: val}, nil

	case *ast.StructType:
		return b.objectSchema(t)

	case *ast.InterfaceType:
		if len(t.Methods.List) == 0 {
			return &jsonschema.Schema{}, nil
		}
	}
	return nil, photon.Errorf(photon.KindLoad, "unsupported parameter type")
}

// fieldTag returns the parsed struct tag of a field, empty when absent.
func fieldTag(field *ast.Field) reflect.StructTag {
	if field.Tag == nil {
		return ""
	}
	return reflect.StructTag(strings.Trim(field.Tag.Value, "`"))
}

// propertyName derives the JSON property name: the json tag when present,
// otherwise the field name in lowerCamel.
func propertyName(fieldName string, tag reflect.StructTag) string {
	if jt := tag.Get("json"); jt != "" {
		name, _, _ := strings.Cut(jt, ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return lowerCamel(fieldName)
}

// required reports whether a field is a required property: not a pointer,
// no omitempty, no default tag.
func required(field *ast.Field, tag reflect.StructTag) bool {
	if _, isPtr := field.Type.(*ast.StarExpr); isPtr {
		return false
	}
	if jt := tag.Get("json"); jt != "" {
		if _, opts, _ := strings.Cut(jt, ","); strings.Contains(opts, "omitempty") {
			return false
		}
	}
	if _, hasDefault := tag.Lookup("default"); hasDefault {
		return false
	}
	return true
}

// lowerCamel lowers the leading run of upper-case letters: "Message" →
// "message", "URL" → "url", "MaxHP" → "maxHP".
func lowerCamel(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsUpper(r) {
			break
		}
		// Keep the last upper of an acronym run when a word follows.
		if i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			break
		}
		runes[i] = unicode.ToLower(r)
	}
	return string(runes)
}

// upperSnake converts a CamelCase identifier to UPPER_SNAKE_CASE:
// "DataDir" → "DATA_DIR", "APIKey" → "API_KEY".
func upperSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// marshalDefault encodes a declared default for embedding in a schema.
// Defaults are declared as strings; numeric and boolean literals are kept
// as their JSON forms.
func marshalDefault(def string) (json.RawMessage, error) {
	var probe any
	if err := json.Unmarshal([]byte(def), &probe); err == nil {
		switch probe.(type) {
		case float64, bool:
			return json.RawMessage(def), nil
		}
	}
	return json.Marshal(def)
}

// firstParagraph returns the first paragraph of a cleaned doc comment,
// joined to one line.
func firstParagraph(text string) string {
	var para []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "@") {
			break
		}
		para = append(para, trimmed)
	}
	return strings.Join(para, " ")
}
