// Package analyzer extracts a photon's catalog from its source text.
//
// Analysis is purely syntactic: the file is parsed with go/parser and walked
// as an AST; user code is never executed. The analyzer finds the photon
// struct (the first exported struct type with at least one exported method),
// derives its configuration parameters from the struct's fields, and turns
// each exported method into a tool, prompt, or resource member according to
// its doc-comment tags.
//
// Analyze is a pure function of the source bytes: the same input always
// yields an equal spec.
package analyzer

import (
	"errors"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/photonmcp/photon/pkg/photon"
)

// reserved method names that never become catalog members.
const (
	methodInit = "Init"
)

// Analyze parses one photon source file and derives its spec skeleton.
// SourcePath on the result is left empty; the loader fills it in.
func Analyze(src []byte) (*photon.Spec, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "photon.go", src, parser.ParseComments)
	if err != nil {
		return nil, &photon.Error{
			Kind: photon.KindLoad,
			Msg:  "source does not parse",
			Err:  err,
		}
	}

	structs, order := collectStructs(file)
	methods := collectMethods(file)

	name, st := photonStruct(order, structs, methods)
	if name == "" {
		return nil, &photon.Error{
			Kind: photon.KindLoad,
			Msg:  "no exported struct with exported methods found",
			Path: fset.Position(file.Name.Pos()).String(),
		}
	}

	spec := &photon.Spec{
		DisplayName: name,
		Name:        strings.ToLower(name),
		Version:     "0.0.0",
		SourceHash:  photon.HashBytes(src),
	}

	structDoc := parseDocblock(st.doc)
	spec.Description = structDoc.description
	if structDoc.icon != "" {
		spec.Icon = structDoc.icon
	}
	if structDoc.version != "" {
		spec.Version = structDoc.version
	}

	// The @dependency manifest lives in the file docblock; tolerate it on
	// the struct docblock too.
	pkgDoc := parseDocblock(file.Doc.Text())
	for _, d := range append(pkgDoc.deps, structDoc.deps...) {
		spec.Dependencies = append(spec.Dependencies, photon.Dependency{Path: d[0], Version: d[1]})
	}
	sort.Slice(spec.Dependencies, func(i, j int) bool {
		return spec.Dependencies[i].Path < spec.Dependencies[j].Path
	})
	if spec.Description == "" {
		spec.Description = pkgDoc.description
	}
	if spec.Version == "0.0.0" && pkgDoc.version != "" {
		spec.Version = pkgDoc.version
	}

	builder := &schemaBuilder{named: namedStructTypes(structs)}

	if err := extractParams(spec, st.typ, builder); err != nil {
		return nil, err
	}

	for _, m := range methods[name] {
		if m.Name.Name == methodInit {
			spec.HasInit = true
			continue
		}
		if !ast.IsExported(m.Name.Name) {
			continue
		}
		member, err := analyzeMethod(fset, m, builder)
		if err != nil {
			return nil, err
		}
		switch member.Kind {
		case photon.KindPrompt:
			spec.Prompts = append(spec.Prompts, member)
		case photon.KindResource:
			spec.Resources = append(spec.Resources, member)
		default:
			spec.Tools = append(spec.Tools, member)
		}
	}

	return spec, nil
}

// structDecl pairs a struct type with its doc comment.
type structDecl struct {
	typ *ast.StructType
	doc string
}

// collectStructs gathers every exported struct declaration, preserving order.
func collectStructs(file *ast.File) (map[string]structDecl, []string) {
	structs := map[string]structDecl{}
	var order []string

	for _, decl := range file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			ts, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			st, ok := ts.Type.(*ast.StructType)
			if !ok || !ast.IsExported(ts.Name.Name) {
				continue
			}
			doc := ts.Doc.Text()
			if doc == "" {
				doc = gd.Doc.Text()
			}
			structs[ts.Name.Name] = structDecl{typ: st, doc: doc}
			order = append(order, ts.Name.Name)
		}
	}
	return structs, order
}

// collectMethods groups method declarations by receiver type name.
func collectMethods(file *ast.File) map[string][]*ast.FuncDecl {
	methods := map[string][]*ast.FuncDecl{}
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv == nil || len(fd.Recv.List) == 0 {
			continue
		}
		if name := receiverName(fd.Recv.List[0].Type); name != "" {
			methods[name] = append(methods[name], fd)
		}
	}
	return methods
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

// photonStruct picks the photon class: the first exported struct that has at
// least one exported method.
func photonStruct(order []string, structs map[string]structDecl, methods map[string][]*ast.FuncDecl) (string, structDecl) {
	for _, name := range order {
		for _, m := range methods[name] {
			if ast.IsExported(m.Name.Name) {
				return name, structs[name]
			}
		}
	}
	return "", structDecl{}
}

func namedStructTypes(structs map[string]structDecl) map[string]*ast.StructType {
	named := make(map[string]*ast.StructType, len(structs))
	for name, sd := range structs {
		named[name] = sd.typ
	}
	return named
}

// extractParams derives configuration parameters from the photon struct's
// exported fields and builds the config schema.
func extractParams(spec *photon.Spec, st *ast.StructType, builder *schemaBuilder) error {
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
			def, hasDefault := tag.Lookup("default")

			param := photon.ConfigParam{
				Name:            name.Name,
				Doc:             firstParagraph(field.Doc.Text()),
				Type:            typeName(field.Type),
				Default:         def,
				SymbolicDefault: isSymbolicDefault(def),
				Required:        !hasDefault,
				EnvVar:          upperSnake(spec.DisplayName) + "_" + upperSnake(name.Name),
			}
			spec.Params = append(spec.Params, param)

			prop, err := builder.typeSchema(field.Type)
			if err != nil {
				return err
			}
			prop.Description = param.Doc
			if hasDefault && !param.SymbolicDefault {
				prop.Default, _ = marshalDefault(def)
			}
			schema.Properties[param.Name] = prop
			if param.Required {
				schema.Required = append(schema.Required, param.Name)
			}
		}
	}
	spec.ConfigSchema = schema
	return nil
}

// isSymbolicDefault reports whether def is one of the well-known expressions
// recorded symbolically and substituted only at display time.
func isSymbolicDefault(def string) bool {
	return def == "homedir()" || def == "cwd()"
}

func typeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return typeName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.ArrayType:
		return "[]" + typeName(t.Elt)
	}
	return "string"
}

// analyzeMethod turns one exported method declaration into a catalog member.
func analyzeMethod(fset *token.FileSet, fd *ast.FuncDecl, builder *schemaBuilder) (*photon.Member, error) {
	db := parseDocblock(fd.Doc.Text())

	member := &photon.Member{
		Kind:        photon.KindTool,
		Name:        fd.Name.Name,
		Description: db.description,
		LinkedUI:    db.linkedUI,
		Autorun:     db.autorun,
		Internal:    db.internal,
	}
	if len(db.extra) > 0 {
		member.Extra = db.extra
	}

	switch {
	case db.template && db.static != "":
		return nil, &photon.Error{
			Kind: photon.KindLoad,
			Msg:  "method " + fd.Name.Name + " is tagged both @Template and @Static",
			Path: fset.Position(fd.Pos()).String(),
		}
	case db.template:
		member.Kind = photon.KindPrompt
	case db.static != "":
		member.Kind = photon.KindResource
		member.URITemplate = db.static
		member.MIMEType = db.staticMIME
		if member.MIMEType == "" {
			member.MIMEType = "text/plain"
		}
	}

	member.OutputFormat = photon.OutputText
	if db.output != "" {
		f := photon.OutputFormat(db.output)
		if !f.IsValid() {
			return nil, &photon.Error{
				Kind: photon.KindLoad,
				Msg:  "method " + fd.Name.Name + " declares unknown @output " + db.output,
				Path: fset.Position(fd.Pos()).String(),
			}
		}
		member.OutputFormat = f
	}

	argType := argStructType(fd)
	if argType != nil {
		schema, err := builder.typeSchema(argType)
		if err != nil {
			var pe *photon.Error
			if errors.As(err, &pe) && pe.Path == "" {
				pe.Path = fset.Position(fd.Pos()).String()
			}
			return nil, err
		}
		annotateParams(schema, db.params)
		member.InputSchema = schema
	}
	return member, nil
}

// argStructType returns the type expression of the method's argument struct.
// Recognised shapes: (ctx *photon.Ctx, args T), (args T), (ctx *photon.Ctx),
// or no parameters at all.
func argStructType(fd *ast.FuncDecl) ast.Expr {
	params := fd.Type.Params
	if params == nil {
		return nil
	}
	for _, p := range params.List {
		if isPhotonCtx(p.Type) {
			continue
		}
		return p.Type
	}
	return nil
}

// isPhotonCtx matches *photon.Ctx and context.Context parameters.
func isPhotonCtx(expr ast.Expr) bool {
	if star, ok := expr.(*ast.StarExpr); ok {
		expr = star.X
	}
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	if !ok {
		return false
	}
	return (pkg.Name == "photon" && sel.Sel.Name == "Ctx") ||
		(pkg.Name == "context" && sel.Sel.Name == "Context")
}

// annotateParams merges @param texts into matching schema properties.
func annotateParams(schema *jsonschema.Schema, params map[string]string) {
	if schema == nil || len(params) == 0 {
		return
	}
	for name, text := range params {
		if prop, ok := schema.Properties[name]; ok && prop.Description == "" {
			prop.Description = text
		}
	}
}
