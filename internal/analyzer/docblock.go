package analyzer

import (
	"strings"
)

// docblock is the parsed form of one doc comment: the leading prose split
// into paragraphs, plus every @tag line.
type docblock struct {
	// description is the first paragraph, joined to a single line.
	description string

	// template is true when the @Template tag is present.
	template bool

	// static holds the @Static URI template, plus an optional MIME type.
	static     string
	staticMIME string

	// internal, autorun mirror the tags of the same name.
	internal bool
	autorun  bool

	// linkedUI holds the @linkedUi resource identifier.
	linkedUI string

	// output holds the @output format, verbatim.
	output string

	// icon, version are photon-level tags.
	icon    string
	version string

	// params maps @param names to their description text.
	params map[string]string

	// deps holds @dependency lines as (path, version) pairs.
	deps [][2]string

	// extra holds unrecognised tags verbatim, keyed by tag name. Repeated
	// unknown tags keep the last occurrence.
	extra map[string]string
}

// recognised tags, lower-cased. Everything else lands in extra.
const (
	tagTemplate   = "template"
	tagStatic     = "static"
	tagInternal   = "internal"
	tagAutorun    = "autorun"
	tagLinkedUI   = "linkedui"
	tagParam      = "param"
	tagOutput     = "output"
	tagIcon       = "icon"
	tagVersion    = "version"
	tagDependency = "dependency"
)

// parseDocblock parses the cleaned text of a doc comment (as returned by
// ast.CommentGroup.Text). Unknown @tags are preserved, never rejected.
func parseDocblock(text string) docblock {
	db := docblock{
		params: map[string]string{},
		extra:  map[string]string{},
	}

	var para []string
	inPara := true
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "@") {
			inPara = false
			db.applyTag(trimmed)
			continue
		}
		if trimmed == "" {
			inPara = false
			continue
		}
		if inPara {
			para = append(para, trimmed)
		}
	}
	db.description = strings.Join(para, " ")
	return db
}

// applyTag dispatches one "@name rest" line.
func (db *docblock) applyTag(line string) {
	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "@"), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case tagTemplate:
		db.template = true
	case tagStatic:
		uri, mime, _ := strings.Cut(rest, " ")
		db.static = uri
		db.staticMIME = strings.TrimSpace(mime)
	case tagInternal:
		db.internal = true
	case tagAutorun:
		db.autorun = true
	case tagLinkedUI:
		db.linkedUI = rest
	case tagOutput:
		db.output = rest
	case tagIcon:
		db.icon = rest
	case tagVersion:
		db.version = rest
	case tagParam:
		pname, text, _ := strings.Cut(rest, " ")
		if pname != "" {
			db.params[pname] = strings.TrimSpace(text)
		}
	case tagDependency:
		path, version, _ := strings.Cut(rest, " ")
		if path != "" {
			db.deps = append(db.deps, [2]string{path, strings.TrimSpace(version)})
		}
	default:
		db.extra[name] = rest
	}
}
