package engine

import (
	"encoding/json"
	"strings"

	"github.com/photonmcp/photon/pkg/photon"
)

// Result is the transport-neutral outcome of one invocation. The protocol
// core turns it into MCP content blocks.
type Result struct {
	// Text is the primary text block.
	Text string

	// Structured is the JSON-shaped return value, set when the method
	// returned something other than a string.
	Structured any

	// MIMEType hints rendering: empty for plain text, text/markdown,
	// or text/html.
	MIMEType string

	// LinkedUI references the UI resource that renders this result.
	LinkedUI string

	// IsError marks an application-level failure. Text carries the
	// description.
	IsError bool
}

// coerce maps a method's return value into a Result per the member's
// declared output format.
func coerce(member *photon.Member, value any) (*Result, error) {
	res := &Result{LinkedUI: member.LinkedUI}

	switch v := value.(type) {
	case nil:
		res.Text = ""
	case string:
		res.Text = v
	default:
		// Normalize through JSON so interpreter-defined structs become
		// plain maps.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, photon.Errorf(photon.KindInternal, "return value is not JSON-encodable: %v", err)
		}
		var structured any
		if err := json.Unmarshal(data, &structured); err != nil {
			return nil, photon.Errorf(photon.KindInternal, "return value round-trip failed: %v", err)
		}
		res.Structured = structured
		res.Text = string(data)
	}

	switch member.OutputFormat {
	case photon.OutputMarkdown:
		res.MIMEType = "text/markdown"
	case photon.OutputHTML:
		res.MIMEType = "text/html"
	case photon.OutputJSON:
		if res.Structured == nil && res.Text != "" {
			var structured any
			if err := json.Unmarshal([]byte(res.Text), &structured); err == nil {
				res.Structured = structured
			}
		}
	default:
		// A fenced string renders as markdown even without the tag.
		if strings.HasPrefix(res.Text, "```") {
			res.MIMEType = "text/markdown"
		}
	}
	return res, nil
}
