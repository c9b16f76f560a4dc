// Package control implements the small request/reply XML subprotocol for
// naming and lifecycle of manifest objects (spec §4.7): open-for-read,
// open-for-create, list, delete, close. Requests and replies are carried as
// the wire codec's XML opcode (spec §4.6); this package owns only the
// document shape, never a general XML API (spec §9 design note).
//
// spec.md lists XML parsing itself among the assumed library routines (§1
// Out of scope), so this package uses the standard library's encoding/xml
// directly rather than reaching for a third-party parser — there is nothing
// domain-specific here for a library to add.
package control

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// Action names the manifest-object operation a request performs. The
// element name on the wire is always "cr_md_" followed by the action.
type Action string

const (
	ActionOpenForRead   Action = "open_for_read"
	ActionOpenForCreate Action = "open_for_create"
	ActionList          Action = "list"
	ActionDelete        Action = "delete"
	ActionClose         Action = "close"
)

var knownActions = map[Action]bool{
	ActionOpenForRead:   true,
	ActionOpenForCreate: true,
	ActionList:          true,
	ActionDelete:        true,
	ActionClose:         true,
}

// elementName returns the request's on-wire element name, e.g.
// "cr_md_open_for_read".
func (a Action) elementName() string { return "cr_md_" + string(a) }

// FileRef names one file argument to a request (spec §4.7 "<file
// name=.../>").
type FileRef struct {
	Name string
}

// Request is one cr_md_<action> document.
type Request struct {
	Action  Action
	Version string
	Test    string
	Files   []FileRef
}

// Marshal encodes req as its wire XML document. Only the three attributes
// and the repeated <file> child named in spec §4.7 are ever emitted.
func (req Request) Marshal() ([]byte, error) {
	if !knownActions[req.Action] {
		return nil, fmt.Errorf("control: unknown action %q", req.Action)
	}
	type fileElem struct {
		XMLName xml.Name `xml:"file"`
		Name    string   `xml:"name,attr"`
	}
	type doc struct {
		XMLName xml.Name `xml:""`
		Version string   `xml:"version,attr"`
		Test    string   `xml:"test,attr"`
		Files   []fileElem
	}
	d := doc{
		XMLName: xml.Name{Local: req.Action.elementName()},
		Version: req.Version,
		Test:    req.Test,
	}
	for _, f := range req.Files {
		d.Files = append(d.Files, fileElem{Name: f.Name})
	}
	out, err := xml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("control: marshal %s: %w", req.Action, err)
	}
	return out, nil
}

// ReplyKind is the closed set of reply document shapes a server may send
// back on the XML opcode (spec §4.7 "replies are validated against a closed
// schema of element names").
type ReplyKind string

const (
	ReplyOK       ReplyKind = "cr_md_ok"
	ReplyError    ReplyKind = "cr_md_error"
	ReplyFileList ReplyKind = "cr_md_filelist"
)

var knownReplyKinds = map[string]ReplyKind{
	string(ReplyOK):       ReplyOK,
	string(ReplyError):    ReplyError,
	string(ReplyFileList): ReplyFileList,
}

// FileEntry is one file named in a cr_md_filelist reply.
type FileEntry struct {
	Name  string
	Size  int64
	Mtime int64
}

// Reply is a decoded and schema-validated response document.
type Reply struct {
	Kind    ReplyKind
	Message string // set only for ReplyError
	Files   []FileEntry
}

// knownReplyAttrs enumerates, per element, the only attribute names that may
// appear on it or its children; anything else is a schema violation (spec
// §4.7: "unknown elements or attributes are errors, not silently ignored").
var knownTopAttrs = map[ReplyKind]map[string]bool{
	ReplyOK:       {},
	ReplyError:    {"message": true},
	ReplyFileList: {},
}

var knownFileAttrs = map[string]bool{"name": true, "size": true, "mtime": true}

// ParseReply decodes and validates one reply document against the closed
// schema: unknown root elements, unknown attributes on the root, unknown
// child elements (anything but <file> under cr_md_filelist), and unknown
// attributes on <file> are all rejected rather than ignored.
func ParseReply(data []byte) (Reply, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	tok, err := nextStart(dec)
	if err != nil {
		return Reply{}, fmt.Errorf("control: %w", err)
	}
	kind, ok := knownReplyKinds[tok.Name.Local]
	if !ok {
		return Reply{}, fmt.Errorf("control: unknown reply element %q", tok.Name.Local)
	}
	allowed := knownTopAttrs[kind]
	for _, attr := range tok.Attr {
		if !allowed[attr.Name.Local] {
			return Reply{}, fmt.Errorf("control: unknown attribute %q on %s", attr.Name.Local, tok.Name.Local)
		}
	}

	reply := Reply{Kind: kind}
	for _, attr := range tok.Attr {
		if attr.Name.Local == "message" {
			reply.Message = attr.Value
		}
	}

	for {
		t, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Reply{}, fmt.Errorf("control: %w", err)
		}
		start, ok := t.(xml.StartElement)
		if !ok {
			continue
		}
		if kind != ReplyFileList {
			return Reply{}, fmt.Errorf("control: unexpected child element %q in %s", start.Name.Local, tok.Name.Local)
		}
		if start.Name.Local != "file" {
			return Reply{}, fmt.Errorf("control: unexpected child element %q in %s", start.Name.Local, tok.Name.Local)
		}
		var fe FileEntry
		for _, attr := range start.Attr {
			if !knownFileAttrs[attr.Name.Local] {
				return Reply{}, fmt.Errorf("control: unknown attribute %q on file", attr.Name.Local)
			}
			switch attr.Name.Local {
			case "name":
				fe.Name = attr.Value
			case "size":
				if _, err := fmt.Sscanf(attr.Value, "%d", &fe.Size); err != nil {
					return Reply{}, fmt.Errorf("control: bad size attribute %q: %w", attr.Value, err)
				}
			case "mtime":
				if _, err := fmt.Sscanf(attr.Value, "%d", &fe.Mtime); err != nil {
					return Reply{}, fmt.Errorf("control: bad mtime attribute %q: %w", attr.Value, err)
				}
			}
		}
		reply.Files = append(reply.Files, fe)
	}
	return reply, nil
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		t, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := t.(xml.StartElement); ok {
			return start, nil
		}
	}
}

