// Package devicemodel parses and represents the Device Model: the
// attribute/action/format schema that a device's messages are validated
// against (spec.md §4.2).
//
// Unknown JSON fields degrade gracefully rather than failing the parse:
// an attribute of an unrecognized type is kept with TypeUnsupported so
// callers can still enumerate the model, but validation against it
// always reports ierrors.CodeUnsupportedType (spec.md §4.2, "forward
// compatibility with server-side model additions").
package devicemodel

import (
	"encoding/json"
	"fmt"

	"github.com/evergreen-iot/device-client/internal/ierrors"
)

// AttributeType enumerates the value types a device model attribute may
// declare. TypeUnsupported is the degradation target for any type string
// this build does not recognize.
type AttributeType string

const (
	TypeNumber      AttributeType = "NUMBER"
	TypeString      AttributeType = "STRING"
	TypeBoolean     AttributeType = "BOOLEAN"
	TypeDateTime    AttributeType = "DATETIME"
	TypeURI         AttributeType = "URI"
	TypeUnsupported AttributeType = "UNSUPPORTED"
)

var knownTypes = map[string]AttributeType{
	"NUMBER":   TypeNumber,
	"STRING":   TypeString,
	"BOOLEAN":  TypeBoolean,
	"DATETIME": TypeDateTime,
	"URI":      TypeURI,
}

// Attribute describes one device-model attribute.
type Attribute struct {
	Name        string
	Type        AttributeType
	rawType     string
	Writable    bool
	Min         *float64
	Max         *float64
	Alias       string
	Description string
}

// Action describes a device-model action (a server-invocable command).
type Action struct {
	Name        string
	Description string
	Argument    *Attribute
	Alias       string
}

// Format describes a named data or alert format: an ordered list of
// field names to their declared attribute type, order preserved because
// spec.md's wire examples render alert/data fields in declaration order.
type Format struct {
	URN    string
	Fields []Field
}

// Field is one (name, type) pair within a Format, order-preserving.
type Field struct {
	Name string
	Type AttributeType
}

// Model is the fully parsed device model for one device type URN.
type Model struct {
	URN         string
	Attributes  map[string]Attribute
	attrOrder   []string
	Actions     map[string]Action
	DataFormats  map[string]Format
	AlertFormats map[string]Format
}

// Parse decodes raw device-model JSON into a Model. Parse never fails on
// an unrecognized attribute type; it only fails on structurally
// malformed JSON.
func Parse(raw []byte) (*Model, error) {
	var doc modelDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ierrors.ParseError{Code: ierrors.CodeMalformedStructure, Reason: fmt.Sprintf("device model: %v", err)}
	}

	m := &Model{
		URN:          doc.URN,
		Attributes:   make(map[string]Attribute, len(doc.Attributes)),
		Actions:      make(map[string]Action, len(doc.Actions)),
		DataFormats:  make(map[string]Format, len(doc.Formats)),
		AlertFormats: make(map[string]Format, len(doc.Formats)),
	}

	for _, a := range doc.Attributes {
		attr := Attribute{
			Name:        a.Name,
			rawType:     a.Type,
			Type:        resolveType(a.Type),
			Writable:    a.Writable,
			Alias:       a.Alias,
			Description: a.Description,
		}
		if a.Min != nil {
			v := *a.Min
			attr.Min = &v
		}
		if a.Max != nil {
			v := *a.Max
			attr.Max = &v
		}
		m.Attributes[a.Name] = attr
		m.attrOrder = append(m.attrOrder, a.Name)
	}

	for _, act := range doc.Actions {
		a := Action{Name: act.Name, Description: act.Description, Alias: act.Alias}
		if act.Argument != nil {
			argType := resolveType(act.Argument.Type)
			a.Argument = &Attribute{Name: act.Argument.Name, Type: argType, rawType: act.Argument.Type}
		}
		m.Actions[act.Name] = a
	}

	for _, f := range doc.Formats {
		format := Format{URN: f.URN}
		for _, fld := range f.Fields {
			format.Fields = append(format.Fields, Field{Name: fld.Name, Type: resolveType(fld.Type)})
		}
		if f.Kind == "ALERT" {
			m.AlertFormats[f.URN] = format
		} else {
			m.DataFormats[f.URN] = format
		}
	}

	return m, nil
}

func resolveType(raw string) AttributeType {
	if t, ok := knownTypes[raw]; ok {
		return t
	}
	return TypeUnsupported
}

// AttributeNames returns attribute names in declaration order.
func (m *Model) AttributeNames() []string {
	out := make([]string, len(m.attrOrder))
	copy(out, m.attrOrder)
	return out
}

// ValidateAttribute checks a candidate value against the named
// attribute's declared type and range, returning the stable error codes
// from spec.md §7's parse-error table.
func (m *Model) ValidateAttribute(name string, value any) error {
	attr, ok := m.Attributes[name]
	if !ok {
		return &ierrors.ParseError{Code: ierrors.CodeUnknownAttribute, Reason: fmt.Sprintf("unknown attribute %q", name)}
	}
	if attr.Type == TypeUnsupported {
		return &ierrors.ParseError{Code: ierrors.CodeUnsupportedType, Reason: fmt.Sprintf("attribute %q has unsupported type %q", name, attr.rawType)}
	}
	switch attr.Type {
	case TypeNumber:
		n, ok := asFloat(value)
		if !ok {
			return &ierrors.ValidationError{Attribute: name, Reason: "expected numeric value"}
		}
		if attr.Min != nil && n < *attr.Min {
			return &ierrors.ValidationError{Attribute: name, Reason: "value below declared minimum"}
		}
		if attr.Max != nil && n > *attr.Max {
			return &ierrors.ValidationError{Attribute: name, Reason: "value above declared maximum"}
		}
	case TypeString, TypeDateTime, TypeURI:
		if _, ok := value.(string); !ok {
			return &ierrors.ValidationError{Attribute: name, Reason: "expected string value"}
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return &ierrors.ValidationError{Attribute: name, Reason: "expected boolean value"}
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// modelDoc mirrors the on-the-wire JSON shape returned by the iotapi
// device-model endpoint.
type modelDoc struct {
	URN        string          `json:"urn"`
	Attributes []attributeDoc  `json:"attributes"`
	Actions    []actionDoc     `json:"actions"`
	Formats    []formatDoc     `json:"formats"`
}

type attributeDoc struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Writable    bool     `json:"writable"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Alias       string   `json:"alias,omitempty"`
	Description string   `json:"description,omitempty"`
}

type actionDoc struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Argument    *attributeDoc `json:"argument,omitempty"`
	Alias       string        `json:"alias,omitempty"`
}

type formatDoc struct {
	URN    string        `json:"urn"`
	Kind   string        `json:"kind"`
	Fields []attributeDoc `json:"fields"`
}
