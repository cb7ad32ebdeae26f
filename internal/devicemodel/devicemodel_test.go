package devicemodel

import (
	"errors"
	"testing"

	"github.com/evergreen-iot/device-client/internal/ierrors"
)

const sampleModel = `{
	"urn": "urn:device:thermostat",
	"attributes": [
		{"name": "temperature", "type": "NUMBER", "min": -40, "max": 120, "writable": false},
		{"name": "label", "type": "STRING", "writable": true},
		{"name": "firmwareHash", "type": "CHECKSUM128", "writable": false}
	],
	"actions": [
		{"name": "reset", "argument": {"name": "delaySeconds", "type": "NUMBER"}}
	],
	"formats": [
		{"urn": "urn:format:reading", "kind": "DATA", "fields": [{"name": "temperature", "type": "NUMBER"}]},
		{"urn": "urn:format:overheat", "kind": "ALERT", "fields": [{"name": "temperature", "type": "NUMBER"}]}
	]
}`

func TestParseAndAttributeOrder(t *testing.T) {
	m, err := Parse([]byte(sampleModel))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	names := m.AttributeNames()
	want := []string{"temperature", "label", "firmwareHash"}
	if len(names) != len(want) {
		t.Fatalf("expected %d attribute names, got %d", len(want), len(names))
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("attribute %d: expected %q got %q", i, n, names[i])
		}
	}
	if _, ok := m.DataFormats["urn:format:reading"]; !ok {
		t.Fatalf("expected data format to be indexed")
	}
	if _, ok := m.AlertFormats["urn:format:overheat"]; !ok {
		t.Fatalf("expected alert format to be indexed")
	}
}

func TestUnknownTypeDegradesToUnsupported(t *testing.T) {
	m, err := Parse([]byte(sampleModel))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Attributes["firmwareHash"].Type != TypeUnsupported {
		t.Fatalf("expected unrecognized type to degrade to UNSUPPORTED")
	}
	err = m.ValidateAttribute("firmwareHash", "abc")
	var parseErr *ierrors.ParseError
	if !errors.As(err, &parseErr) || parseErr.Code != ierrors.CodeUnsupportedType {
		t.Fatalf("expected CodeUnsupportedType, got %v", err)
	}
}

func TestValidateAttributeRange(t *testing.T) {
	m, err := Parse([]byte(sampleModel))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := m.ValidateAttribute("temperature", 21.5); err != nil {
		t.Fatalf("expected in-range value to pass: %v", err)
	}
	if err := m.ValidateAttribute("temperature", 500.0); err == nil {
		t.Fatalf("expected above-maximum value to fail")
	}
	if err := m.ValidateAttribute("temperature", "hot"); err == nil {
		t.Fatalf("expected non-numeric value to fail")
	}
}

func TestValidateUnknownAttribute(t *testing.T) {
	m, err := Parse([]byte(sampleModel))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	err = m.ValidateAttribute("doesNotExist", 1)
	var parseErr *ierrors.ParseError
	if !errors.As(err, &parseErr) || parseErr.Code != ierrors.CodeUnknownAttribute {
		t.Fatalf("expected CodeUnknownAttribute, got %v", err)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	if err == nil {
		t.Fatalf("expected parse error for malformed JSON")
	}
}
